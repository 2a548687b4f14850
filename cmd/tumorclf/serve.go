package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tumorclf/internal/httpapi"
	"tumorclf/internal/model"
	"tumorclf/internal/predictor"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr, artifact, onnxLib     string
		maxInflight, maxQueue       int
		maxWaitMs, predictTimeoutMs int
		cacheTTL                    int
		maxBody                     int64
		corsOrigins, requestLevel   string
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the upload form and POST /predict over HTTP",
		Example: "  tumorclf serve --artifact model.tmr --addr :8080\n  tumorclf serve --config tumorclf.toml --cors-origins '*'",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			s := &a.cfg.Server
			if f.Changed("addr") {
				s.Addr = addr
			}
			if f.Changed("artifact") {
				s.Artifact = artifact
			}
			if f.Changed("onnx-lib") {
				a.cfg.Backbone.ONNX.LibraryPath = onnxLib
			}
			if f.Changed("max-inflight") {
				s.MaxInflight = maxInflight
			}
			if f.Changed("max-queue") {
				s.MaxQueueDepth = maxQueue
			}
			if f.Changed("max-wait-ms") {
				s.MaxWaitMs = maxWaitMs
			}
			if f.Changed("predict-timeout-ms") {
				s.PredictTimeoutMs = predictTimeoutMs
			}
			if f.Changed("cache-ttl") {
				s.CacheTTLSeconds = cacheTTL
			}
			if f.Changed("max-body-bytes") {
				s.MaxBodyBytes = maxBody
			}
			if f.Changed("cors-origins") {
				s.CORS.Origins = splitCSV(corsOrigins)
				s.CORS.Enabled = len(s.CORS.Origins) > 0
			}
			if f.Changed("request-log-level") {
				a.cfg.Log.RequestLevel = requestLevel
			}
			if err := a.finalize(cmd.ErrOrStderr()); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	f.StringVar(&artifact, "artifact", "", "Trained artifact to load")
	f.StringVar(&onnxLib, "onnx-lib", "", "Path to the onnxruntime shared library (ONNX backbones)")
	f.IntVar(&maxInflight, "max-inflight", 0, "Concurrent predictions (0 = GOMAXPROCS)")
	f.IntVar(&maxQueue, "max-queue", 0, "Admission queue depth before 429")
	f.IntVar(&maxWaitMs, "max-wait-ms", 0, "Maximum queue wait before 429")
	f.IntVar(&predictTimeoutMs, "predict-timeout-ms", 0, "Per-request prediction timeout (0 = none)")
	f.IntVar(&cacheTTL, "cache-ttl", 0, "Seconds to cache results for identical uploads (0 = off)")
	f.Int64Var(&maxBody, "max-body-bytes", 0, "Upload size limit (0 = 10 MiB)")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; enables CORS")
	f.StringVar(&requestLevel, "request-log-level", "", "Default per-request log level: off|error|info|debug")
	return cmd
}

func loadOptions(a *app) model.LoadOptions {
	return model.LoadOptions{ONNXLibraryPath: a.cfg.Backbone.ONNX.LibraryPath}
}

// configureHTTP pushes the server section into the httpapi package setters.
func configureHTTP(ctx context.Context, a *app) {
	s := a.cfg.Server
	httpapi.SetLogger(a.log)
	httpapi.SetDefaultLogLevel(a.cfg.Log.RequestLevel)
	httpapi.SetMaxBodyBytes(s.MaxBodyBytes)
	httpapi.SetPredictTimeout(time.Duration(s.PredictTimeoutMs) * time.Millisecond)
	httpapi.SetCORSOptions(s.CORS.Enabled, s.CORS.Origins, s.CORS.Methods, s.CORS.Headers)
	httpapi.SetBaseContext(ctx)
}

func serve(ctx context.Context, a *app) error {
	configureHTTP(ctx, a)
	svc := predictor.NewService(serviceConfig(a))
	defer svc.Close()
	// The artifact loads in the background; /readyz reports progress.
	svc.Start(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Str("artifact", a.cfg.Server.Artifact).Msg("tumorclf listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
