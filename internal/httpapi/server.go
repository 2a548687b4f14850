// Package httpapi is the HTTP shim over the prediction service: an upload
// form, POST /predict, and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tumorclf/internal/predictor"
	"tumorclf/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Predict(ctx context.Context, image []byte) (predictor.Result, error)
	Labels() ([]string, error)
	Status() types.StatusResponse
	Ready() bool
}

const msgNoFile = "No file uploaded"

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON/HTML responses
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/", serveUploadPage)

	r.Post("/predict", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			z := zlog.Debug().Str("path", r.URL.Path).Str("content_type", r.Header.Get("Content-Type"))
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("predict start")
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		img, status, msg := readUpload(r)
		if status != http.StatusOK {
			writeJSONError(w, status, msg)
			logPredictEnd(r, lvl, status, start, "", errors.New(msg))
			return
		}
		uploadBytes.Observe(float64(len(img)))

		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if predictTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, predictTimeout)
			defer tcancel()
		}
		res, err := svc.Predict(ctx, img)
		if err != nil {
			// client went away; nobody is listening for the answer
			if r.Context().Err() != nil {
				return
			}
			status := writeError(w, err)
			logPredictEnd(r, lvl, status, start, "", err)
			return
		}
		writeJSON(w, types.PredictResponse{
			Class:         res.Label,
			Confidence:    predictor.FormatConfidence(res.Confidence),
			ConfidenceRaw: res.Confidence,
			Probabilities: res.Distribution,
		})
		logPredictEnd(r, lvl, http.StatusOK, start, res.Label, nil)
	})

	r.Get("/labels", func(w http.ResponseWriter, r *http.Request) {
		labels, err := svc.Labels()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, types.LabelsResponse{Labels: labels})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		state := svc.Status().State
		if state == "" {
			state = "loading"
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(state))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// readUpload extracts the image bytes from either a multipart form (field
// "file") or a raw image body. A non-200 status comes with a client message.
func readUpload(r *http.Request) ([]byte, int, string) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, http.StatusUnsupportedMediaType, "Content-Type must be multipart/form-data or image/*"
	}
	switch {
	case mt == "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			if tooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, "upload too large"
			}
			return nil, http.StatusBadRequest, "invalid multipart body"
		}
		defer r.MultipartForm.RemoveAll()
		f, _, err := r.FormFile("file")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return nil, http.StatusBadRequest, msgNoFile
			}
			return nil, http.StatusBadRequest, "invalid multipart body"
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, http.StatusBadRequest, "failed to read upload"
		}
		if len(b) == 0 {
			return nil, http.StatusBadRequest, msgNoFile
		}
		return b, http.StatusOK, ""
	case strings.HasPrefix(mt, "image/") || mt == "application/octet-stream":
		b, err := io.ReadAll(r.Body)
		if err != nil {
			if tooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, "upload too large"
			}
			return nil, http.StatusBadRequest, "failed to read body"
		}
		if len(b) == 0 {
			return nil, http.StatusBadRequest, msgNoFile
		}
		return b, http.StatusOK, ""
	default:
		return nil, http.StatusUnsupportedMediaType, "Content-Type must be multipart/form-data or image/*"
	}
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
