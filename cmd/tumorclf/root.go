package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tumorclf/internal/config"
)

// app carries state shared by every subcommand once the root has parsed
// its persistent flags.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:           "tumorclf",
		Short:         "Brain MRI tumor classifier: train, serve, predict",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("TUMORCLF_CONFIG"), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error|disabled")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: json|console")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if a.configPath == "" {
			return nil
		}
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	}

	root.AddCommand(
		newTrainCmd(a),
		newServeCmd(a),
		newPredictCmd(a),
		newInspectCmd(a),
		newInitBackboneCmd(a),
	)
	return root
}

// finalize applies persistent flag overrides, defaults and validation,
// then builds the logger. Subcommands call it after applying their own
// flags to a.cfg.
func (a *app) finalize(stderr io.Writer) error {
	if a.logLevel != "" {
		a.cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		a.cfg.Log.Format = a.logFormat
	}
	a.cfg.ApplyDefaults()
	if err := a.cfg.ExpandPaths(); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	l, err := newLogger(stderr, a.cfg.Log)
	if err != nil {
		return err
	}
	a.log = l
	return nil
}

func newLogger(w io.Writer, c config.LogConfig) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("svc", "tumorclf").Logger(), nil
}
