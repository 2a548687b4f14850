package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"tumorclf/internal/augment"
	"tumorclf/internal/model"
	"tumorclf/internal/trainer"
)

// Config is the whole runtime configuration. Zero values mean "unspecified"
// and are replaced by ApplyDefaults; CLI flags override file values.
type Config struct {
	Log      LogConfig      `json:"log" yaml:"log" toml:"log"`
	Server   ServerConfig   `json:"server" yaml:"server" toml:"server"`
	Train    TrainConfig    `json:"train" yaml:"train" toml:"train"`
	Backbone BackboneConfig `json:"backbone" yaml:"backbone" toml:"backbone"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"omitempty,oneof=json console"`
	// RequestLevel is the default per-request level of the HTTP layer
	// (off|error|info|debug).
	RequestLevel string `json:"request_level" yaml:"request_level" toml:"request_level" validate:"omitempty,oneof=off error info debug"`
}

// ServerConfig drives `tumorclf serve`.
type ServerConfig struct {
	Addr             string     `json:"addr" yaml:"addr" toml:"addr" validate:"required"`
	Artifact         string     `json:"artifact" yaml:"artifact" toml:"artifact" validate:"required"`
	MaxBodyBytes     int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" validate:"gte=0"`
	PredictTimeoutMs int        `json:"predict_timeout_ms" yaml:"predict_timeout_ms" toml:"predict_timeout_ms" validate:"gte=0"`
	MaxInflight      int        `json:"max_inflight" yaml:"max_inflight" toml:"max_inflight" validate:"gte=0"`
	MaxQueueDepth    int        `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth" validate:"gte=0"`
	MaxWaitMs        int        `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms" validate:"gte=0"`
	CacheTTLSeconds  int        `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds" validate:"gte=0"`
	CacheSize        uint64     `json:"cache_size" yaml:"cache_size" toml:"cache_size"`
	ShutdownSeconds  int        `json:"shutdown_seconds" yaml:"shutdown_seconds" toml:"shutdown_seconds" validate:"gte=0"`
	CORS             CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// TrainConfig drives `tumorclf train`. DropoutRate is a pointer so an
// explicit 0 survives ApplyDefaults.
type TrainConfig struct {
	TrainDir      string         `json:"train_dir" yaml:"train_dir" toml:"train_dir"`
	ValDir        string         `json:"val_dir" yaml:"val_dir" toml:"val_dir"`
	Artifact      string         `json:"artifact" yaml:"artifact" toml:"artifact" validate:"required"`
	History       string         `json:"history" yaml:"history" toml:"history"`
	Epochs        int            `json:"epochs" yaml:"epochs" toml:"epochs" validate:"gte=0"`
	BatchSize     int            `json:"batch_size" yaml:"batch_size" toml:"batch_size" validate:"gte=0"`
	LearningRate  float64        `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate" validate:"gte=0"`
	HiddenUnits   int            `json:"hidden_units" yaml:"hidden_units" toml:"hidden_units" validate:"gte=0"`
	DropoutRate   *float64       `json:"dropout_rate" yaml:"dropout_rate" toml:"dropout_rate" validate:"omitempty,gte=0,lt=1"`
	Seed          uint64         `json:"seed" yaml:"seed" toml:"seed"`
	Workers       int            `json:"workers" yaml:"workers" toml:"workers" validate:"gte=0"`
	Interpolation string         `json:"interpolation" yaml:"interpolation" toml:"interpolation" validate:"omitempty,oneof=nearest bilinear lanczos3"`
	NoAugment     bool           `json:"no_augment" yaml:"no_augment" toml:"no_augment"`
	Augment       augment.Params `json:"augment" yaml:"augment" toml:"augment"`
}

// BackboneConfig selects the frozen feature extractor used for training.
// Serving reads the backbone from the artifact and only needs LibraryPath
// when it is an ONNX one.
type BackboneConfig struct {
	Kind string `json:"kind" yaml:"kind" toml:"kind" validate:"omitempty,oneof=conv onnx"`
	// Seed initializes the conv backbone when Weights is empty.
	Seed    uint64 `json:"seed" yaml:"seed" toml:"seed"`
	Weights string `json:"weights" yaml:"weights" toml:"weights"`

	ModelPath string           `json:"model_path" yaml:"model_path" toml:"model_path" validate:"required_if=Kind onnx"`
	ONNX      model.ONNXConfig `json:"onnx" yaml:"onnx" toml:"onnx"`
}

// Defaults returns a fully populated configuration.
func Defaults() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unspecified field.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Artifact == "" {
		c.Server.Artifact = "brain_tumor_classifier.tmr"
	}
	if c.Server.ShutdownSeconds == 0 {
		c.Server.ShutdownSeconds = 5
	}
	if len(c.Server.CORS.Methods) == 0 {
		c.Server.CORS.Methods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(c.Server.CORS.Headers) == 0 {
		c.Server.CORS.Headers = []string{"Content-Type", "X-Log-Level"}
	}
	if c.Train.Artifact == "" {
		c.Train.Artifact = c.Server.Artifact
	}
	if c.Train.Interpolation == "" {
		c.Train.Interpolation = "nearest"
	}
	if c.Train.DropoutRate == nil {
		r := trainer.DefaultDropoutRate
		c.Train.DropoutRate = &r
	}
	if c.Train.Augment == (augment.Params{}) {
		c.Train.Augment = augment.DefaultParams()
	}
	if c.Backbone.Kind == "" {
		c.Backbone.Kind = string(model.BackboneConv)
	}
}

var validate = validator.New()

// Validate checks struct constraints and reports every failing field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
