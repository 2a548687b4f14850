package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorclf/internal/augment"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
log:
  level: debug
  format: console
server:
  addr: ":9999"
  artifact: /srv/m.tmr
  max_wait_ms: 250
  cors:
    enabled: true
    origins: ["*"]
train:
  train_dir: /data/Training
  val_dir: /data/Testing
  epochs: 3
  interpolation: bilinear
  augment:
    rotation_deg: 10
    horizontal_flip: true
backbone:
  kind: conv
  seed: 7
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log cfg: %+v", cfg.Log)
	}
	if cfg.Server.Addr != ":9999" || cfg.Server.Artifact != "/srv/m.tmr" || cfg.Server.MaxWaitMs != 250 || !cfg.Server.CORS.Enabled {
		t.Fatalf("unexpected server cfg: %+v", cfg.Server)
	}
	if cfg.Train.Epochs != 3 || cfg.Train.Interpolation != "bilinear" || cfg.Train.Augment.RotationDeg != 10 {
		t.Fatalf("unexpected train cfg: %+v", cfg.Train)
	}
	if cfg.Backbone.Seed != 7 {
		t.Fatalf("unexpected backbone cfg: %+v", cfg.Backbone)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"server":{"addr":":7070","artifact":"m.tmr"},"train":{"batch_size":16,"dropout_rate":0.25},"backbone":{"kind":"onnx","model_path":"/m/mobilenet.onnx","onnx":{"input_name":"input","output_name":"features","output_shape":[5,5,1280]}}}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Train.BatchSize)
	require.NotNil(t, cfg.Train.DropoutRate)
	assert.InDelta(t, 0.25, *cfg.Train.DropoutRate, 1e-12)
	assert.Equal(t, "onnx", cfg.Backbone.Kind)
	assert.Equal(t, []int64{5, 5, 1280}, cfg.Backbone.ONNX.OutputShape)
	assert.Equal(t, "features", cfg.Backbone.ONNX.OutputName)
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `
[server]
addr = ":8081"
artifact = "/x/m.tmr"
cache_ttl_seconds = 60

[train]
learning_rate = 0.01
seed = 42
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.Equal(t, 60, cfg.Server.CacheTTLSeconds)
	assert.InDelta(t, 0.01, cfg.Train.LearningRate, 1e-12)
	assert.Equal(t, uint64(42), cfg.Train.Seed)
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	cases := map[string]string{
		"cfg.txt":   "not supported",
		"bad.yaml":  "server:\n  addr: :8080\n: broken\n",
		"bad.json":  `{ "server": { "addr": } }`,
		"bad.toml":  "[server]\naddr\n",
		"type.json": `{"train":{"epochs":"ten"}}`,
	}
	for name, content := range cases {
		p := writeTempFile(t, d, name, content)
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, cfg.Server.Artifact, cfg.Train.Artifact)
	assert.Equal(t, "nearest", cfg.Train.Interpolation)
	assert.Equal(t, augment.DefaultParams(), cfg.Train.Augment)
	require.NotNil(t, cfg.Train.DropoutRate)
	assert.InDelta(t, 0.5, *cfg.Train.DropoutRate, 1e-12)
	assert.Equal(t, "conv", cfg.Backbone.Kind)
	require.NoError(t, cfg.Validate())
}

func TestApplyDefaultsKeepsValues(t *testing.T) {
	cfg := Config{}
	cfg.Server.Addr = ":1"
	cfg.Train.Augment.Zoom = 0.1
	cfg.ApplyDefaults()
	assert.Equal(t, ":1", cfg.Server.Addr)
	assert.InDelta(t, 0.1, cfg.Train.Augment.Zoom, 1e-12)
	assert.Zero(t, cfg.Train.Augment.RotationDeg)
}

func TestExplicitZeroDropoutSurvivesDefaults(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "train:\n  dropout_rate: 0\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	cfg.ApplyDefaults()
	require.NotNil(t, cfg.Train.DropoutRate)
	assert.Zero(t, *cfg.Train.DropoutRate)
}

func TestPartialAugmentBlockKeepsOtherRanges(t *testing.T) {
	d := t.TempDir()
	want := augment.DefaultParams()
	want.RotationDeg = 10
	for name, content := range map[string]string{
		"cfg.yaml": "train:\n  augment:\n    rotation_deg: 10\n",
		"cfg.json": `{"train":{"augment":{"rotation_deg":10}}}`,
		"cfg.toml": "[train.augment]\nrotation_deg = 10\n",
	} {
		cfg, err := Load(writeTempFile(t, d, name, content))
		require.NoError(t, err, name)
		cfg.ApplyDefaults()
		assert.Equal(t, want, cfg.Train.Augment, name)
	}

	d2 := t.TempDir()
	cfg, err := Load(writeTempFile(t, d2, "cfg.yaml", "train:\n  augment:\n    horizontal_flip: false\n"))
	require.NoError(t, err)
	cfg.ApplyDefaults()
	assert.False(t, cfg.Train.Augment.HorizontalFlip)
	assert.InDelta(t, 0.2, cfg.Train.Augment.Zoom, 1e-12)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"dropout", func(c *Config) { r := 1.0; c.Train.DropoutRate = &r }},
		{"epochs", func(c *Config) { c.Train.Epochs = -1 }},
		{"interpolation", func(c *Config) { c.Train.Interpolation = "cubic" }},
		{"backbone kind", func(c *Config) { c.Backbone.Kind = "resnet" }},
		{"onnx needs model", func(c *Config) { c.Backbone.Kind = "onnx" }},
		{"max wait", func(c *Config) { c.Server.MaxWaitMs = -5 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Defaults()
			c.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg := Config{}
	cfg.Server.Artifact = "~/models/m.tmr"
	cfg.Train.TrainDir = "/abs/train"
	require.NoError(t, cfg.ExpandPaths())
	assert.Equal(t, filepath.Join(home, "models/m.tmr"), cfg.Server.Artifact)
	assert.Equal(t, "/abs/train", cfg.Train.TrainDir)
	assert.Empty(t, cfg.Train.ValDir)
}
