package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"tumorclf/internal/augment"
	"tumorclf/internal/common/fsutil"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
// The result is not defaulted; callers apply flags first, then ApplyDefaults.
// The augment block is decoded over augment.DefaultParams, so a file that
// sets only some ranges keeps the others.
func Load(path string) (Config, error) {
	cfg := Config{Train: TrainConfig{Augment: augment.DefaultParams()}}
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ExpandPaths resolves a leading ~ in every path-valued field.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Server.Artifact, &c.Train.TrainDir, &c.Train.ValDir, &c.Train.Artifact,
		&c.Train.History, &c.Backbone.Weights, &c.Backbone.ModelPath, &c.Backbone.ONNX.LibraryPath,
	} {
		if *p == "" {
			continue
		}
		v, err := fsutil.ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}
