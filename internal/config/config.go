// Package config loads the slidepatch run configuration from YAML and fills
// in defaults for anything the file leaves out.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"slidepatch/internal/logger"
	"slidepatch/internal/mask"
)

// Config represents the run configuration loaded from YAML
type Config struct {
	// Mask computation
	Mask struct {
		// Level is the pyramid level masks are computed at
		Level int `yaml:"level"`

		// RGBMin removes pixels whose R, G or B is not above it (pen marks, slide edges)
		RGBMin int `yaml:"rgbMin"`

		// Sample selects the mask coordinates are drawn from: tissue, tumor or normal
		Sample string `yaml:"sample"`
	} `yaml:"mask"`

	// Patch extraction
	Patch struct {
		Size   int    `yaml:"size"`
		Level  int    `yaml:"level"`
		Number int    `yaml:"number"`
		Format string `yaml:"format"`
	} `yaml:"patch"`

	Sampling struct {
		// Seed makes sampling reproducible; each slide derives its own stream from it
		Seed uint64 `yaml:"seed"`
	} `yaml:"sampling"`

	Slide struct {
		// Levels caps the pyramid built for flat image files
		Levels int `yaml:"levels"`
	} `yaml:"slide"`

	Annotations struct {
		// Dir holds <slideID>.xml polygon files
		Dir string `yaml:"dir"`

		// Lenient treats unreadable annotation files as empty instead of failing the slide
		Lenient bool `yaml:"lenient"`
	} `yaml:"annotations"`

	Output struct {
		Dir       string `yaml:"dir"`
		SaveMasks bool   `yaml:"saveMasks"`
		Manifest  bool   `yaml:"manifest"`
	} `yaml:"output"`

	Memory struct {
		// MaxRegionBytes bounds concurrent pixel buffers; 0 disables the limit
		MaxRegionBytes int64 `yaml:"maxRegionBytes"`
	} `yaml:"memory"`

	Workers int `yaml:"workers"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Mask.Level = 6
	cfg.Mask.RGBMin = 50
	cfg.Mask.Sample = string(mask.KindTissue)

	cfg.Patch.Size = 256
	cfg.Patch.Level = 0
	cfg.Patch.Number = 1000
	cfg.Patch.Format = "png"

	cfg.Slide.Levels = 8

	cfg.Output.Dir = "patches"
	cfg.Output.Manifest = true

	cfg.Memory.MaxRegionBytes = 2 << 30

	cfg.Workers = runtime.NumCPU()

	cfg.Log.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile writes the defaults to configPath
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate reports every invalid setting at once. Levels are only checked
// against the configured pyramid depth; each slide checks its own levels
// again when it is opened.
func (c *Config) Validate() error {
	var errs []error

	if c.Slide.Levels < 1 {
		errs = append(errs, fmt.Errorf("slide.levels must be at least 1, got %d", c.Slide.Levels))
	}
	if c.Mask.Level < 0 || c.Mask.Level >= c.Slide.Levels {
		errs = append(errs, fmt.Errorf("mask.level %d outside [0, %d)", c.Mask.Level, c.Slide.Levels))
	}
	if c.Patch.Level < 0 || c.Patch.Level >= c.Slide.Levels {
		errs = append(errs, fmt.Errorf("patch.level %d outside [0, %d)", c.Patch.Level, c.Slide.Levels))
	}
	if c.Mask.RGBMin < 0 || c.Mask.RGBMin > 255 {
		errs = append(errs, fmt.Errorf("mask.rgbMin %d outside [0, 255]", c.Mask.RGBMin))
	}

	kind, err := mask.ParseKind(c.Mask.Sample)
	if err != nil {
		errs = append(errs, fmt.Errorf("mask.sample: %w", err))
	} else if kind == mask.KindTumor && c.Annotations.Dir == "" {
		errs = append(errs, errors.New("mask.sample tumor needs annotations.dir"))
	}

	if c.Patch.Size <= 0 {
		errs = append(errs, fmt.Errorf("patch.size must be positive, got %d", c.Patch.Size))
	}
	if c.Patch.Number < 0 {
		errs = append(errs, fmt.Errorf("patch.number must not be negative, got %d", c.Patch.Number))
	}
	switch strings.ToLower(c.Patch.Format) {
	case "png", "jpg", "jpeg":
	default:
		errs = append(errs, fmt.Errorf("patch.format %q is not png or jpeg", c.Patch.Format))
	}

	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	if c.Memory.MaxRegionBytes < 0 {
		errs = append(errs, fmt.Errorf("memory.maxRegionBytes must not be negative, got %d", c.Memory.MaxRegionBytes))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// SampleKind returns the parsed mask.sample value. Call Validate first.
func (c *Config) SampleKind() mask.Kind {
	k, _ := mask.ParseKind(c.Mask.Sample)
	return k
}
