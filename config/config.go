// Package config loads imgwalk settings: built-in defaults, then an optional
// YAML file, then command-line overrides.
package config

import (
	"os"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultChunkSize is the extraction read size.
const DefaultChunkSize = 1 << 20

// Config holds every tunable of a run.
type Config struct {
	SectorSize              int    `yaml:"sector_size"`
	ChunkSize               int    `yaml:"chunk_size"`
	AllowOffsetZeroFallback bool   `yaml:"allow_offset_zero_fallback"`
	Workers                 int    `yaml:"workers"`
	Hash                    bool   `yaml:"hash"`
	StorePath               string `yaml:"store"`
	OutputDir               string `yaml:"output_dir"`
	CaseID                  string `yaml:"case_id"`
	Actor                   string `yaml:"actor"`
	LogActive               bool   `yaml:"log"`
	LogFile                 string `yaml:"log_file"`
	Verbosity               int    `yaml:"verbosity"`
}

// Default returns the settings used when nothing else is given.
func Default() Config {
	return Config{
		SectorSize: 512,
		ChunkSize:  DefaultChunkSize,
		Workers:    4,
		Hash:       true,
		OutputDir:  "extracted",
		CaseID:     "default",
		Actor:      "examiner",
	}
}

// Load reads path (if not empty) over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Merge(file); err != nil {
		return cfg, err
	}
	// Merge skips zero values, so a switch that defaults to on is read
	// separately.
	var switches struct {
		Hash *bool `yaml:"hash"`
	}
	if err := yaml.Unmarshal(data, &switches); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if switches.Hash != nil {
		cfg.Hash = *switches.Hash
	}
	return cfg, cfg.Validate()
}

// Merge copies every non-zero field of override into c.
func (c *Config) Merge(override Config) error {
	if err := mergo.Merge(c, override, mergo.WithOverride); err != nil {
		return errors.Wrap(err, "merging config")
	}
	return nil
}

// Validate rejects settings the readers cannot work with.
func (c Config) Validate() error {
	switch c.SectorSize {
	case 512, 1024, 2048, 4096:
	default:
		return errors.Errorf("sector size %d: must be 512, 1024, 2048 or 4096", c.SectorSize)
	}
	if c.ChunkSize <= 0 {
		return errors.Errorf("chunk size %d: must be positive", c.ChunkSize)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers %d: must be positive", c.Workers)
	}
	return nil
}
