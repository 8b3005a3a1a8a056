// Package config loads the settings of the epsilon tools from a YAML,
// TOML or JSONC file, then applies EPSILON_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	env "github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/rawbytedev/epsilon/internal/logging"
	"github.com/rawbytedev/epsilon/pkg/mem"
)

const (
	EnvPrefix = "EPSILON_"
	EnvConfig = "EPSILON_CONFIG"
)

// Load modes name how a stream file is brought into memory.
const (
	ModeMmap = "mmap" // map the file read-only
	ModeMem  = "mem"  // aligned copy on the heap
	ModeAnon = "anon" // copy into a frozen anonymous map
	ModeFull = "full" // streamed from the file, payloads skipped
)

// Config holds the complete tool configuration.
type Config struct {
	Log  logging.Config `yaml:"log" toml:"log" json:"log" envPrefix:"LOG_"`
	Load LoadConfig     `yaml:"load" toml:"load" json:"load" envPrefix:"LOAD_"`
}

// LoadConfig controls how stream files are opened.
type LoadConfig struct {
	Mode                 string `yaml:"mode" toml:"mode" json:"mode" env:"MODE"`
	Populate             bool   `yaml:"populate" toml:"populate" json:"populate" env:"POPULATE"`
	HugePages            bool   `yaml:"huge_pages" toml:"huge_pages" json:"huge_pages" env:"HUGE_PAGES"`
	TransparentHugePages bool   `yaml:"transparent_huge_pages" toml:"transparent_huge_pages" json:"transparent_huge_pages" env:"TRANSPARENT_HUGE_PAGES"`
	Advice               string `yaml:"advice" toml:"advice" json:"advice" env:"ADVICE"` // normal, sequential or random
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:  logging.DefaultConfig(),
		Load: LoadConfig{Mode: ModeMmap, Advice: "normal"},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result. The format follows the extension:
// .yaml, .yml, .toml, .json or .jsonc. JSON files may carry comments and
// trailing commas.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("config: decoding %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decoding %s: %w", path, err)
		}
	case ".json", ".jsonc":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("config: decoding %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unknown format %q for %s", ext, path)
	}
	return nil
}

// Validate checks enumerated values.
func (c Config) Validate() error {
	switch c.Load.Mode {
	case ModeMmap, ModeMem, ModeAnon, ModeFull:
	default:
		return fmt.Errorf("config: load mode %q is not one of mmap, mem, anon, full", c.Load.Mode)
	}
	if _, err := c.Load.MapFlags(); err != nil {
		return err
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// MapFlags converts the load settings to mapping flags.
func (l LoadConfig) MapFlags() (mem.Flags, error) {
	var f mem.Flags
	switch strings.ToLower(l.Advice) {
	case "", "normal":
	case "sequential":
		f |= mem.Sequential
	case "random":
		f |= mem.Random
	default:
		return 0, fmt.Errorf("config: unknown access advice %q", l.Advice)
	}
	if l.Populate {
		f |= mem.Populate
	}
	if l.HugePages {
		f |= mem.HugePages
	}
	if l.TransparentHugePages {
		f |= mem.TransparentHugePages
	}
	return f, nil
}
