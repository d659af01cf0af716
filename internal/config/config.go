// Package config loads Kestrel configuration from defaults, an optional YAML
// file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "KESTREL_"

	// EnvConfigPath names the YAML file to load, if any.
	EnvConfigPath = EnvPrefix + "CONFIG"

	// nestDelim separates nested keys in environment variable names, so
	// KESTREL_SCORING__TRIGGER_COUNTING maps to scoring.trigger_counting.
	nestDelim = "__"
)

// Load reads configuration in order of increasing precedence: tier
// defaults, the YAML file named by KESTREL_CONFIG, then the environment.
// A .env file in the working directory is applied to the environment first.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return LoadFile(os.Getenv(EnvConfigPath))
}

// LoadFile is Load without the .env step, reading the YAML file at path
// when path is not empty.
func LoadFile(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, nestDelim, ".")
}

// Validate rejects configurations the service cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if _, err := cfg.Scoring.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := domain.ParseFailurePolicy(cfg.Blacklist.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("blacklist.failure_policy: %w", err))
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("repository.driver: unsupported %q", cfg.Repository.Driver))
	}

	if cfg.Velocity.Window <= 0 {
		errs = append(errs, errors.New("velocity.window must be positive"))
	}
	if cfg.Blacklist.AutoEnabled {
		if cfg.Blacklist.AutoThreshold < 1 {
			errs = append(errs, errors.New("blacklist.auto_threshold must be at least 1"))
		}
		if cfg.Blacklist.AutoWindow <= 0 {
			errs = append(errs, errors.New("blacklist.auto_window must be positive"))
		}
	}
	if cfg.Signals.Enabled && cfg.Signals.BaseURL == "" {
		errs = append(errs, errors.New("signals.base_url is required when signals are enabled"))
	}
	if cfg.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("server.rate_limit_rps must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
