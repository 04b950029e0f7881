package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load builds the configuration snapshot for a project root.
//
// projectRoot may be empty, in which case OAK_PROJECT_ROOT and finally the
// current working directory are used. The yaml file at
// <project>/.oak/ci/config.yaml is optional.
func Load(projectRoot string) (*Config, error) {
	if projectRoot == "" {
		projectRoot = os.Getenv("OAK_PROJECT_ROOT")
	}
	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving project root: %w", err)
		}
		projectRoot = wd
	}
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	k := koanf.New(".")

	configPath := filepath.Join(absRoot, filepath.FromSlash(OakDirName), "config.yaml")
	if info, err := os.Stat(configPath); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("%w: config file too large: %d bytes", ErrInvalidConfig, info.Size())
		}
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, configPath, err)
		}
	}

	// Environment overrides. OAK_EMBEDDING_MODEL -> embedding.model etc.
	// Split on the first underscore after the OAK_ prefix: section, then
	// field name with its underscores intact.
	if err := k.Load(env.Provider("OAK_", ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, "OAK_"))
		parts := strings.SplitN(trimmed, "_", 2)
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling config: %v", ErrInvalidConfig, err)
	}

	cfg.ProjectRoot = absRoot
	applyWellKnownEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyWellKnownEnv maps the documented environment variables that do not
// follow the OAK_<section>_<field> shape.
func applyWellKnownEnv(cfg *Config) {
	if v := os.Getenv("OAK_CI_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Daemon.Port = port
		}
	}
	if v := os.Getenv("OAK_CI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OAK_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("OAK_RELAY_TOKEN"); v != "" {
		cfg.Relay.RelayToken = Secret(v)
	}
	if v := os.Getenv("OAK_AGENT_TOKEN"); v != "" {
		cfg.Relay.AgentToken = Secret(v)
	}
}

// Save writes the configuration to <project>/.oak/ci/config.yaml.
//
// The daemon never mutates its live snapshot: callers of the config API are
// told a restart is required after Save.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OakDir(), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	tmp := cfg.ConfigFilePath() + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, cfg.ConfigFilePath()); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
