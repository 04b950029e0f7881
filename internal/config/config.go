// Package config loads the oakd per-project configuration snapshot.
//
// The snapshot is immutable after load: changes written via the config API
// take effect on the next daemon restart. Precedence (highest to lowest):
//
//  1. Environment variables (OAK_CI_PORT, OAK_EMBEDDING_MODEL, ...)
//  2. <project>/.oak/ci/config.yaml
//  3. Hardcoded defaults
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// OakDirName is the per-project state directory, relative to the project root.
const OakDirName = ".oak/ci"

// ErrInvalidConfig indicates a fatal configuration error at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the merged daemon configuration snapshot.
type Config struct {
	ProjectRoot string `koanf:"project_root" yaml:"project_root"`

	Daemon        DaemonConfig        `koanf:"daemon" yaml:"daemon"`
	Indexing      IndexingConfig      `koanf:"indexing" yaml:"indexing"`
	Embedding     ProviderConfig      `koanf:"embedding" yaml:"embedding"`
	Summarization ProviderConfig      `koanf:"summarization" yaml:"summarization"`
	Session       SessionConfig       `koanf:"session" yaml:"session"`
	Retrieval     RetrievalConfig     `koanf:"retrieval" yaml:"retrieval"`
	Relay         RelayConfig         `koanf:"relay" yaml:"relay"`
	Logging       LoggingConfig       `koanf:"logging" yaml:"logging"`
}

// DaemonConfig controls the HTTP bind address.
type DaemonConfig struct {
	// Host defaults to loopback.
	Host string `koanf:"host" yaml:"host"`

	// Port 0 means a free port is discovered at bind time and written
	// to .oak/ci/daemon.port.
	Port int `koanf:"port" yaml:"port"`

	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// IndexingConfig controls the file exclusion policy and chunking limits.
type IndexingConfig struct {
	// ExcludePatterns are doublestar globs unioned with the project
	// .gitignore and the built-in exclusion set.
	ExcludePatterns []string `koanf:"exclude_patterns" yaml:"exclude_patterns"`

	// IncludeManagedPaths are globs indexed regardless of .gitignore
	// (e.g. ".claude/commands/**").
	IncludeManagedPaths []string `koanf:"include_managed_paths" yaml:"include_managed_paths"`

	// MaxFileSize is the largest file considered for indexing, in bytes.
	MaxFileSize int64 `koanf:"max_file_size" yaml:"max_file_size"`

	// SkipEmpty skips zero-byte files entirely: no chunks, no
	// files_indexed count. Defaults to true.
	SkipEmpty *bool `koanf:"skip_empty" yaml:"skip_empty"`
}

// SkipEmptyFiles resolves the SkipEmpty default.
func (c IndexingConfig) SkipEmptyFiles() bool {
	return c.SkipEmpty == nil || *c.SkipEmpty
}

// ProviderConfig describes an embedding or summarization provider endpoint.
type ProviderConfig struct {
	// Provider is one of: ollama, openai, lmstudio, fastembed.
	Provider string `koanf:"provider" yaml:"provider"`

	BaseURL string `koanf:"base_url" yaml:"base_url"`
	Model   string `koanf:"model" yaml:"model"`
	APIKey  Secret `koanf:"api_key" yaml:"api_key"`

	// Dimensions is discovered by probing the provider when 0.
	Dimensions int `koanf:"dimensions" yaml:"dimensions"`

	// ContextTokens is the provider's context window budget.
	ContextTokens int `koanf:"context_tokens" yaml:"context_tokens"`

	// CacheDir holds downloaded model files for in-process providers.
	// Defaults to <project>/.oak/ci/models.
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"`
}

// SessionConfig controls session lifecycle behaviour.
type SessionConfig struct {
	// StaleTimeout is how long a session may stay idle before the
	// stale-recovery sweep completes or deletes it.
	StaleTimeout Duration `koanf:"stale_timeout" yaml:"stale_timeout"`
}

// RetrievalConfig holds similarity thresholds for confidence tiers.
type RetrievalConfig struct {
	HighConfidenceThreshold   float32 `koanf:"high_confidence_threshold" yaml:"high_confidence_threshold"`
	MediumConfidenceThreshold float32 `koanf:"medium_confidence_threshold" yaml:"medium_confidence_threshold"`
}

// RelayConfig configures the optional outbound cloud relay connection.
type RelayConfig struct {
	// URL is the relay websocket endpoint. Empty disables the relay.
	URL        string `koanf:"url" yaml:"url"`
	RelayToken Secret `koanf:"relay_token" yaml:"relay_token"`
	AgentToken Secret `koanf:"agent_token" yaml:"agent_token"`
}

// LoggingConfig mirrors internal/logging.Config for the yaml surface.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Daemon.Host == "" {
		cfg.Daemon.Host = "127.0.0.1"
	}
	if cfg.Daemon.ShutdownTimeout == 0 {
		cfg.Daemon.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Indexing.MaxFileSize == 0 {
		cfg.Indexing.MaxFileSize = 1024 * 1024 // 1MB
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:11434"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.ContextTokens == 0 {
		cfg.Embedding.ContextTokens = 8192
	}
	if cfg.Embedding.CacheDir == "" {
		cfg.Embedding.CacheDir = filepath.Join(cfg.OakDir(), "models")
	}

	if cfg.Summarization.Provider == "" {
		cfg.Summarization.Provider = "ollama"
	}
	if cfg.Summarization.BaseURL == "" {
		cfg.Summarization.BaseURL = "http://localhost:11434"
	}
	if cfg.Summarization.Model == "" {
		cfg.Summarization.Model = "llama3.2"
	}
	if cfg.Summarization.ContextTokens == 0 {
		cfg.Summarization.ContextTokens = 8192
	}

	if cfg.Session.StaleTimeout == 0 {
		cfg.Session.StaleTimeout = Duration(3600 * time.Second)
	}

	if cfg.Retrieval.HighConfidenceThreshold == 0 {
		cfg.Retrieval.HighConfidenceThreshold = 0.75
	}
	if cfg.Retrieval.MediumConfidenceThreshold == 0 {
		cfg.Retrieval.MediumConfidenceThreshold = 0.55
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration. Failures are fatal at startup.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("%w: project root is required", ErrInvalidConfig)
	}
	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("%w: daemon port %d out of range", ErrInvalidConfig, c.Daemon.Port)
	}
	switch c.Embedding.Provider {
	case "ollama", "openai", "lmstudio", "fastembed":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Retrieval.HighConfidenceThreshold <= 0 || c.Retrieval.HighConfidenceThreshold > 1 {
		return fmt.Errorf("%w: high confidence threshold must be in (0,1]", ErrInvalidConfig)
	}
	if c.Retrieval.MediumConfidenceThreshold > c.Retrieval.HighConfidenceThreshold {
		return fmt.Errorf("%w: medium confidence threshold exceeds high", ErrInvalidConfig)
	}
	if c.Session.StaleTimeout.Duration() < time.Minute {
		return fmt.Errorf("%w: session stale timeout below 1m", ErrInvalidConfig)
	}
	return nil
}

// OakDir returns the per-project state directory.
func (c *Config) OakDir() string {
	return filepath.Join(c.ProjectRoot, filepath.FromSlash(OakDirName))
}

// ActivitiesDBPath is the relational store location.
func (c *Config) ActivitiesDBPath() string { return filepath.Join(c.OakDir(), "activities.db") }

// VectorDir is the embedded vector index location.
func (c *Config) VectorDir() string { return filepath.Join(c.OakDir(), "vector") }

// PIDFilePath holds the running daemon's pid.
func (c *Config) PIDFilePath() string { return filepath.Join(c.OakDir(), "daemon.pid") }

// PortFilePath holds the bound daemon port.
func (c *Config) PortFilePath() string { return filepath.Join(c.OakDir(), "daemon.port") }

// LogFilePath is the daemon log sink.
func (c *Config) LogFilePath() string { return filepath.Join(c.OakDir(), "daemon.log") }

// ConfigFilePath is the yaml config location.
func (c *Config) ConfigFilePath() string { return filepath.Join(c.OakDir(), "config.yaml") }
