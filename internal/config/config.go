// Package config handles loading and validating deepread configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults for run configuration.
const (
	DefaultModel           = "xiaomi/mimo-v2-flash:free"
	DefaultMaxTurns        = 15
	DefaultTruncationLimit = 2000
	DefaultMaxDepth        = 3
	DefaultExecTimeoutS    = 120
	DefaultReadyTimeoutS   = 30
)

// Config is the root configuration for deepread.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.deepread/data. Override: DEEPREAD_DATA_DIR.
	LLM           LLMConfig             `json:"llm" yaml:"llm"`
	Agent         AgentConfig           `json:"agent" yaml:"agent"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Recursion     RecursionConfig       `json:"recursion" yaml:"recursion"`
	Server        *ServerConfig         `json:"server,omitempty" yaml:"server,omitempty"`               // nil = serve mode defaults
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LLMConfig configures the chat completion endpoint.
type LLMConfig struct {
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: OPENROUTER_API_KEY.
	Model       string  `json:"model" yaml:"model"`                         // Default: DefaultModel.
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// AgentConfig configures the turn loop.
type AgentConfig struct {
	MaxTurns        int    `json:"max_turns" yaml:"max_turns"`               // Default: 15.
	TruncationLimit int    `json:"truncation_limit" yaml:"truncation_limit"` // Default: 2000.
	ContextType     string `json:"context_type,omitempty" yaml:"context_type,omitempty"`
}

// SandboxConfig configures the execution backend.
type SandboxConfig struct {
	Backend         string `json:"backend" yaml:"backend"` // "process" (default), "docker", "remote", or "inprocess".
	ExecTimeoutS    int    `json:"exec_timeout_s" yaml:"exec_timeout_s"`   // Default: 120.
	ReadyTimeoutS   int    `json:"ready_timeout_s" yaml:"ready_timeout_s"` // Default: 30.
	DockerImage     string `json:"docker_image,omitempty" yaml:"docker_image,omitempty"`
	RemoteURL       string `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	RemoteAPIKey    string `json:"remote_api_key,omitempty" yaml:"remote_api_key,omitempty"` // Override: DEEPREAD_SANDBOX_API_KEY.
}

// ExecTimeout returns the per-execution timeout.
func (s *SandboxConfig) ExecTimeout() time.Duration {
	if s.ExecTimeoutS <= 0 {
		return DefaultExecTimeoutS * time.Second
	}
	return time.Duration(s.ExecTimeoutS) * time.Second
}

// ReadyTimeout returns the startup handshake window.
func (s *SandboxConfig) ReadyTimeout() time.Duration {
	if s.ReadyTimeoutS <= 0 {
		return DefaultReadyTimeoutS * time.Second
	}
	return time.Duration(s.ReadyTimeoutS) * time.Second
}

// BackendName returns the configured backend, defaulting to "process".
func (s *SandboxConfig) BackendName() string {
	if s.Backend == "" {
		return "process"
	}
	return s.Backend
}

// RecursionConfig bounds nested sub-queries.
type RecursionConfig struct {
	MaxDepth        int `json:"max_depth" yaml:"max_depth"`                 // Default: 3.
	QueryTimeoutS   int `json:"query_timeout_s" yaml:"query_timeout_s"`    // Default: 120.
}

// QueryTimeout returns the per-sub-query timeout.
func (r *RecursionConfig) QueryTimeout() time.Duration {
	if r.QueryTimeoutS <= 0 {
		return DefaultExecTimeoutS * time.Second
	}
	return time.Duration(r.QueryTimeoutS) * time.Second
}

// EffectiveMaxDepth returns the configured depth, defaulting to 3.
func (r *RecursionConfig) EffectiveMaxDepth() int {
	if r.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return r.MaxDepth
}

// ServerConfig configures the sandbox HTTP server (serve mode).
type ServerConfig struct {
	Addr            string `json:"addr" yaml:"addr"`                           // Default: ":8080".
	APIKey          string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: DEEPREAD_SERVER_API_KEY. Empty disables auth.
	DataPath        string `json:"data_path,omitempty" yaml:"data_path,omitempty"`
	RateLimit       int    `json:"rate_limit" yaml:"rate_limit"`             // Requests/min per client. Default: 60. 0 disables.
	MaxRequestBytes int64  `json:"max_request_bytes" yaml:"max_request_bytes"` // Default: 1 MB.
	ReindexSchedule string `json:"reindex_schedule,omitempty" yaml:"reindex_schedule,omitempty"` // Cron expression; empty disables periodic reindexing.
}

// EffectiveAddr returns the listen address, defaulting to ":8080".
func (s *ServerConfig) EffectiveAddr() string {
	if s == nil || s.Addr == "" {
		return ":8080"
	}
	return s.Addr
}

// EffectiveRateLimit returns requests/min per client, defaulting to 60.
func (s *ServerConfig) EffectiveRateLimit() int {
	if s == nil || s.RateLimit == 0 {
		return 60
	}
	if s.RateLimit < 0 {
		return 0
	}
	return s.RateLimit
}

// EffectiveMaxRequestBytes returns the request body cap, defaulting to 1 MB.
func (s *ServerConfig) EffectiveMaxRequestBytes() int64 {
	if s == nil || s.MaxRequestBytes <= 0 {
		return 1 << 20
	}
	return s.MaxRequestBytes
}

// StorageConfig configures the run transcript store.
// When nil, defaults to SQLite with the database path derived from DataDir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: DEEPREAD_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m == nil || m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "deepread".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, host:port.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // Default: 1.0.
}

// Default returns a Config with all defaults applied and environment
// overrides taken, without reading any file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvAndDefaults()
	return cfg
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/deepread.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".deepread", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvAndDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvAndDefaults applies environment overrides, then fills defaults.
func (c *Config) applyEnvAndDefaults() {
	c.LLM.APIKey = goutils.Env("OPENROUTER_API_KEY", c.LLM.APIKey)
	c.LLM.Model = goutils.Env("DEEPREAD_MODEL", c.LLM.Model)
	c.LLM.BaseURL = goutils.Env("DEEPREAD_BASE_URL", c.LLM.BaseURL)
	c.DataDir = goutils.Env("DEEPREAD_DATA_DIR", c.DataDir)
	c.Sandbox.RemoteAPIKey = goutils.Env("DEEPREAD_SANDBOX_API_KEY", c.Sandbox.RemoteAPIKey)

	if c.Server != nil {
		c.Server.APIKey = goutils.Env("DEEPREAD_SERVER_API_KEY", c.Server.APIKey)
	}
	if envDSN := os.Getenv("DEEPREAD_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}

	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = DefaultMaxTurns
	}
	if c.Agent.TruncationLimit <= 0 {
		c.Agent.TruncationLimit = DefaultTruncationLimit
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".deepread", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "deepread.db")
}

func (c *Config) validate() error {
	switch c.Sandbox.BackendName() {
	case "process", "docker", "remote", "inprocess":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use process, docker, remote, or inprocess)", c.Sandbox.Backend)
	}
	if c.Sandbox.BackendName() == "remote" && c.Sandbox.RemoteURL == "" {
		return fmt.Errorf("sandbox.remote_url is required for the remote backend")
	}
	if c.Sandbox.BackendName() == "docker" && c.Sandbox.DockerImage == "" {
		return fmt.Errorf("sandbox.docker_image is required for the docker backend")
	}
	if c.Sandbox.ExecTimeoutS < 0 {
		return fmt.Errorf("sandbox.exec_timeout_s must not be negative")
	}
	if c.Recursion.MaxDepth < 0 {
		return fmt.Errorf("recursion.max_depth must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	return nil
}
