// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file >
// defaults. Files parse as YAML or JSON by extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/opsplane/internal/controlplane/concurrency"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Database DSN: a sqlite path, postgres:// or mysql:// URL.
	DBDSN string `json:"db_dsn,omitempty" yaml:"db_dsn"`
	// Data directory used when DBDSN is empty (default "/var/lib/opsplane")
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// AMQP broker URL. Empty disables build dispatch.
	BrokerURL string `json:"broker_url,omitempty" yaml:"broker_url"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty" yaml:"tls_cert"`
	TLSKey  string `json:"tls_key,omitempty" yaml:"tls_key"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit"`

	// Concurrency caps and queueing strategy.
	Concurrency concurrency.Config `json:"concurrency,omitempty" yaml:"concurrency"`

	// Approval interlock tuning.
	Approval ApprovalConfig `json:"approval,omitempty" yaml:"approval"`

	// Runner pool tuning.
	Runners RunnerConfig `json:"runners,omitempty" yaml:"runners"`

	// Static host inventory served to the targeting resolver.
	Hosts []jobs.Host `json:"hosts,omitempty" yaml:"hosts"`

	// OTLP trace endpoint (gRPC). Empty disables tracing export.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint"`
}

// RateLimitConfig configures per-actor rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// ApprovalConfig tunes the interlock.
type ApprovalConfig struct {
	// Pending requests expire after this many seconds (0 = never).
	TimeoutSecs int `json:"timeout_secs" yaml:"timeout_secs"`
	// Jobs touching more targets than this need approval.
	TargetThreshold int `json:"target_threshold" yaml:"target_threshold"`
	// Sweep interval for expiring overdue requests.
	SweepSecs int `json:"sweep_secs" yaml:"sweep_secs"`
}

// RunnerConfig tunes the runner pool.
type RunnerConfig struct {
	// Expected heartbeat interval; three missed intervals mark a runner
	// offline.
	HeartbeatSecs int `json:"heartbeat_secs" yaml:"heartbeat_secs"`
}

// Default returns configuration with sensible defaults, runnable with no
// config file.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/opsplane",
		LogLevel:   "info",
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
		Concurrency: concurrency.DefaultConfig(),
		Approval: ApprovalConfig{
			TimeoutSecs:     3600,
			TargetThreshold: 10,
			SweepSecs:       30,
		},
		Runners: RunnerConfig{
			HeartbeatSecs: 30,
		},
	}
}

// DSN returns the database DSN, falling back to a sqlite file under the
// data directory.
func (c Config) DSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return filepath.Join(c.DataDir, "opsplane.db")
}

// ApprovalTimeout returns the configured expiry as a duration.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSecs) * time.Second
}

// HeartbeatInterval returns the runner heartbeat interval as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Runners.HeartbeatSecs) * time.Second
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("OPSPLANE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OPSPLANE_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("OPSPLANE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OPSPLANE_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("OPSPLANE_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("OPSPLANE_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("OPSPLANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPSPLANE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("OPSPLANE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file as JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
