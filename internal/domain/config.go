package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Pseudonym   PseudonymConfig `mapstructure:"pseudonym"`
	Inference   InferenceConfig `mapstructure:"inference"`
	Models      ModelsConfig    `mapstructure:"models"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Audit       AuditConfig     `mapstructure:"audit"`
	Health      HealthConfig    `mapstructure:"health"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
}

// AuthConfig holds the accepted API keys and the per-key request budget
type AuthConfig struct {
	APIKeys        []string `mapstructure:"api_keys"`
	RequestsPerSec float64  `mapstructure:"requests_per_sec"`
	Burst          int      `mapstructure:"burst"`
}

// PseudonymConfig configures patient pseudonym derivation
type PseudonymConfig struct {
	Secret     string `mapstructure:"secret"`
	LedgerSize int    `mapstructure:"ledger_size"`
}

// InferenceConfig tunes dispatch and aggregation
type InferenceConfig struct {
	Workers           int     `mapstructure:"workers"`
	AggregationPolicy string  `mapstructure:"aggregation_policy"`
	ConfidenceFloor   float64 `mapstructure:"confidence_floor"`
}

// ModelsConfig locates the model manifest
type ModelsConfig struct {
	ManifestPath   string        `mapstructure:"manifest_path"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AuditConfig selects the report sinks
type AuditConfig struct {
	Sinks       []string `mapstructure:"sinks"` // sqlite, postgres, redis, nats, stream
	SQLitePath  string   `mapstructure:"sqlite_path"`
	RedisURL    string   `mapstructure:"redis_url"`
	RedisStream string   `mapstructure:"redis_stream"`
	NATSURL     string   `mapstructure:"nats_url"`
	NATSSubject string   `mapstructure:"nats_subject"`
}

// HealthConfig schedules model probes
type HealthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Schedule     string        `mapstructure:"schedule"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// TelemetryConfig controls OpenTelemetry trace export
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
