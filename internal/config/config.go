package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/vita-cdss/cdss-core/internal/audit"
	"github.com/vita-cdss/cdss-core/internal/database"
	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager. An empty configFile
// searches the default locations for an optional config.yaml.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cdss/")
	}

	v.SetEnvPrefix("CDSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// an explicit file must exist; the search path is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if m.configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "45s")
	v.SetDefault("server.max_upload_bytes", 512<<20)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")

	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.requests_per_sec", 5.0)
	v.SetDefault("auth.burst", 10)

	v.SetDefault("pseudonym.secret", "")
	v.SetDefault("pseudonym.ledger_size", 100000)

	v.SetDefault("inference.workers", 4)
	v.SetDefault("inference.aggregation_policy", "any-positive")
	v.SetDefault("inference.confidence_floor", 0.0)

	v.SetDefault("models.manifest_path", "config/models.toml")
	v.SetDefault("models.default_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "cdss")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("audit.sinks", []string{"sqlite"})
	v.SetDefault("audit.sqlite_path", "data/reports.db")
	v.SetDefault("audit.redis_url", "")
	v.SetDefault("audit.redis_stream", "cdss:reports")
	v.SetDefault("audit.nats_url", "")
	v.SetDefault("audit.nats_subject", "cdss.reports")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.schedule", "@every 30s")
	v.SetDefault("health.probe_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "cdss-core")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.TLSEnabled && (config.Server.CertFile == "" || config.Server.KeyFile == "") {
		return fmt.Errorf("TLS requires cert_file and key_file")
	}
	if config.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server max_upload_bytes must be positive")
	}

	if config.Pseudonym.Secret == "" {
		return fmt.Errorf("pseudonym secret is required")
	}
	if m.IsProduction() {
		if len(config.Pseudonym.Secret) < 32 {
			return fmt.Errorf("pseudonym secret must be at least 32 characters in production")
		}
		if len(config.Auth.APIKeys) == 0 {
			return fmt.Errorf("at least one API key is required in production")
		}
	}
	if config.Auth.RequestsPerSec < 0 || config.Auth.Burst < 0 {
		return fmt.Errorf("auth rate limits must not be negative")
	}

	if config.Inference.Workers < 1 {
		return fmt.Errorf("inference workers must be at least 1, got %d", config.Inference.Workers)
	}
	switch config.Inference.AggregationPolicy {
	case "any-positive", "all-positive":
	default:
		return fmt.Errorf("invalid aggregation policy: %s", config.Inference.AggregationPolicy)
	}
	if config.Inference.ConfidenceFloor < 0 || config.Inference.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence floor must be within [0,1], got %g", config.Inference.ConfidenceFloor)
	}

	if config.Models.ManifestPath == "" {
		return fmt.Errorf("model manifest path is required")
	}
	if config.Models.DefaultTimeout <= 0 {
		return fmt.Errorf("model default timeout must be positive")
	}

	if err := m.validateAudit(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}
	switch strings.ToLower(config.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}

	if config.Telemetry.Enabled {
		if config.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
		if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

func (m *Manager) validateAudit() error {
	cfg := m.config.Audit
	for _, sink := range cfg.Sinks {
		switch sink {
		case audit.SinkSQLite:
			if cfg.SQLitePath == "" {
				return fmt.Errorf("audit sink sqlite requires sqlite_path")
			}
		case audit.SinkPostgres:
			db := m.config.Database
			if db.Host == "" || db.Database == "" || db.Username == "" {
				return fmt.Errorf("audit sink postgres requires database host, name and username")
			}
		case audit.SinkRedis:
			if cfg.RedisURL == "" {
				return fmt.Errorf("audit sink redis requires redis_url")
			}
		case audit.SinkNATS:
			if cfg.NATSURL == "" {
				return fmt.Errorf("audit sink nats requires nats_url")
			}
		case audit.SinkStream:
		default:
			return fmt.Errorf("unknown audit sink: %s", sink)
		}
	}
	return nil
}

// GetDatabaseConnectionString returns a postgres:// URL usable by both the
// driver and the migration runner
func (m *Manager) GetDatabaseConnectionString() string {
	return database.ConfigFromDomain(m.config.Database).URL()
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
