package domain

import (
	"context"
)

// Model is the boundary to an inference backend. Implementations may block; the
// orchestrator bounds every call by the slot deadline.
type Model interface {
	Infer(ctx context.Context, tensor *Tensor) (*ModelOutput, error)
}

// Pinger is implemented by models that can report their own availability
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReportSink receives completed case reports. The core writes to sinks but
// does not own what they store.
type ReportSink interface {
	Write(ctx context.Context, report *CaseReport) error
	Close() error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetDatabaseConfig() *DatabaseConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
