package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConfigFromDomain converts the application database settings
func ConfigFromDomain(c domain.DatabaseConfig) Config {
	return Config{
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		Username:        c.Username,
		Password:        c.Password,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// URL returns the postgres:// connection URL with credentials escaped
func (c Config) URL() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

// DB wraps the sql.DB pool with health and logging helpers
type DB struct {
	*sql.DB
	log *logrus.Logger
}

// NewConnection creates a new database connection pool
func NewConnection(ctx context.Context, config Config, logger *logrus.Logger) (*DB, error) {
	pool, err := sql.Open("postgres", config.URL())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		pool.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		pool.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":           config.Host,
		"port":           config.Port,
		"database":       config.Database,
		"max_open_conns": config.MaxOpenConns,
	}).Info("Database connection pool established")

	return &DB{
		DB:  pool,
		log: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	err := db.DB.Close()
	db.log.Info("Database connection pool closed")
	return err
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
