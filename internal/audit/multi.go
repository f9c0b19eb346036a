package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Sink names accepted in audit.sinks
const (
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNATS     = "nats"
	SinkStream   = "stream"
)

type namedSink struct {
	name string
	sink domain.ReportSink
}

// MultiSink writes each report to every configured sink.
type MultiSink struct {
	mu     sync.RWMutex
	sinks  []namedSink
	logger *logrus.Logger
}

// NewMultiSink creates an empty fan-out sink
func NewMultiSink(logger *logrus.Logger) *MultiSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MultiSink{logger: logger}
}

// Add registers a sink under name
func (m *MultiSink) Add(name string, sink domain.ReportSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
}

// Names returns the registered sink names in order
func (m *MultiSink) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.name
	}
	return names
}

// Write attempts every sink. A failing sink does not stop the others; the
// returned error joins all failures.
func (m *MultiSink) Write(ctx context.Context, report *domain.CaseReport) error {
	m.mu.RLock()
	sinks := append([]namedSink(nil), m.sinks...)
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.sink.Write(ctx, report); err != nil {
			m.logger.WithFields(logrus.Fields{
				"sink":      s.name,
				"report_id": report.ReportID,
				"error":     err.Error(),
			}).Warn("Report sink write failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m *MultiSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	m.sinks = nil
	return errors.Join(errs...)
}

// Open builds the sinks named in cfg. The stream sink is owned by the HTTP
// layer and is skipped here; the caller adds it with Add.
func Open(cfg domain.AuditConfig, databaseURL string, logger *logrus.Logger) (*MultiSink, error) {
	multi := NewMultiSink(logger)
	for _, name := range cfg.Sinks {
		var (
			sink domain.ReportSink
			err  error
		)
		switch name {
		case SinkSQLite:
			path := cfg.SQLitePath
			if path == "" {
				path = filepath.Join("data", "reports.db")
			}
			sink, err = NewSQLiteStore(path)
		case SinkPostgres:
			sink, err = NewPostgresStoreFromURL(databaseURL)
		case SinkRedis:
			sink, err = NewRedisStreamSink(cfg.RedisURL, cfg.RedisStream)
		case SinkNATS:
			sink, err = NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		case SinkStream:
			continue
		default:
			err = fmt.Errorf("unknown sink %q", name)
		}
		if err != nil {
			_ = multi.Close()
			return nil, fmt.Errorf("audit sink %s: %w", name, err)
		}
		multi.Add(name, sink)
		multi.logger.WithField("sink", name).Info("Report sink enabled")
	}
	return multi, nil
}
