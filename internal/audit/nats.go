package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// NATSSink publishes each report on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to natsURL.
func NewNATSSink(natsURL, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = "cdss.reports"
	}
	conn, err := nats.Connect(natsURL,
		nats.Name("cdss-core"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Write publishes the report and, when ctx carries a deadline, waits for the
// server to acknowledge the flush.
func (s *NATSSink) Write(ctx context.Context, report *domain.CaseReport) error {
	rec, err := NewRecord(report)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, rec.Report); err != nil {
		return fmt.Errorf("failed to publish report on %s: %w", s.subject, err)
	}
	if _, ok := ctx.Deadline(); ok {
		if err := s.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("failed to flush report on %s: %w", s.subject, err)
		}
	}
	return nil
}

// Close drains and closes the connection
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
