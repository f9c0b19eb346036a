package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

const defaultStreamMaxLen = 10000

// RedisStreamSink appends reports to a Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to redisURL and verifies the connection.
func NewRedisStreamSink(redisURL, stream string) (*RedisStreamSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStreamSinkFromClient(client, stream), nil
}

// NewRedisStreamSinkFromClient wraps an existing client
func NewRedisStreamSinkFromClient(client *redis.Client, stream string) *RedisStreamSink {
	if stream == "" {
		stream = "cdss:reports"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

// Write appends one entry to the stream. The stream is trimmed approximately
// to its maximum length.
func (s *RedisStreamSink) Write(ctx context.Context, report *domain.CaseReport) error {
	rec, err := NewRecord(report)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"report_id":       rec.ReportID,
			"pseudonymous_id": rec.PseudonymousID,
			"overall_flag":    rec.OverallFlag,
			"complete":        rec.Complete,
			"report":          string(rec.Report),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append report to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the client
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
