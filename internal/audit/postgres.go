package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/lib/pq"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. The case_reports table is created
// by the database migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a connection pool and wraps it.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

const postgresColumns = `id, report_id, request_id, study_instance_uid, pseudonymous_id,
	modalities, overall_flag, complete, aggregation_policy,
	model_count, succeeded_count, report, generated_at`

// Write stores the report. Writing the same report id twice keeps the first copy.
func (s *PostgresStore) Write(ctx context.Context, report *domain.CaseReport) error {
	rec, err := NewRecord(report)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO case_reports (
			report_id, request_id, study_instance_uid, pseudonymous_id,
			modalities, overall_flag, complete, aggregation_policy,
			model_count, succeeded_count, report, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (report_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ReportID,
		rec.RequestID,
		rec.StudyInstanceUID,
		rec.PseudonymousID,
		pq.Array(rec.Modalities),
		rec.OverallFlag,
		rec.Complete,
		rec.AggregationPolicy,
		rec.ModelCount,
		rec.SucceededCount,
		string(rec.Report),
		rec.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func scanPostgresRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var report []byte
	err := s.Scan(
		&rec.ID, &rec.ReportID, &rec.RequestID, &rec.StudyInstanceUID, &rec.PseudonymousID,
		pq.Array(&rec.Modalities), &rec.OverallFlag, &rec.Complete, &rec.AggregationPolicy,
		&rec.ModelCount, &rec.SucceededCount, &report, &rec.GeneratedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Report = report
	return rec, nil
}

// Get retrieves one report by id
func (s *PostgresStore) Get(ctx context.Context, reportID string) (*Record, error) {
	query := "SELECT " + postgresColumns + " FROM case_reports WHERE report_id = $1 LIMIT 1"

	rec, err := scanPostgresRecord(s.db.QueryRowContext(ctx, query, reportID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return rec, nil
}

// List returns stored reports newest first
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	query := "SELECT " + postgresColumns + " FROM case_reports ORDER BY generated_at DESC, id DESC LIMIT $1 OFFSET $2"

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}

	return result, rows.Err()
}

// Count returns the number of stored reports
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM case_reports").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reports: %w", err)
	}
	return count, nil
}

// ExportJSON writes every stored report to writer
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
