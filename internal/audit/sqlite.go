package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens the database file, creating it and its schema if needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers run alongside the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS case_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id TEXT NOT NULL UNIQUE,
		request_id TEXT DEFAULT '',
		study_instance_uid TEXT NOT NULL,
		pseudonymous_id TEXT NOT NULL,
		modalities TEXT DEFAULT '',
		overall_flag INTEGER NOT NULL DEFAULT 0,
		complete INTEGER NOT NULL DEFAULT 0,
		aggregation_policy TEXT NOT NULL,
		model_count INTEGER NOT NULL DEFAULT 0,
		succeeded_count INTEGER NOT NULL DEFAULT 0,
		report TEXT NOT NULL,
		generated_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_case_reports_pseudonym ON case_reports(pseudonymous_id);
	CREATE INDEX IF NOT EXISTS idx_case_reports_generated_at ON case_reports(generated_at);
	`

	_, err := db.Exec(schema)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var modalities, report string
	err := s.Scan(
		&rec.ID, &rec.ReportID, &rec.RequestID, &rec.StudyInstanceUID, &rec.PseudonymousID,
		&modalities, &rec.OverallFlag, &rec.Complete, &rec.AggregationPolicy,
		&rec.ModelCount, &rec.SucceededCount, &report, &rec.GeneratedAt,
	)
	if err != nil {
		return nil, err
	}
	if modalities != "" {
		rec.Modalities = strings.Split(modalities, ",")
	}
	rec.Report = []byte(report)
	return rec, nil
}

const sqliteColumns = `id, report_id, request_id, study_instance_uid, pseudonymous_id,
	modalities, overall_flag, complete, aggregation_policy,
	model_count, succeeded_count, report, generated_at`

// Write stores the report. Writing the same report id twice keeps the first copy.
func (s *SQLiteStore) Write(ctx context.Context, report *domain.CaseReport) error {
	rec, err := NewRecord(report)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO case_reports (
			report_id, request_id, study_instance_uid, pseudonymous_id,
			modalities, overall_flag, complete, aggregation_policy,
			model_count, succeeded_count, report, generated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_id) DO NOTHING
	`,
		rec.ReportID,
		rec.RequestID,
		rec.StudyInstanceUID,
		rec.PseudonymousID,
		strings.Join(rec.Modalities, ","),
		rec.OverallFlag,
		rec.Complete,
		rec.AggregationPolicy,
		rec.ModelCount,
		rec.SucceededCount,
		string(rec.Report),
		rec.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// Get retrieves one report by id
func (s *SQLiteStore) Get(ctx context.Context, reportID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteColumns+" FROM case_reports WHERE report_id = ? LIMIT 1", reportID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return rec, nil
}

// List returns stored reports newest first
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteColumns+" FROM case_reports ORDER BY generated_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Count returns the number of stored reports
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM case_reports").Scan(&count)
	return count, err
}

// ExportJSON writes every stored report to writer
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
