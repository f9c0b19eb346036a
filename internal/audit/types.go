// Package audit persists and publishes case reports. Stores keep a queryable
// summary row next to the full pseudonymized report; publishers forward the
// report to a stream or subject for downstream consumers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Record is one stored case report.
type Record struct {
	ID                int64           `json:"id,omitempty"`
	ReportID          string          `json:"report_id"`
	RequestID         string          `json:"request_id,omitempty"`
	StudyInstanceUID  string          `json:"study_instance_uid"`
	PseudonymousID    string          `json:"pseudonymous_id"`
	Modalities        []string        `json:"modalities"`
	OverallFlag       bool            `json:"overall_flag"`
	Complete          bool            `json:"complete"`
	AggregationPolicy string          `json:"aggregation_policy"`
	ModelCount        int             `json:"model_count"`
	SucceededCount    int             `json:"succeeded_count"`
	GeneratedAt       time.Time       `json:"generated_at"`
	Report            json.RawMessage `json:"report"`
}

// NewRecord summarizes a report for storage
func NewRecord(report *domain.CaseReport) (*Record, error) {
	if report == nil {
		return nil, fmt.Errorf("report is required")
	}
	if report.ReportID == "" {
		return nil, fmt.Errorf("report id is required")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return &Record{
		ReportID:          report.ReportID,
		RequestID:         report.RequestID,
		StudyInstanceUID:  report.StudyInstanceUID,
		PseudonymousID:    report.PseudonymousID,
		Modalities:        append([]string(nil), report.Modalities...),
		OverallFlag:       report.OverallFlag,
		Complete:          report.Complete,
		AggregationPolicy: report.AggregationPolicy,
		ModelCount:        len(report.Results),
		SucceededCount:    report.SucceededCount(),
		GeneratedAt:       report.GeneratedAt.UTC(),
		Report:            data,
	}, nil
}

// CaseReport decodes the stored report
func (r *Record) CaseReport() (*domain.CaseReport, error) {
	var report domain.CaseReport
	if err := json.Unmarshal(r.Report, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", r.ReportID, err)
	}
	return &report, nil
}

// Store is a report sink that can be queried afterwards.
type Store interface {
	domain.ReportSink

	// Get returns the record for reportID, or nil when none exists.
	Get(ctx context.Context, reportID string) (*Record, error)

	// List returns records newest first.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// ExportJSON writes every record to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error
}

// Export is the JSON export format
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Records    []*Record `json:"records"`
}

// maxExportLimit is the maximum number of records exported at once.
const maxExportLimit = 1000000

func exportJSON(ctx context.Context, store Store, writer io.Writer) error {
	all, err := store.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}

	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Records:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
