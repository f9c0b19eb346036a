package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

func sampleReport() *domain.CaseReport {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	return &domain.CaseReport{
		ReportID:         uuid.NewString(),
		RequestID:        "req-1",
		StudyInstanceUID: "1.2.3",
		PseudonymousID:   "anon-0123456789abcdef0123456789abcdef",
		Modalities:       []string{"CT"},
		Results: []domain.InferenceResult{
			{
				ModelID:              "lung-ct",
				ModelVersion:         "1.0.0",
				Status:               domain.SlotSucceeded,
				RawScores:            []domain.LabelScore{{Label: "nodule", Score: 0.8}},
				CalibratedConfidence: 0.9,
				Positive:             true,
				StartedAt:            now,
				CompletedAt:          now.Add(time.Second),
			},
			{
				ModelID:      "chest-ct",
				ModelVersion: "2.0.0",
				Status:       domain.SlotTimedOut,
				Error:        &domain.SlotError{Code: domain.ErrCodeTimedOut, Message: "model exceeded timeout of 2s", Reason: "deadline"},
			},
		},
		Findings:          []domain.Finding{{ModelID: "lung-ct", ModelVersion: "1.0.0", Label: "nodule", Score: 0.8, Confidence: 0.9}},
		OverallFlag:       true,
		Complete:          false,
		AggregationPolicy: "any-positive",
		GeneratedAt:       now,
	}
}

type recordingSink struct {
	reports []*domain.CaseReport
	err     error
	closed  bool
}

func (s *recordingSink) Write(_ context.Context, report *domain.CaseReport) error {
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, report)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

var errSinkDown = errors.New("sink down")
