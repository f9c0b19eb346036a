package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Aggregation policies
const (
	PolicyAnyPositive = "any-positive"
	PolicyAllPositive = "all-positive"
)

// Composer folds per-model results into a case report.
type Composer struct {
	policy          string
	confidenceFloor float64
}

// NewComposer creates a composer for the named aggregation policy. An empty
// policy selects any-positive.
func NewComposer(policy string, confidenceFloor float64) (*Composer, error) {
	switch policy {
	case "":
		policy = PolicyAnyPositive
	case PolicyAnyPositive, PolicyAllPositive:
	default:
		return nil, fmt.Errorf("unknown aggregation policy %q", policy)
	}
	if confidenceFloor < 0 || confidenceFloor > 1 {
		return nil, fmt.Errorf("confidence floor %v outside [0,1]", confidenceFloor)
	}
	return &Composer{policy: policy, confidenceFloor: confidenceFloor}, nil
}

// Policy returns the aggregation policy name stamped on reports
func (c *Composer) Policy() string {
	return c.policy
}

// Compose builds the report. Only succeeded results contribute findings and
// the overall flag; every result is kept as provenance.
func (c *Composer) Compose(study *domain.Study, meta *domain.NormalizedMetadata, results []domain.InferenceResult) *domain.CaseReport {
	report := &domain.CaseReport{
		ReportID:          uuid.NewString(),
		Results:           make([]domain.InferenceResult, len(results)),
		Findings:          []domain.Finding{},
		Complete:          true,
		AggregationPolicy: c.policy,
		GeneratedAt:       time.Now().UTC(),
	}
	if study != nil {
		report.StudyInstanceUID = study.StudyInstanceUID
		report.Modalities = study.Modalities()
	}
	if meta != nil {
		report.PseudonymousID = meta.PseudonymousID
		if report.StudyInstanceUID == "" {
			report.StudyInstanceUID = meta.StudyInstanceUID
		}
	}

	succeeded, positive := 0, 0
	for i, res := range results {
		res.RawScores = append([]domain.LabelScore(nil), res.RawScores...)
		res.PositiveLabels = append([]string(nil), res.PositiveLabels...)
		if res.Error != nil {
			slotErr := *res.Error
			res.Error = &slotErr
		}
		res.Positive = false

		if res.Status != domain.SlotSucceeded {
			report.Complete = false
			report.Results[i] = res
			continue
		}
		succeeded++

		findings := c.findings(res)
		if len(findings) > 0 {
			res.Positive = true
			positive++
			report.Findings = append(report.Findings, findings...)
		}
		report.Results[i] = res
	}

	switch c.policy {
	case PolicyAllPositive:
		report.OverallFlag = succeeded > 0 && positive == succeeded
	default:
		report.OverallFlag = positive > 0
	}
	return report
}

// findings returns the positive labels of one succeeded result that clear the
// model's decision threshold, provided its calibrated confidence clears the floor.
func (c *Composer) findings(res domain.InferenceResult) []domain.Finding {
	if res.CalibratedConfidence < c.confidenceFloor {
		return nil
	}
	positive := make(map[string]bool, len(res.PositiveLabels))
	for _, l := range res.PositiveLabels {
		positive[l] = true
	}

	var out []domain.Finding
	for _, s := range res.RawScores {
		if !positive[s.Label] || s.Score < res.DecisionThreshold {
			continue
		}
		out = append(out, domain.Finding{
			ModelID:      res.ModelID,
			ModelVersion: res.ModelVersion,
			Label:        s.Label,
			Score:        s.Score,
			Confidence:   res.CalibratedConfidence,
		})
	}
	return out
}
