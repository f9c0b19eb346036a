package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/registry"
	"github.com/vita-cdss/cdss-core/pkg/dicom"
)

const sinkTimeout = 5 * time.Second

// AnalysisRequest is one container to analyze. Models optionally restricts the
// run to explicit "id" or "id@version" references.
type AnalysisRequest struct {
	Data   []byte
	Models []string
}

// AnalysisService runs the whole pipeline for one request: load, normalize,
// select models, dispatch, compose and publish.
type AnalysisService struct {
	loader       *dicom.Loader
	normalizer   *Normalizer
	registry     *registry.Registry
	orchestrator *Orchestrator
	composer     *Composer
	sink         domain.ReportSink
	logger       *logrus.Logger
}

// NewAnalysisService wires the pipeline stages. sink may be nil.
func NewAnalysisService(
	loader *dicom.Loader,
	normalizer *Normalizer,
	reg *registry.Registry,
	orchestrator *Orchestrator,
	composer *Composer,
	sink domain.ReportSink,
	logger *logrus.Logger,
) *AnalysisService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AnalysisService{
		loader:       loader,
		normalizer:   normalizer,
		registry:     reg,
		orchestrator: orchestrator,
		composer:     composer,
		sink:         sink,
		logger:       logger,
	}
}

// Registry returns the model registry the service dispatches against
func (s *AnalysisService) Registry() *registry.Registry {
	return s.registry
}

// Analyze returns a case report, or an error when the request fails before
// any model is dispatched. Per-model failures are recorded in the report.
func (s *AnalysisService) Analyze(ctx context.Context, req AnalysisRequest) (*domain.CaseReport, error) {
	log := s.logger.WithField("request_id", RequestID(ctx))

	study, err := s.loader.Load(req.Data)
	if err != nil {
		log.WithField("code", domain.ErrorCode(err)).Warn("Failed to load study")
		return nil, err
	}

	meta, err := s.normalize(study)
	if err != nil {
		log.WithField("code", domain.ErrorCode(err)).Warn("Failed to normalize study")
		return nil, err
	}
	study.Scrub(IdentifyingFields)

	models, err := s.selectModels(study, req.Models)
	if err != nil {
		log.WithField("code", domain.ErrorCode(err)).Warn("Failed to select models")
		return nil, err
	}

	results := s.orchestrator.Dispatch(ctx, study, models)
	report := s.composer.Compose(study, meta, results)
	report.RequestID = RequestID(ctx)

	log.WithFields(logrus.Fields{
		"report_id": report.ReportID,
		"models":    len(report.Results),
		"succeeded": report.SucceededCount(),
		"complete":  report.Complete,
		"flag":      report.OverallFlag,
	}).Info("Case report composed")

	s.publish(ctx, report)
	return report, nil
}

// normalize validates every instance and checks that they share one patient.
// The first instance's metadata describes the study.
func (s *AnalysisService) normalize(study *domain.Study) (*domain.NormalizedMetadata, error) {
	var first *domain.NormalizedMetadata
	for _, inst := range study.Instances() {
		meta, err := s.normalizer.Normalize(inst.Metadata)
		if err != nil {
			return nil, err
		}
		inst.Normalized = meta
		if first == nil {
			first = meta
			continue
		}
		if meta.PseudonymousID != first.PseudonymousID {
			return nil, domain.NewError(domain.ErrCodeMalformedContainer, "instances belong to different patients")
		}
	}
	if first == nil {
		return nil, domain.NewError(domain.ErrCodeMalformedContainer, "study has no instances")
	}
	return first, nil
}

func (s *AnalysisService) selectModels(study *domain.Study, refs []string) ([]registry.Entry, error) {
	if len(refs) > 0 {
		out := make([]registry.Entry, 0, len(refs))
		for _, ref := range refs {
			e, err := s.registry.Resolve(ref)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}

	seen := make(map[string]bool)
	var out []registry.Entry
	for _, modality := range study.Modalities() {
		for _, e := range s.registry.Applicable(modality) {
			if seen[e.Descriptor.Key()] {
				continue
			}
			seen[e.Descriptor.Key()] = true
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrCodeNoApplicableModels, "no registered model accepts the study",
			fmt.Errorf("modalities %v", study.Modalities()))
	}
	return out, nil
}

// publish hands the report to the sink. Failures are logged only.
func (s *AnalysisService) publish(ctx context.Context, report *domain.CaseReport) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := s.sink.Write(ctx, report); err != nil {
		s.logger.WithFields(logrus.Fields{
			"report_id": report.ReportID,
			"error":     err.Error(),
		}).Error("Failed to publish case report")
	}
}
