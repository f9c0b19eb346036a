package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/registry"
)

const (
	defaultWorkers = 4

	instrumentationName = "github.com/vita-cdss/cdss-core/internal/service"

	reasonDeadline       = "deadline"
	reasonCancelled      = "cancelled"
	reasonPreprocessing  = "preprocessing"
	reasonModel          = "model"
	reasonOutputContract = "output_contract"
	reasonPanic          = "panic"
)

var errModelPanic = errors.New("model panicked")

// Orchestrator fans a study out to model versions and collects one terminal
// result per distinct version. Slot state lives inside a single Dispatch call.
type Orchestrator struct {
	preprocessor *Preprocessor
	workers      int
	logger       *logrus.Logger
	tracer       trace.Tracer
}

// NewOrchestrator creates an orchestrator running at most workers dispatches at once.
func NewOrchestrator(preprocessor *Preprocessor, workers int, logger *logrus.Logger) *Orchestrator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		preprocessor: preprocessor,
		workers:      workers,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
	}
}

// WithTracerProvider traces dispatches through tp instead of the global provider.
func (o *Orchestrator) WithTracerProvider(tp trace.TracerProvider) *Orchestrator {
	if tp != nil {
		o.tracer = tp.Tracer(instrumentationName)
	}
	return o
}

// Dispatch runs every distinct model version against the study and returns
// when all slots are terminal. Results are in dispatch order. Each slot is
// bounded by its descriptor timeout; cancelling ctx ends all outstanding slots.
func (o *Orchestrator) Dispatch(ctx context.Context, study *domain.Study, models []registry.Entry) []domain.InferenceResult {
	slots := distinct(models)
	results := make([]domain.InferenceResult, len(slots))

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, entry := range slots {
		i, entry := i, entry
		results[i] = newSlot(entry.Descriptor)
		g.Go(func() error {
			results[i] = o.run(ctx, study, entry, results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func distinct(models []registry.Entry) []registry.Entry {
	seen := make(map[string]bool, len(models))
	out := make([]registry.Entry, 0, len(models))
	for _, m := range models {
		key := m.Descriptor.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func newSlot(desc domain.ModelDescriptor) domain.InferenceResult {
	positive := desc.Output.PositiveLabels
	if len(positive) == 0 {
		positive = desc.Output.Labels
	}
	return domain.InferenceResult{
		ModelID:           desc.ID,
		ModelVersion:      desc.Version,
		Status:            domain.SlotPending,
		DecisionThreshold: desc.Output.DecisionThreshold,
		PositiveLabels:    append([]string(nil), positive...),
	}
}

func (o *Orchestrator) run(ctx context.Context, study *domain.Study, entry registry.Entry, res domain.InferenceResult) domain.InferenceResult {
	desc := entry.Descriptor
	ctx, span := o.tracer.Start(ctx, "inference.dispatch", trace.WithAttributes(
		attribute.String("model.id", desc.ID),
		attribute.String("model.version", desc.Version),
	))
	defer span.End()

	res.Status = domain.SlotRunning
	res.StartedAt = time.Now().UTC()

	slotCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()
	out, err := o.invoke(slotCtx, study, entry)

	res.CompletedAt = time.Now().UTC()
	res.DurationMS = res.CompletedAt.Sub(res.StartedAt).Milliseconds()

	switch {
	case err == nil:
		scores, verr := checkOutput(desc.Output, out)
		if verr != nil {
			fail(&res, domain.SlotModelError, domain.ErrCodeModelError, reasonOutputContract, verr)
			break
		}
		res.Status = domain.SlotSucceeded
		res.RawScores = scores
		res.RawConfidence = out.Confidence
		res.CalibratedConfidence = desc.Output.Calibration.Apply(out.Confidence)
	case ctx.Err() != nil:
		fail(&res, domain.SlotTimedOut, domain.ErrCodeTimedOut, reasonCancelled, fmt.Errorf("dispatch cancelled: %w", ctx.Err()))
	case slotCtx.Err() != nil:
		fail(&res, domain.SlotTimedOut, domain.ErrCodeTimedOut, reasonDeadline, fmt.Errorf("model exceeded timeout of %s", desc.Timeout))
	default:
		code, reason := classify(err)
		fail(&res, domain.SlotModelError, code, reason, err)
	}

	fields := logrus.Fields{
		"model":       desc.Key(),
		"status":      res.Status,
		"duration_ms": res.DurationMS,
	}
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	span.SetAttributes(attribute.String("slot.status", string(res.Status)))
	if res.Error != nil {
		fields["code"] = res.Error.Code
		fields["reason"] = res.Error.Reason
		o.logger.WithFields(fields).Warn("Inference slot failed")
		span.SetStatus(codes.Error, res.Error.Code)
		return res
	}
	o.logger.WithFields(fields).Info("Inference slot succeeded")
	return res
}

type outcome struct {
	out *domain.ModelOutput
	err error
}

// invoke preprocesses and calls the model in its own goroutine so a model
// that ignores ctx cannot hold the slot past its deadline.
func (o *Orchestrator) invoke(ctx context.Context, study *domain.Study, entry registry.Entry) (*domain.ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", errModelPanic, r)}
			}
		}()
		tensor, err := o.preprocessor.Preprocess(study, entry.Descriptor.Input)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		out, err := entry.Model.Infer(ctx, tensor)
		done <- outcome{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case oc := <-done:
		return oc.out, oc.err
	}
}

func classify(err error) (string, string) {
	switch code := domain.ErrorCode(err); code {
	case domain.ErrCodeContractMismatch, domain.ErrCodeInsufficientData:
		return code, reasonPreprocessing
	}
	if errors.Is(err, errModelPanic) {
		return domain.ErrCodeModelError, reasonPanic
	}
	return domain.ErrCodeModelError, reasonModel
}

func fail(res *domain.InferenceResult, status domain.SlotStatus, code, reason string, err error) {
	res.Status = status
	res.Error = &domain.SlotError{
		Code:    code,
		Message: err.Error(),
		Reason:  reason,
	}
}

// checkOutput validates a model output against the declared output contract
// and returns the scores in declared label order.
func checkOutput(contract domain.OutputContract, out *domain.ModelOutput) ([]domain.LabelScore, error) {
	if out == nil {
		return nil, fmt.Errorf("model returned no output")
	}
	if math.IsNaN(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", out.Confidence)
	}
	if len(out.Scores) != len(contract.Labels) {
		return nil, fmt.Errorf("model returned %d scores for %d declared labels", len(out.Scores), len(contract.Labels))
	}

	scores := make([]domain.LabelScore, 0, len(contract.Labels))
	for _, label := range contract.Labels {
		v, ok := out.Scores[label]
		if !ok {
			return nil, fmt.Errorf("no score for declared label %q", label)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("score for %q is not finite", label)
		}
		if contract.Kind == domain.OutputLabels && (v < 0 || v > 1) {
			return nil, fmt.Errorf("score %v for %q outside [0,1]", v, label)
		}
		scores = append(scores, domain.LabelScore{Label: label, Score: v})
	}
	return scores, nil
}
