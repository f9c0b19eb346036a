// Package health periodically probes the registered models.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/registry"
)

const (
	DefaultSchedule     = "@every 30s"
	DefaultProbeTimeout = 5 * time.Second
)

// Status is the last probe outcome for one model version
type Status struct {
	Model     string    `json:"model"`
	Healthy   bool      `json:"healthy"`
	Probed    bool      `json:"probed"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Prober runs Ping against every model that supports it on a cron schedule.
// Models without a Ping method are reported healthy but unprobed.
type Prober struct {
	registry *registry.Registry
	timeout  time.Duration
	cron     *cron.Cron
	mu       sync.RWMutex
	statuses map[string]Status
	log      *logrus.Logger
}

// NewProber creates a prober; the schedule uses standard cron syntax or
// descriptors such as "@every 30s".
func NewProber(reg *registry.Registry, cfg domain.HealthConfig, logger *logrus.Logger) (*Prober, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	p := &Prober{
		registry: reg,
		timeout:  timeout,
		statuses: make(map[string]Status),
		log:      logger,
	}
	cl := cronLogger{log: logger}
	p.cron = cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	if _, err := p.cron.AddFunc(schedule, func() { p.ProbeAll(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid health schedule %q: %w", schedule, err)
	}
	return p, nil
}

// cronLogger routes scheduler messages through logrus. Skips and schedule
// bookkeeping are debug output, recovered panics are errors.
type cronLogger struct {
	log *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(cronFields(keysAndValues)).Debug("Health schedule: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(cronFields(keysAndValues)).Error("Health schedule: " + msg)
}

func cronFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// Start runs an initial probe and starts the schedule
func (p *Prober) Start() {
	go p.ProbeAll(context.Background())
	p.cron.Start()
}

// Stop stops the schedule and waits for a running probe to finish
func (p *Prober) Stop() {
	<-p.cron.Stop().Done()
}

// ProbeAll pings every model concurrently and records the outcomes.
func (p *Prober) ProbeAll(ctx context.Context) []Status {
	entries := p.registry.All()
	results := make([]Status, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		i, e := i, e
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.probe(ctx, e)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	for _, s := range results {
		prev, seen := p.statuses[s.Model]
		if !s.Healthy && (!seen || prev.Healthy) {
			p.log.WithFields(logrus.Fields{
				"model": s.Model,
				"error": s.Error,
			}).Warn("Model probe failed")
		} else if s.Healthy && seen && !prev.Healthy {
			p.log.WithField("model", s.Model).Info("Model recovered")
		}
		p.statuses[s.Model] = s
	}
	p.mu.Unlock()
	return results
}

func (p *Prober) probe(ctx context.Context, e registry.Entry) Status {
	status := Status{Model: e.Descriptor.Key(), Healthy: true}
	pinger, ok := e.Model.(domain.Pinger)
	if !ok {
		status.CheckedAt = time.Now().UTC()
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status.Probed = true
	if err := pinger.Ping(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
	}
	status.CheckedAt = time.Now().UTC()
	return status
}

// Statuses returns the latest probe results sorted by model
func (p *Prober) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Healthy reports whether every probed model answered its last probe
func (p *Prober) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
