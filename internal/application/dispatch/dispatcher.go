// Package dispatch moves claimable jobs from the durable queue onto robots.
// The dispatcher claims a batch under its own identity, picks a target per
// job with the configured balancing policy, and hands each job off. A job
// whose handoff fails is released back to the queue immediately.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rezkam/botfleet/internal/domain"
)

// Queue is the subset of queue operations the dispatcher needs.
type Queue interface {
	// Claim atomically claims up to limit visible pending jobs for the given
	// claimant, highest priority first.
	Claim(ctx context.Context, claimantID string, limit int) ([]*domain.Job, error)
	// HandOff reassigns a job claimed by fromID to the target robot.
	HandOff(ctx context.Context, jobID, fromID, robotID string) error
	// Release returns a claimed job to pending, visible after the delay.
	Release(ctx context.Context, jobID string, delay time.Duration) error
}

// Registry is the subset of robot registry operations the dispatcher needs.
type Registry interface {
	ListDispatchable(ctx context.Context) ([]*domain.Robot, error)
	IncrementLoad(ctx context.Context, robotID string) error
	DecrementLoad(ctx context.Context, robotID string) error
}

// Metrics receives dispatch outcome counts. The nop default keeps tests and
// tools free of a metrics registry.
type Metrics interface {
	JobDispatched(robotID string)
	HandoffFailed(robotID string)
}

type nopMetrics struct{}

func (nopMetrics) JobDispatched(string) {}
func (nopMetrics) HandoffFailed(string) {}

// Config controls the dispatcher loop.
type Config struct {
	// ClaimantID is the synthetic identity the dispatcher claims under.
	ClaimantID string
	Interval   time.Duration
	BatchSize  int
	Policy     string
}

func (c *Config) applyDefaults() {
	if c.ClaimantID == "" {
		c.ClaimantID = "dispatcher"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Policy == "" {
		c.Policy = PolicyLeastLoaded
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Dispatched      int64
	HandoffFailures int64
	Released        int64
	LastRunAt       time.Time
	LastBatchSize   int
	Policy          string
}

// Dispatcher runs the claim/pick/handoff cycle.
type Dispatcher struct {
	queue    Queue
	registry Registry
	picker   Picker
	cfg      Config
	logger   *slog.Logger
	sink     domain.EventSink
	metrics  Metrics

	runMu sync.Mutex // serializes cycles; Run and RunOnce never overlap

	statMu sync.Mutex
	stats  Stats
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithEventSink sets the sink for job.dispatched events.
func WithEventSink(sink domain.EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithMetrics sets the dispatch metrics receiver.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a dispatcher. The balancing policy name must be valid.
func New(queue Queue, registry Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	cfg.applyDefaults()
	picker, err := ForPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		queue:    queue,
		registry: registry,
		picker:   picker,
		cfg:      cfg,
		logger:   slog.Default(),
		sink:     domain.NopEventSink{},
		metrics:  nopMetrics{},
	}
	d.stats.Policy = cfg.Policy
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run executes dispatch cycles on the configured interval until the context
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.InfoContext(ctx, "dispatcher started",
		"interval", d.cfg.Interval, "batch_size", d.cfg.BatchSize, "policy", d.cfg.Policy)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.ErrorContext(ctx, "dispatch cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single dispatch cycle and returns the number of jobs
// handed off. Concurrent calls serialize.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	robots, err := d.registry.ListDispatchable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list dispatchable robots: %w", err)
	}

	capacity := 0
	for _, r := range robots {
		capacity += r.MaxConcurrentJobs - r.CurrentJobCount
	}
	if capacity <= 0 {
		d.recordRun(0)
		return 0, nil
	}

	limit := min(capacity, d.cfg.BatchSize)
	jobs, err := d.queue.Claim(ctx, d.cfg.ClaimantID, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(jobs) == 0 {
		d.recordRun(0)
		return 0, nil
	}

	sort.Slice(robots, func(i, j int) bool { return robots[i].ID < robots[j].ID })

	dispatched := 0
	for _, job := range jobs {
		if err := d.dispatchOne(ctx, job, robots); err != nil {
			d.logger.WarnContext(ctx, "job not dispatched, released back to queue",
				"job_id", job.ID, "error", err)
			continue
		}
		dispatched++
	}

	d.recordRun(len(jobs))
	d.addDispatched(int64(dispatched))
	return dispatched, nil
}

// dispatchOne assigns one claimed job to a robot, updating the local capacity
// view so later jobs in the batch see the new load. Any path that cannot
// place the job releases it with zero delay.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *domain.Job, robots []*domain.Robot) error {
	excluded := make(map[string]bool)

	for {
		candidates := make([]*domain.Robot, 0, len(robots))
		for _, r := range robots {
			if !excluded[r.ID] && r.CurrentJobCount < r.MaxConcurrentJobs {
				candidates = append(candidates, r)
			}
		}
		target := d.picker.Pick(job, candidates)
		if target == nil {
			d.release(ctx, job.ID)
			return fmt.Errorf("no robot available")
		}

		if err := d.registry.IncrementLoad(ctx, target.ID); err != nil {
			// The registry row moved under us; take this robot out of the
			// running and pick again.
			d.logger.DebugContext(ctx, "robot rejected load increment",
				"robot_id", target.ID, "error", err)
			excluded[target.ID] = true
			continue
		}

		if err := d.queue.HandOff(ctx, job.ID, d.cfg.ClaimantID, target.ID); err != nil {
			if decErr := d.registry.DecrementLoad(ctx, target.ID); decErr != nil {
				d.logger.ErrorContext(ctx, "failed to roll back load increment",
					"robot_id", target.ID, "error", decErr)
			}
			d.release(ctx, job.ID)
			d.addHandoffFailure()
			d.metrics.HandoffFailed(target.ID)
			return fmt.Errorf("handoff to robot %s failed: %w", target.ID, err)
		}

		target.CurrentJobCount++
		d.metrics.JobDispatched(target.ID)
		d.sink.Publish(domain.Event{
			Type:    domain.EventJobDispatched,
			At:      time.Now().UTC(),
			JobID:   job.ID,
			RobotID: target.ID,
		})
		d.logger.InfoContext(ctx, "job dispatched",
			"job_id", job.ID, "robot_id", target.ID, "priority", job.Priority, "policy", d.picker.Name())
		return nil
	}
}

func (d *Dispatcher) release(ctx context.Context, jobID string) {
	if err := d.queue.Release(ctx, jobID, 0); err != nil {
		d.logger.ErrorContext(ctx, "failed to release undispatched job",
			"job_id", jobID, "error", err)
		return
	}
	d.statMu.Lock()
	d.stats.Released++
	d.statMu.Unlock()
}

func (d *Dispatcher) recordRun(batch int) {
	d.statMu.Lock()
	defer d.statMu.Unlock()
	d.stats.LastRunAt = time.Now().UTC()
	d.stats.LastBatchSize = batch
}

func (d *Dispatcher) addDispatched(n int64) {
	d.statMu.Lock()
	defer d.statMu.Unlock()
	d.stats.Dispatched += n
}

func (d *Dispatcher) addHandoffFailure() {
	d.statMu.Lock()
	defer d.statMu.Unlock()
	d.stats.HandoffFailures++
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.statMu.Lock()
	defer d.statMu.Unlock()
	return d.stats
}
