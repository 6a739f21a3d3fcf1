// Package orchestrator is the facade over the durable queue, robot registry,
// dispatcher, recovery manager, schedule engine, and recovery policy engine.
// External callers, the HTTP layer included, go through this package; the
// background loops are owned and supervised here.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/botfleet/internal/application/dispatch"
	"github.com/rezkam/botfleet/internal/application/policy"
	"github.com/rezkam/botfleet/internal/application/recovery"
	"github.com/rezkam/botfleet/internal/application/scheduler"
	"github.com/rezkam/botfleet/internal/domain"
)

// Stores bundles the persistence surfaces the facade runs on.
type Stores struct {
	Queue       Queue
	Robots      Robots
	Checkpoints Checkpoints
	Schedules   Schedules
	DeadLetters DeadLetters
	Escalations Escalations
	// Leases serializes the schedule tick across replicas; nil disables
	// leasing.
	Leases scheduler.Leaser
}

// Config controls the facade and its background loops.
type Config struct {
	// ClaimantID is the synthetic queue identity of this orchestrator
	// instance.
	ClaimantID string

	MaxRetries          int
	Backoff             []time.Duration
	DefaultRequeueDelay time.Duration
	DLQEnabled          bool
	// DepthSoftLimit triggers a backpressure event when the visible queue
	// depth crosses it. Submissions are never rejected on depth.
	DepthSoftLimit int

	HeartbeatTimeout time.Duration

	Dispatch  dispatch.Config
	Recovery  recovery.Config
	Scheduler scheduler.Config
	Breakers  policy.BreakerSettings
	Rules     []policy.Rule
}

func (c *Config) applyDefaults() {
	if c.ClaimantID == "" {
		c.ClaimantID = "orchestrator"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if len(c.Backoff) == 0 {
		c.Backoff = domain.DefaultBackoffSchedule
	}
	if c.DefaultRequeueDelay <= 0 {
		c.DefaultRequeueDelay = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.Dispatch.ClaimantID == "" {
		c.Dispatch.ClaimantID = c.ClaimantID
	}
	if c.Recovery.ClaimantID == "" {
		c.Recovery.ClaimantID = c.ClaimantID
	}
	if c.Recovery.RequeueDelay <= 0 {
		c.Recovery.RequeueDelay = c.DefaultRequeueDelay
	}
	if len(c.Recovery.Backoff) == 0 {
		c.Recovery.Backoff = c.Backoff
	}
}

// Orchestrator coordinates job intake, dispatch, recovery, and scheduling.
type Orchestrator struct {
	cfg    Config
	stores Stores
	logger *slog.Logger
	sink   domain.EventSink

	policies   *policy.Engine
	dispatcher *dispatch.Dispatcher
	recoverer  *recovery.Manager
	schedules  *scheduler.Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures the orchestrator.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	sink             domain.EventSink
	dispatchMetrics  dispatch.Metrics
	recoveryMetrics  recovery.Metrics
	schedulerMetrics scheduler.Metrics
}

// WithLogger sets the logger shared by the facade and its loops.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventSink sets the sink facade events are published to.
func WithEventSink(sink domain.EventSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithDispatchMetrics wires dispatch counters.
func WithDispatchMetrics(m dispatch.Metrics) Option {
	return func(o *options) { o.dispatchMetrics = m }
}

// WithRecoveryMetrics wires recovery counters.
func WithRecoveryMetrics(m recovery.Metrics) Option {
	return func(o *options) { o.recoveryMetrics = m }
}

// WithSchedulerMetrics wires schedule engine counters.
func WithSchedulerMetrics(m scheduler.Metrics) Option {
	return func(o *options) { o.schedulerMetrics = m }
}

// New builds the facade and its background components without starting them.
func New(stores Stores, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg.applyDefaults()

	o := &options{
		logger: slog.Default(),
		sink:   domain.NopEventSink{},
	}
	for _, opt := range opts {
		opt(o)
	}

	orc := &Orchestrator{
		cfg:    cfg,
		stores: stores,
		logger: o.logger,
		sink:   o.sink,
	}

	breakers := policy.NewBreakerSet(cfg.Breakers, o.logger)
	orc.policies = policy.NewEngine(cfg.Rules, breakers, policy.WithLogger(o.logger))

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(o.logger),
		dispatch.WithEventSink(o.sink),
	}
	if o.dispatchMetrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithMetrics(o.dispatchMetrics))
	}
	d, err := dispatch.New(stores.Queue, stores.Robots, cfg.Dispatch, dispatchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}
	orc.dispatcher = d

	recoveryOpts := []recovery.Option{
		recovery.WithLogger(o.logger),
		recovery.WithEventSink(o.sink),
	}
	if o.recoveryMetrics != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithMetrics(o.recoveryMetrics))
	}
	orc.recoverer = recovery.New(stores.Queue, stores.Robots, stores.Checkpoints, stores.Escalations, cfg.Recovery, recoveryOpts...)

	schedulerOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithEventSink(o.sink),
	}
	if stores.Leases != nil {
		schedulerOpts = append(schedulerOpts, scheduler.WithLeaser(stores.Leases))
	}
	if o.schedulerMetrics != nil {
		schedulerOpts = append(schedulerOpts, scheduler.WithMetrics(o.schedulerMetrics))
	}
	orc.schedules = scheduler.New(stores.Schedules, orc, cfg.Scheduler, schedulerOpts...)

	return orc, nil
}

// Start launches the dispatcher, recovery, and schedule loops. It returns an
// error when already started.
func (orc *Orchestrator) Start(ctx context.Context) error {
	orc.mu.Lock()
	defer orc.mu.Unlock()
	if orc.started {
		return fmt.Errorf("orchestrator already started")
	}
	orc.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	orc.cancel = cancel

	orc.wg.Add(3)
	go func() {
		defer orc.wg.Done()
		orc.dispatcher.Run(runCtx)
	}()
	go func() {
		defer orc.wg.Done()
		orc.recoverer.Run(runCtx)
	}()
	go func() {
		defer orc.wg.Done()
		orc.schedules.Run(runCtx)
	}()

	orc.logger.InfoContext(ctx, "orchestrator started", "claimant_id", orc.cfg.ClaimantID)
	return nil
}

// Stop cancels the background loops and waits for them to drain.
func (orc *Orchestrator) Stop() {
	orc.mu.Lock()
	defer orc.mu.Unlock()
	if !orc.started {
		return
	}
	orc.cancel()
	orc.wg.Wait()
	orc.started = false
	orc.logger.Info("orchestrator stopped")
}

// DispatchNow runs one dispatch cycle outside the timer, for tests and
// administrative nudges.
func (orc *Orchestrator) DispatchNow(ctx context.Context) (int, error) {
	return orc.dispatcher.RunOnce(ctx)
}

// DispatcherStats reports dispatcher counters.
func (orc *Orchestrator) DispatcherStats() dispatch.Stats {
	return orc.dispatcher.Stats()
}

// QueueStats reports the queue shape plus the dead letter count.
func (orc *Orchestrator) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats, err := orc.stores.Queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	dlq, err := orc.stores.DeadLetters.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	stats.DeadLetters = dlq
	return stats, nil
}

func (orc *Orchestrator) publish(eventType domain.EventType, jobID, robotID, detail string) {
	orc.sink.Publish(domain.Event{
		Type:    eventType,
		At:      time.Now().UTC(),
		JobID:   jobID,
		RobotID: robotID,
		Detail:  detail,
	})
}
