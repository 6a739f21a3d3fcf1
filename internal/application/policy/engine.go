// Package policy decides how the orchestrator reacts to reported job
// failures. Rules are evaluated top to bottom; the first rule matching the
// failure supplies an ordered action list, and the first admissible action
// wins. Retries are guarded by per-robot circuit breakers.
package policy

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rezkam/botfleet/internal/domain"
)

// Rule matches a class of failures and lists the actions to attempt, in
// order. Empty match fields match everything.
type Rule struct {
	Name string

	NodeKinds   []string
	ErrorKinds  []domain.ErrorKind
	MinSeverity domain.Severity

	Actions []Action
}

var severityRank = map[domain.Severity]int{
	domain.SeverityLow:      0,
	domain.SeverityMedium:   1,
	domain.SeverityHigh:     2,
	domain.SeverityCritical: 3,
}

func (r Rule) matches(fc domain.FailureContext) bool {
	if len(r.NodeKinds) > 0 && !slices.Contains(r.NodeKinds, fc.NodeKind) {
		return false
	}
	if len(r.ErrorKinds) > 0 && !slices.Contains(r.ErrorKinds, fc.Kind) {
		return false
	}
	if r.MinSeverity != "" && severityRank[fc.Severity] < severityRank[r.MinSeverity] {
		return false
	}
	return true
}

// Engine evaluates failure contexts against the configured rules.
type Engine struct {
	rules    []Rule
	breakers *BreakerSet
	logger   *slog.Logger
	fallback Action
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithFallbackAction overrides the action used when every configured action
// was inadmissible.
func WithFallbackAction(a Action) Option {
	return func(e *Engine) { e.fallback = a }
}

// NewEngine builds a policy engine over the given rules and breaker set.
func NewEngine(rules []Rule, breakers *BreakerSet, opts ...Option) *Engine {
	e := &Engine{
		rules:    rules,
		breakers: breakers,
		logger:   slog.Default(),
		fallback: Action{
			Kind:    ActionEscalate,
			Message: "no admissible recovery action",
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultRules are applied when no rules are configured: transient classes
// retry, everything else escalates for a human decision.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "retry-transient",
			ErrorKinds: []domain.ErrorKind{
				domain.ErrorKindTransient,
				domain.ErrorKindTimeout,
				domain.ErrorKindExternalUnavailable,
			},
			Actions: []Action{
				{Kind: ActionRetry},
				{Kind: ActionEscalate, Message: "retries exhausted"},
			},
		},
		{
			Name:       "abort-validation",
			ErrorKinds: []domain.ErrorKind{domain.ErrorKindValidation},
			Actions:    []Action{{Kind: ActionAbort}},
		},
		{
			Name:    "escalate-rest",
			Actions: []Action{{Kind: ActionEscalate, Message: "unclassified failure"}},
		},
	}
}

// Decide evaluates the failure and returns the action to take. A configured
// retry is denied when the job's retry budget is spent or when the failure's
// circuit breaker is open; denial falls through to the rule's next action.
func (e *Engine) Decide(ctx context.Context, fc domain.FailureContext) Decision {
	rules := e.rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	for _, rule := range rules {
		if !rule.matches(fc) {
			continue
		}
		decision, ok := e.admit(ctx, rule, fc)
		if ok {
			return decision
		}
		// Every action in the matched rule was denied; later rules do not
		// apply, the rule owns this failure class.
		decision.Action = e.fallback
		decision.RuleName = rule.Name
		return decision
	}

	return Decision{Action: e.fallback}
}

func (e *Engine) admit(ctx context.Context, rule Rule, fc domain.FailureContext) (Decision, bool) {
	d := Decision{RuleName: rule.Name}
	for _, action := range rule.Actions {
		if action.Kind != ActionRetry {
			d.Action = action
			return d, true
		}
		if fc.RetryCount >= fc.MaxRetries {
			e.logger.DebugContext(ctx, "retry denied, budget spent",
				"job_id", fc.JobID, "retry_count", fc.RetryCount, "max_retries", fc.MaxRetries)
			continue
		}
		key := BreakerKey(fc)
		if !e.breakers.Allow(key) {
			d.BreakerOpen = true
			e.logger.WarnContext(ctx, "retry denied, circuit breaker open",
				"job_id", fc.JobID, "breaker", key, "rule", rule.Name)
			continue
		}
		d.Action = action
		return d, true
	}
	return d, false
}

// RecordFailure feeds the failure into its circuit breaker.
func (e *Engine) RecordFailure(fc domain.FailureContext) {
	e.breakers.RecordFailure(BreakerKey(fc), errFailureReported)
}

// RecordSuccess credits a successful completion on the robot's breakers.
func (e *Engine) RecordSuccess(robotID string) {
	e.breakers.RecordRobotSuccess(robotID)
}

type reportedFailure struct{}

func (reportedFailure) Error() string { return "robot reported failure" }

var errFailureReported error = reportedFailure{}
