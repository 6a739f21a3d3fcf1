package policy

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/botfleet/internal/domain"
)

func testBreakers(t *testing.T) *BreakerSet {
	t.Helper()
	return NewBreakerSet(BreakerSettings{
		FailureThreshold: 3,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 1,
	}, nil)
}

func failure(kind domain.ErrorKind, retries, max int) domain.FailureContext {
	return domain.FailureContext{
		JobID:      "job-1",
		RobotID:    "robot-1",
		NodeKind:   "http_request",
		Kind:       kind,
		Severity:   domain.SeverityMedium,
		RetryCount: retries,
		MaxRetries: max,
		Message:    "boom",
	}
}

func TestDecide_FirstMatchingRuleWins(t *testing.T) {
	rules := []Rule{
		{
			Name:       "skip-ui",
			ErrorKinds: []domain.ErrorKind{domain.ErrorKindUILocateFailure},
			Actions:    []Action{{Kind: ActionSkip}},
		},
		{
			Name:    "catch-all",
			Actions: []Action{{Kind: ActionAbort}},
		},
	}
	e := NewEngine(rules, testBreakers(t))

	d := e.Decide(context.Background(), failure(domain.ErrorKindUILocateFailure, 0, 5))
	assert.Equal(t, ActionSkip, d.Action.Kind)
	assert.Equal(t, "skip-ui", d.RuleName)

	d = e.Decide(context.Background(), failure(domain.ErrorKindPermanent, 0, 5))
	assert.Equal(t, ActionAbort, d.Action.Kind)
	assert.Equal(t, "catch-all", d.RuleName)
}

func TestDecide_RetryExhaustionFallsThrough(t *testing.T) {
	rules := []Rule{{
		Name: "retry-then-dlq",
		Actions: []Action{
			{Kind: ActionRetry, Delay: 10 * time.Second},
			{Kind: ActionEscalate, Message: "out of retries"},
		},
	}}
	e := NewEngine(rules, testBreakers(t))

	d := e.Decide(context.Background(), failure(domain.ErrorKindTransient, 1, 5))
	require.Equal(t, ActionRetry, d.Action.Kind)
	assert.Equal(t, 10*time.Second, d.Action.Delay)

	d = e.Decide(context.Background(), failure(domain.ErrorKindTransient, 5, 5))
	assert.Equal(t, ActionEscalate, d.Action.Kind)
	assert.False(t, d.BreakerOpen)
}

func TestDecide_OpenBreakerDeniesRetry(t *testing.T) {
	breakers := testBreakers(t)
	e := NewEngine(nil, breakers)
	fc := failure(domain.ErrorKindTransient, 0, 5)

	for i := 0; i < 3; i++ {
		e.RecordFailure(fc)
	}
	require.Equal(t, gobreaker.StateOpen, breakers.State(BreakerKey(fc)))

	d := e.Decide(context.Background(), fc)
	assert.True(t, d.BreakerOpen)
	assert.Equal(t, ActionEscalate, d.Action.Kind)
}

func TestDecide_BreakerRecoversAfterTimeout(t *testing.T) {
	breakers := testBreakers(t)
	e := NewEngine(nil, breakers)
	fc := failure(domain.ErrorKindTransient, 0, 5)

	for i := 0; i < 3; i++ {
		e.RecordFailure(fc)
	}
	require.Equal(t, gobreaker.StateOpen, breakers.State(BreakerKey(fc)))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, gobreaker.StateHalfOpen, breakers.State(BreakerKey(fc)))

	d := e.Decide(context.Background(), fc)
	assert.Equal(t, ActionRetry, d.Action.Kind)
	assert.False(t, d.BreakerOpen)

	e.RecordSuccess(fc.RobotID)
	assert.Equal(t, gobreaker.StateClosed, breakers.State(BreakerKey(fc)))
}

func TestDecide_MatchedRuleOwnsFailureClass(t *testing.T) {
	// When the matched rule's only action is an exhausted retry, evaluation
	// does not continue into later rules.
	rules := []Rule{
		{
			Name:       "retry-only",
			ErrorKinds: []domain.ErrorKind{domain.ErrorKindTransient},
			Actions:    []Action{{Kind: ActionRetry}},
		},
		{
			Name:    "catch-all",
			Actions: []Action{{Kind: ActionCompensate, CompensateNodes: []string{"n1"}}},
		},
	}
	e := NewEngine(rules, testBreakers(t))

	d := e.Decide(context.Background(), failure(domain.ErrorKindTransient, 5, 5))
	assert.Equal(t, "retry-only", d.RuleName)
	assert.Equal(t, ActionEscalate, d.Action.Kind)
}

func TestDecide_SeverityFloor(t *testing.T) {
	rules := []Rule{
		{
			Name:        "critical-abort",
			MinSeverity: domain.SeverityCritical,
			Actions:     []Action{{Kind: ActionAbort}},
		},
		{
			Name:    "rest-skip",
			Actions: []Action{{Kind: ActionSkip}},
		},
	}
	e := NewEngine(rules, testBreakers(t))

	fc := failure(domain.ErrorKindPermanent, 0, 5)
	fc.Severity = domain.SeverityCritical
	assert.Equal(t, ActionAbort, e.Decide(context.Background(), fc).Action.Kind)

	fc.Severity = domain.SeverityLow
	assert.Equal(t, ActionSkip, e.Decide(context.Background(), fc).Action.Kind)
}

func TestDefaultRules_ValidationAborts(t *testing.T) {
	e := NewEngine(nil, testBreakers(t))

	d := e.Decide(context.Background(), failure(domain.ErrorKindValidation, 0, 5))
	assert.Equal(t, ActionAbort, d.Action.Kind)
	assert.Equal(t, "abort-validation", d.RuleName)
}

func TestBreakerKey_ScopesPerRobotAndKind(t *testing.T) {
	a := failure(domain.ErrorKindTransient, 0, 5)
	b := a
	b.RobotID = "robot-2"
	c := a
	c.NodeKind = "excel_write"

	assert.NotEqual(t, BreakerKey(a), BreakerKey(b))
	assert.NotEqual(t, BreakerKey(a), BreakerKey(c))
	assert.Equal(t, BreakerKey(a), BreakerKey(failure(domain.ErrorKindTimeout, 3, 5)))
}
