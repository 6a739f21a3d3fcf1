package policy

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rezkam/botfleet/internal/domain"
)

// BreakerSettings configure the circuit breakers guarding retries.
type BreakerSettings struct {
	// FailureThreshold is the consecutive failure count that opens a breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive success count in half-open state
	// that closes the breaker again.
	SuccessThreshold int
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	return s
}

// BreakerKey derives the breaker identity for a failure. Failures are grouped
// per robot and node kind so one flaky integration on one robot does not
// block retries everywhere else.
func BreakerKey(fc domain.FailureContext) string {
	if fc.NodeKind != "" {
		return "robot:" + fc.RobotID + "|kind:" + fc.NodeKind
	}
	return "robot:" + fc.RobotID
}

// BreakerSet lazily creates one circuit breaker per key and records job
// outcomes against it.
type BreakerSet struct {
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet returns an empty breaker set with the given thresholds.
func NewBreakerSet(settings BreakerSettings, logger *slog.Logger) *BreakerSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		settings: settings.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *BreakerSet) breaker(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cfg := s.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	s.breakers[key] = cb
	return cb
}

// Allow reports whether retries guarded by the key may proceed.
func (s *BreakerSet) Allow(key string) bool {
	return s.breaker(key).State() != gobreaker.StateOpen
}

// RecordFailure counts one failed execution against the key's breaker.
func (s *BreakerSet) RecordFailure(key string, cause error) {
	_, _ = s.breaker(key).Execute(func() (any, error) { return nil, cause })
}

// RecordSuccess counts one successful execution against the key's breaker.
func (s *BreakerSet) RecordSuccess(key string) {
	_, _ = s.breaker(key).Execute(func() (any, error) { return nil, nil })
}

// RecordRobotSuccess records a success on every breaker scoped to the robot.
// Completions report only the robot, not the node that previously failed, so
// all of its half-open breakers get the probe credit.
func (s *BreakerSet) RecordRobotSuccess(robotID string) {
	prefix := "robot:" + robotID
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for key := range s.breakers {
		if key == prefix || strings.HasPrefix(key, prefix+"|") {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.RecordSuccess(key)
	}
}

// State returns the breaker state for a key, creating the breaker if needed.
func (s *BreakerSet) State(key string) gobreaker.State {
	return s.breaker(key).State()
}
