package domain

import (
	"math/rand/v2"
	"time"
)

// DefaultBackoffSchedule is the retry delay ladder used when no schedule is
// configured.
var DefaultBackoffSchedule = []time.Duration{
	10 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// BackoffDelay returns the delay before retry attempt k (zero-based), reading
// the schedule at min(k, len-1) and applying +/-20% jitter so synchronized
// failures do not retry in lockstep. The result never drops below one second.
func BackoffDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	if attempt < 0 {
		attempt = 0
	}
	idx := attempt
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}

	jitter := 0.8 + 0.4*rand.Float64()
	delay := time.Duration(float64(schedule[idx]) * jitter)
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}
