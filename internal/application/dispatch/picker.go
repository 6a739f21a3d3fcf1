package dispatch

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/rezkam/botfleet/internal/domain"
)

// Balancing policy names accepted in configuration.
const (
	PolicyLeastLoaded = "least_loaded"
	PolicyRoundRobin  = "round_robin"
	PolicyRandom      = "random"
	PolicyAffinity    = "affinity"
)

// Picker selects the target robot for one job. Candidates are already
// filtered to dispatchable robots with spare capacity and sorted by ID, so
// deterministic pickers break ties on the lowest robot ID.
type Picker interface {
	Name() string
	Pick(job *domain.Job, candidates []*domain.Robot) *domain.Robot
}

// ForPolicy returns the picker for a configured policy name.
func ForPolicy(policy string) (Picker, error) {
	switch policy {
	case PolicyLeastLoaded:
		return &LeastLoadedPicker{}, nil
	case PolicyRoundRobin:
		return &RoundRobinPicker{}, nil
	case PolicyRandom:
		return &RandomPicker{}, nil
	case PolicyAffinity:
		return &AffinityPicker{}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing policy %q", policy)
	}
}

// LeastLoadedPicker selects the robot with the lowest load fraction.
type LeastLoadedPicker struct{}

func (p *LeastLoadedPicker) Name() string { return PolicyLeastLoaded }

func (p *LeastLoadedPicker) Pick(_ *domain.Job, candidates []*domain.Robot) *domain.Robot {
	var best *domain.Robot
	for _, r := range candidates {
		if best == nil || r.LoadFraction() < best.LoadFraction() {
			best = r
		}
	}
	return best
}

// RoundRobinPicker cycles through candidates across calls.
type RoundRobinPicker struct {
	mu     sync.Mutex
	cursor int
}

func (p *RoundRobinPicker) Name() string { return PolicyRoundRobin }

func (p *RoundRobinPicker) Pick(_ *domain.Job, candidates []*domain.Robot) *domain.Robot {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := candidates[p.cursor%len(candidates)]
	p.cursor++
	return r
}

// RandomPicker selects a uniformly random candidate.
type RandomPicker struct{}

func (p *RandomPicker) Name() string { return PolicyRandom }

func (p *RandomPicker) Pick(_ *domain.Job, candidates []*domain.Robot) *domain.Robot {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

// AffinityPicker prefers robots matching the job's affinity key, by robot ID,
// affinity key, or tag. Jobs without a key, or with no matching robot, fall
// back to least-loaded.
type AffinityPicker struct {
	fallback LeastLoadedPicker
}

func (p *AffinityPicker) Name() string { return PolicyAffinity }

func (p *AffinityPicker) Pick(job *domain.Job, candidates []*domain.Robot) *domain.Robot {
	if job.AffinityKey != "" {
		var matched []*domain.Robot
		for _, r := range candidates {
			if r.ID == job.AffinityKey || r.AffinityKey == job.AffinityKey ||
				slices.Contains(r.Tags, job.AffinityKey) {
				matched = append(matched, r)
			}
		}
		if len(matched) > 0 {
			return p.fallback.Pick(job, matched)
		}
	}
	return p.fallback.Pick(job, candidates)
}
