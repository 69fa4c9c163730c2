// Package routing selects an LLM provider for each producer request under
// the session's routing strategy, with per-provider health cooldowns feeding
// back into selection.
package routing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// defaultCooldown is how long an unhealthy provider is skipped before being
// tried again.
const defaultCooldown = 30 * time.Second

// Selector picks providers under a strategy. It is safe for concurrent use,
// though the producer runtime drives it from a single loop.
type Selector struct {
	mu        sync.Mutex
	strategy  protocol.RoutingStrategy
	fallback  protocol.Provider
	cooldown  time.Duration
	rrIndex   int
	rng       *rand.Rand
	unhealthy map[protocol.Provider]time.Time
	now       func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithFallback sets the provider used when the strategy yields no candidates.
func WithFallback(p protocol.Provider) Option {
	return func(s *Selector) { s.fallback = p }
}

// WithCooldown overrides the unhealthy-provider cooldown.
func WithCooldown(d time.Duration) Option {
	return func(s *Selector) { s.cooldown = d }
}

// WithSeed makes weighted draws deterministic; for tests.
func WithSeed(seed int64) Option {
	return func(s *Selector) { s.rng = rand.New(rand.NewSource(seed)) } // #nosec G404 -- routing draw
}

// withClock overrides time for cooldown tests.
func withClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// NewSelector builds a selector for the given strategy.
func NewSelector(strategy protocol.RoutingStrategy, opts ...Option) *Selector {
	s := &Selector{
		strategy:  strategy,
		fallback:  protocol.ProviderRandom,
		cooldown:  defaultCooldown,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- routing draw
		unhealthy: make(map[protocol.Provider]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update replaces the strategy; the next Next call observes it.
func (s *Selector) Update(strategy protocol.RoutingStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
	s.rrIndex = 0
}

// Strategy returns the current strategy.
func (s *Selector) Strategy() protocol.RoutingStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// Next picks the provider for the next request. The empty-providers policy
// is the designated fallback; an all-unhealthy roster also falls through to
// the strategy's first choice rather than stalling the loop.
func (s *Selector) Next() protocol.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.strategy.Kind {
	case protocol.RouteRoundRobin:
		return s.nextRoundRobin()
	case protocol.RoutePriorityOrder:
		return s.nextPriority()
	case protocol.RouteBackoff:
		if s.strategy.Provider == protocol.ProviderUnspecified {
			return s.fallback
		}
		return s.strategy.Provider
	case protocol.RouteWeighted:
		return s.nextWeighted()
	default:
		return s.fallback
	}
}

func (s *Selector) nextRoundRobin() protocol.Provider {
	candidates := s.strategy.Providers
	if len(candidates) == 0 {
		return s.fallback
	}
	for range candidates {
		p := candidates[s.rrIndex%len(candidates)]
		s.rrIndex++
		if s.healthy(p) {
			return p
		}
	}
	// Everyone is cooling down; take the cycle's next slot anyway.
	p := candidates[s.rrIndex%len(candidates)]
	s.rrIndex++
	return p
}

func (s *Selector) nextPriority() protocol.Provider {
	candidates := s.strategy.Providers
	if len(candidates) == 0 {
		return s.fallback
	}
	for _, p := range candidates {
		if s.healthy(p) {
			return p
		}
	}
	return candidates[0]
}

func (s *Selector) nextWeighted() protocol.Provider {
	weights := s.strategy.Weights
	if len(weights) == 0 {
		return s.fallback
	}

	// Iterate in wire order so equal RNG draws pick equal providers.
	var total float64
	for _, p := range protocol.AllProviders() {
		if w, ok := weights[p]; ok && w > 0 && s.healthy(p) {
			total += float64(w)
		}
	}
	if total == 0 {
		// Nothing healthy with positive weight; ignore health.
		for _, p := range protocol.AllProviders() {
			if w, ok := weights[p]; ok && w > 0 {
				total += float64(w)
			}
		}
		if total == 0 {
			return s.fallback
		}
		draw := s.rng.Float64() * total
		for _, p := range protocol.AllProviders() {
			if w, ok := weights[p]; ok && w > 0 {
				draw -= float64(w)
				if draw < 0 {
					return p
				}
			}
		}
		return s.fallback
	}

	draw := s.rng.Float64() * total
	for _, p := range protocol.AllProviders() {
		if w, ok := weights[p]; ok && w > 0 && s.healthy(p) {
			draw -= float64(w)
			if draw < 0 {
				return p
			}
		}
	}
	return s.fallback
}

// MarkUnhealthy starts a cooldown for p after a permanent failure.
func (s *Selector) MarkUnhealthy(p protocol.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy[p] = s.now().Add(s.cooldown)
}

// MarkHealthy clears p's cooldown after a success.
func (s *Selector) MarkHealthy(p protocol.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unhealthy, p)
}

func (s *Selector) healthy(p protocol.Provider) bool {
	until, ok := s.unhealthy[p]
	if !ok {
		return true
	}
	if s.now().After(until) {
		delete(s.unhealthy, p)
		return true
	}
	return false
}
