package producer

import (
	"sync"
	"time"

	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
)

// Health classification thresholds on consecutive failures.
const (
	degradedAfter  = 1
	unhealthyAfter = 3
)

// performanceTracker aggregates per-provider call outcomes for the periodic
// StatisticsUpdate and for routing degradation decisions.
type performanceTracker struct {
	mu    sync.Mutex
	perf  map[protocol.Provider]*protocol.ProviderPerformance
	clock func() time.Time
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{
		perf:  make(map[protocol.Provider]*protocol.ProviderPerformance),
		clock: time.Now,
	}
}

func (t *performanceTracker) get(p protocol.Provider) *protocol.ProviderPerformance {
	perf, ok := t.perf[p]
	if !ok {
		perf = &protocol.ProviderPerformance{CurrentStatus: protocol.ProviderUnknown}
		t.perf[p] = perf
	}
	return perf
}

// RecordSuccess notes one successful call.
func (t *performanceTracker) RecordSuccess(p protocol.Provider, usage providers.Usage, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock().Unix()
	perf := t.get(p)
	perf.TotalRequests++
	perf.SuccessfulRequests++
	perf.TotalResponseMillis += uint64(elapsed.Milliseconds())
	perf.TokensInput += uint64(usage.PromptTokens)
	perf.TokensOutput += uint64(usage.CompletionTokens)
	perf.ConsecutiveFailures = 0
	perf.LastUsedUnix = now
	perf.LastSuccessUnix = now
	perf.CurrentStatus = protocol.ProviderHealthy
}

// RecordFailure notes one failed call and returns the provider's new status.
func (t *performanceTracker) RecordFailure(p protocol.Provider, elapsed time.Duration) protocol.ProviderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock().Unix()
	perf := t.get(p)
	perf.TotalRequests++
	perf.FailedRequests++
	perf.TotalResponseMillis += uint64(elapsed.Milliseconds())
	perf.ConsecutiveFailures++
	perf.LastUsedUnix = now
	perf.LastFailureUnix = now

	switch {
	case perf.ConsecutiveFailures >= unhealthyAfter:
		perf.CurrentStatus = protocol.ProviderUnhealthy
	case perf.ConsecutiveFailures >= degradedAfter:
		perf.CurrentStatus = protocol.ProviderDegraded
	}
	return perf.CurrentStatus
}

// Status returns the current classification for p.
func (t *performanceTracker) Status(p protocol.Provider) protocol.ProviderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if perf, ok := t.perf[p]; ok {
		return perf.CurrentStatus
	}
	return protocol.ProviderUnknown
}

// Snapshot copies the per-provider map for a StatisticsUpdate.
func (t *performanceTracker) Snapshot() map[protocol.Provider]protocol.ProviderPerformance {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[protocol.Provider]protocol.ProviderPerformance, len(t.perf))
	for p, perf := range t.perf {
		out[p] = *perf
	}
	return out
}
