package producer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
)

func TestTrackerRecordsSuccess(t *testing.T) {
	tr := newPerformanceTracker()
	tr.RecordSuccess(protocol.ProviderOpenAI, providers.Usage{PromptTokens: 100, CompletionTokens: 40}, 250*time.Millisecond)

	snap := tr.Snapshot()
	perf := snap[protocol.ProviderOpenAI]
	assert.Equal(t, uint64(1), perf.TotalRequests)
	assert.Equal(t, uint64(1), perf.SuccessfulRequests)
	assert.Equal(t, uint64(250), perf.TotalResponseMillis)
	assert.Equal(t, uint64(100), perf.TokensInput)
	assert.Equal(t, uint64(40), perf.TokensOutput)
	assert.Equal(t, protocol.ProviderHealthy, perf.CurrentStatus)
	assert.NotZero(t, perf.LastSuccessUnix)
}

func TestTrackerHealthTransitions(t *testing.T) {
	tr := newPerformanceTracker()
	p := protocol.ProviderGemini

	assert.Equal(t, protocol.ProviderUnknown, tr.Status(p))

	status := tr.RecordFailure(p, time.Millisecond)
	assert.Equal(t, protocol.ProviderDegraded, status)

	tr.RecordFailure(p, time.Millisecond)
	status = tr.RecordFailure(p, time.Millisecond)
	assert.Equal(t, protocol.ProviderUnhealthy, status)

	// One success resets the failure streak and the classification.
	tr.RecordSuccess(p, providers.Usage{}, time.Millisecond)
	assert.Equal(t, protocol.ProviderHealthy, tr.Status(p))
	assert.Zero(t, tr.Snapshot()[p].ConsecutiveFailures)
}

func TestTrackerSnapshotIsCopy(t *testing.T) {
	tr := newPerformanceTracker()
	tr.RecordSuccess(protocol.ProviderRandom, providers.Usage{}, time.Millisecond)

	snap := tr.Snapshot()
	require.Contains(t, snap, protocol.ProviderRandom)
	mutated := snap[protocol.ProviderRandom]
	mutated.TotalRequests = 999

	assert.Equal(t, uint64(1), tr.Snapshot()[protocol.ProviderRandom].TotalRequests)
}

func TestTrackerAggregatesAcrossProviders(t *testing.T) {
	tr := newPerformanceTracker()
	tr.RecordSuccess(protocol.ProviderOpenAI, providers.Usage{}, time.Millisecond)
	tr.RecordFailure(protocol.ProviderAnthropic, time.Millisecond)

	snap := tr.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, protocol.ProviderHealthy, snap[protocol.ProviderOpenAI].CurrentStatus)
	assert.Equal(t, protocol.ProviderDegraded, snap[protocol.ProviderAnthropic].CurrentStatus)
}
