package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

func TestRoundRobinCycles(t *testing.T) {
	s := NewSelector(protocol.RoundRobin(protocol.ProviderOpenAI, protocol.ProviderAnthropic, protocol.ProviderGemini))

	var got []protocol.Provider
	for i := 0; i < 6; i++ {
		got = append(got, s.Next())
	}
	want := []protocol.Provider{
		protocol.ProviderOpenAI, protocol.ProviderAnthropic, protocol.ProviderGemini,
		protocol.ProviderOpenAI, protocol.ProviderAnthropic, protocol.ProviderGemini,
	}
	assert.Equal(t, want, got)
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	s := NewSelector(protocol.RoundRobin(protocol.ProviderOpenAI, protocol.ProviderAnthropic))
	s.MarkUnhealthy(protocol.ProviderOpenAI)

	for i := 0; i < 4; i++ {
		assert.Equal(t, protocol.ProviderAnthropic, s.Next())
	}
}

func TestRoundRobinAllUnhealthyStillYields(t *testing.T) {
	s := NewSelector(protocol.RoundRobin(protocol.ProviderOpenAI, protocol.ProviderAnthropic))
	s.MarkUnhealthy(protocol.ProviderOpenAI)
	s.MarkUnhealthy(protocol.ProviderAnthropic)

	p := s.Next()
	assert.Contains(t, []protocol.Provider{protocol.ProviderOpenAI, protocol.ProviderAnthropic}, p)
}

func TestPriorityOrderPrefersFirst(t *testing.T) {
	s := NewSelector(protocol.PriorityOrder(protocol.ProviderAnthropic, protocol.ProviderOpenAI))
	for i := 0; i < 3; i++ {
		assert.Equal(t, protocol.ProviderAnthropic, s.Next())
	}

	s.MarkUnhealthy(protocol.ProviderAnthropic)
	assert.Equal(t, protocol.ProviderOpenAI, s.Next())

	s.MarkHealthy(protocol.ProviderAnthropic)
	assert.Equal(t, protocol.ProviderAnthropic, s.Next())
}

func TestBackoffSingleProvider(t *testing.T) {
	s := NewSelector(protocol.Backoff(protocol.ProviderGemini))
	for i := 0; i < 3; i++ {
		assert.Equal(t, protocol.ProviderGemini, s.Next())
	}
}

func TestEmptyStrategyFallsBack(t *testing.T) {
	tests := []protocol.RoutingStrategy{
		protocol.RoundRobin(),
		protocol.PriorityOrder(),
		protocol.Weighted(nil),
		protocol.Backoff(protocol.ProviderUnspecified),
	}
	for _, strategy := range tests {
		s := NewSelector(strategy, WithFallback(protocol.ProviderRandom))
		assert.Equal(t, protocol.ProviderRandom, s.Next(), "strategy %s", strategy.Kind)
	}
}

func TestWeightedDistribution(t *testing.T) {
	s := NewSelector(protocol.Weighted(map[protocol.Provider]float32{
		protocol.ProviderOpenAI: 3,
		protocol.ProviderGemini: 1,
	}), WithSeed(42))

	counts := map[protocol.Provider]int{}
	for i := 0; i < 4000; i++ {
		counts[s.Next()]++
	}
	assert.Zero(t, counts[protocol.ProviderAnthropic])
	// ~3:1 split with generous slack.
	assert.Greater(t, counts[protocol.ProviderOpenAI], 2500)
	assert.Greater(t, counts[protocol.ProviderGemini], 500)
}

func TestWeightedSkipsUnhealthy(t *testing.T) {
	s := NewSelector(protocol.Weighted(map[protocol.Provider]float32{
		protocol.ProviderOpenAI: 1,
		protocol.ProviderGemini: 1,
	}), WithSeed(1))
	s.MarkUnhealthy(protocol.ProviderOpenAI)

	for i := 0; i < 50; i++ {
		assert.Equal(t, protocol.ProviderGemini, s.Next())
	}
}

func TestCooldownExpires(t *testing.T) {
	current := time.Unix(1000, 0)
	s := NewSelector(
		protocol.PriorityOrder(protocol.ProviderOpenAI, protocol.ProviderAnthropic),
		WithCooldown(10*time.Second),
		withClock(func() time.Time { return current }),
	)

	s.MarkUnhealthy(protocol.ProviderOpenAI)
	assert.Equal(t, protocol.ProviderAnthropic, s.Next())

	current = current.Add(11 * time.Second)
	assert.Equal(t, protocol.ProviderOpenAI, s.Next())
}

func TestUpdateReplacesStrategy(t *testing.T) {
	s := NewSelector(protocol.Backoff(protocol.ProviderOpenAI))
	assert.Equal(t, protocol.ProviderOpenAI, s.Next())

	s.Update(protocol.Backoff(protocol.ProviderGemini))
	assert.Equal(t, protocol.ProviderGemini, s.Next())
	assert.Equal(t, protocol.RouteBackoff, s.Strategy().Kind)
}
