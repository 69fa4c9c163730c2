package orchestrator

import (
	"time"

	"github.com/haasonsaas/swarmgen/internal/process"
	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// producerEntry is one roster slot. All fields are owned by the event loop.
type producerEntry struct {
	id       protocol.ProducerID
	slot     int
	handle   *process.Handle
	status   protocol.ProducerStatus
	restarts int
	// permanentlyFailed marks a slot that exhausted its restart budget.
	permanentlyFailed bool
	// commandAddr is set once the producer's Ready handshake arrives.
	commandAddr string
	spawnedAt   time.Time
	lastUpdate  time.Time
	perf        map[protocol.Provider]protocol.ProviderPerformance
}

func (e *producerEntry) ready() bool {
	return e.commandAddr != "" && !e.permanentlyFailed
}

// session is one topic generation run. Created by StartGeneration, mutated
// only by the event loop, destroyed on completion.
type session struct {
	topic     string
	prompt    string
	strategy  protocol.RoutingStrategy
	genCfg    protocol.GenerationConfig
	budget    *uint64
	startedAt time.Time

	out    *outputWriter
	roster map[protocol.ProducerID]*producerEntry

	iterations    uint64
	providerStats map[protocol.Provider]*protocol.ProviderPerformance

	// draining marks a session whose teardown is in flight; events for it
	// are ignored until teardown completes.
	draining bool
	reason   protocol.CompletionReason
	detail   string
}

func (s *session) activeProducers() uint32 {
	var n uint32
	for _, e := range s.roster {
		if e.status == protocol.ProducerRunning {
			n++
		}
	}
	return n
}

func (s *session) entryBySlot(slot int) *producerEntry {
	for _, e := range s.roster {
		if e.slot == slot {
			return e
		}
	}
	return nil
}

// recordProviderOutcome folds one DataUpdate's metadata into the session's
// per-provider aggregates.
func (s *session) recordProviderOutcome(p protocol.Provider, md protocol.ProviderMetadata) {
	perf, ok := s.providerStats[p]
	if !ok {
		perf = &protocol.ProviderPerformance{CurrentStatus: protocol.ProviderUnknown}
		s.providerStats[p] = perf
	}
	now := time.Now().Unix()
	perf.TotalRequests++
	perf.TotalResponseMillis += md.ResponseTimeMillis
	perf.TokensInput += uint64(md.PromptTokens)
	perf.TokensOutput += uint64(md.CompletionTokens)
	perf.LastUsedUnix = now
	if md.Success {
		perf.SuccessfulRequests++
		perf.ConsecutiveFailures = 0
		perf.LastSuccessUnix = now
		perf.CurrentStatus = protocol.ProviderHealthy
	} else {
		perf.FailedRequests++
		perf.ConsecutiveFailures++
		perf.LastFailureUnix = now
		if perf.ConsecutiveFailures >= 3 {
			perf.CurrentStatus = protocol.ProviderUnhealthy
		} else {
			perf.CurrentStatus = protocol.ProviderDegraded
		}
	}
}

func (s *session) providerSnapshot() map[protocol.Provider]protocol.ProviderPerformance {
	out := make(map[protocol.Provider]protocol.ProviderPerformance, len(s.providerStats))
	for p, perf := range s.providerStats {
		out[p] = *perf
	}
	return out
}
