package producer

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
	"github.com/haasonsaas/swarmgen/internal/uniq"
)

// fakeOrchestrator accepts ProducerUpdates the way the real orchestrator
// listener does.
type fakeOrchestrator struct {
	ln      net.Listener
	updates chan *protocol.ProducerUpdate
	cancel  context.CancelFunc
}

func newFakeOrchestrator(t *testing.T) *fakeOrchestrator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeOrchestrator{
		ln:      ln,
		updates: make(chan *protocol.ProducerUpdate, 256),
		cancel:  cancel,
	}
	go func() {
		_ = protocol.Serve(ctx, ln, func(u *protocol.ProducerUpdate) { f.updates <- u })
	}()
	t.Cleanup(cancel)
	return f
}

func (f *fakeOrchestrator) addr() string { return f.ln.Addr().String() }

// waitFor returns the next update of the wanted type, discarding others.
func (f *fakeOrchestrator) waitFor(t *testing.T, want protocol.ProducerUpdateType, timeout time.Duration) *protocol.ProducerUpdate {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case u := <-f.updates:
			if u.Type == want {
				return u
			}
		case <-deadline:
			t.Fatalf("no %s update within %s", want, timeout)
			return nil
		}
	}
}

func startTestProducer(t *testing.T, orch *fakeOrchestrator) (protocol.ProducerID, string) {
	t.Helper()
	id := protocol.NewProducerID()
	p := New(Config{
		ID:               id,
		OrchestratorAddr: orch.addr(),
		Registry:         providers.NewRegistry(providers.Keys{}),
		Logger:           observability.Discard(),
		RequestInterval:  10 * time.Millisecond,
		StatsInterval:    50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("producer did not shut down")
		}
	})

	ready := orch.waitFor(t, protocol.UpdReady, 2*time.Second)
	require.NotNil(t, ready.Ready)
	addr := fmt.Sprintf("127.0.0.1:%d", ready.Ready.ListenPort)
	return id, addr
}

func sendCommand(t *testing.T, addr string, cmd *protocol.ProducerCommand) {
	t.Helper()
	require.NoError(t, protocol.SendTo(context.Background(), addr, cmd))
}

func startCmd(topic string) *protocol.ProducerCommand {
	cfg := protocol.DefaultGenerationConfig()
	cfg.RequestSize = 10
	return &protocol.ProducerCommand{
		Type:      protocol.CmdStart,
		CommandID: 1,
		Start: &protocol.StartCommand{
			Topic:            topic,
			RoutingStrategy:  protocol.Backoff(protocol.ProviderRandom),
			GenerationConfig: cfg,
		},
	}
}

func TestProducerReadyHandshake(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)
	assert.NotEmpty(t, addr)
}

func TestProducerGeneratesDataUpdates(t *testing.T) {
	orch := newFakeOrchestrator(t)
	id, addr := startTestProducer(t, orch)

	sendCommand(t, addr, startCmd("test lakes"))

	data := orch.waitFor(t, protocol.UpdData, 3*time.Second)
	require.NotNil(t, data.Data)
	assert.Equal(t, id, data.Data.ProducerID)
	assert.Equal(t, protocol.ProviderRandom, data.Data.ProviderUsed)
	assert.True(t, data.Data.ProviderMetadata.Success)
	assert.NotEmpty(t, data.Data.Attributes)
}

func TestProducerSecondStartRejected(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)

	sendCommand(t, addr, startCmd("first"))
	orch.waitFor(t, protocol.UpdData, 3*time.Second)

	sendCommand(t, addr, startCmd("second"))
	errUpd := orch.waitFor(t, protocol.UpdError, 3*time.Second)
	assert.Equal(t, "already_started", errUpd.Error.Code)
}

func TestProducerPingPong(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)

	sendCommand(t, addr, &protocol.ProducerCommand{Type: protocol.CmdPing, CommandID: 77})
	pong := orch.waitFor(t, protocol.UpdPong, 2*time.Second)
	assert.Equal(t, uint64(77), pong.CommandID)
}

func TestProducerSyncCheckInstallsBloom(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)

	tracker := uniq.NewTracker()
	tracker.FilterUnique([]string{"knownvalue1", "knownvalue2"})
	data, version, err := tracker.Snapshot()
	require.NoError(t, err)

	sendCommand(t, addr, &protocol.ProducerCommand{
		Type:      protocol.CmdSyncCheck,
		CommandID: 5,
		Sync: &protocol.SyncCheckCommand{
			SyncID:        3,
			BloomFilter:   data,
			BloomVersion:  version,
			SeenValues:    []string{"knownvalue1", "knownvalue2"},
			RequiresDedup: true,
		},
	})

	ack := orch.waitFor(t, protocol.UpdSyncAck, 2*time.Second)
	require.NotNil(t, ack.SyncAck)
	assert.Equal(t, uint64(3), ack.SyncAck.SyncID)
	assert.Equal(t, protocol.SyncBloomUpdated, ack.SyncAck.Status)
	assert.Equal(t, uint64(len(data)), ack.SyncAck.BloomSize)
}

func TestProducerSyncCheckRejectsGarbage(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)

	sendCommand(t, addr, &protocol.ProducerCommand{
		Type:      protocol.CmdSyncCheck,
		CommandID: 6,
		Sync:      &protocol.SyncCheckCommand{SyncID: 4, BloomFilter: []byte{0xde, 0xad}},
	})

	ack := orch.waitFor(t, protocol.UpdSyncAck, 2*time.Second)
	assert.Equal(t, protocol.SyncFailed, ack.SyncAck.Status)
	assert.NotEmpty(t, ack.SyncAck.Reason)
}

func TestProducerStopReportsStopped(t *testing.T) {
	orch := newFakeOrchestrator(t)
	id, addr := startTestProducer(t, orch)

	sendCommand(t, addr, startCmd("stoppable"))
	orch.waitFor(t, protocol.UpdData, 3*time.Second)

	sendCommand(t, addr, &protocol.ProducerCommand{Type: protocol.CmdStop, CommandID: 9})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-orch.updates:
			if u.Type == protocol.UpdStatistics && u.Statistics.Status == protocol.ProducerStopped {
				assert.Equal(t, id, u.Statistics.ProducerID)
				return
			}
		case <-deadline:
			t.Fatal("no final stopped statistics update")
		}
	}
}

func TestProducerUpdateConfigObservedMidLoop(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)

	sendCommand(t, addr, startCmd("original topic"))
	first := orch.waitFor(t, protocol.UpdData, 3*time.Second)
	firstAttrs := first.Data.Attributes

	// A new prompt changes the deterministic Random provider's output on
	// the next pass.
	prompt := "an entirely different subject"
	sendCommand(t, addr, &protocol.ProducerCommand{
		Type:      protocol.CmdUpdateConfig,
		CommandID: 2,
		Update:    &protocol.UpdateConfigCommand{Prompt: &prompt},
	})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-orch.updates:
			if u.Type != protocol.UpdData || len(u.Data.Attributes) == 0 {
				continue
			}
			if !assert.ObjectsAreEqual(firstAttrs, u.Data.Attributes) {
				return // output diverged, the new prompt took effect
			}
		case <-deadline:
			t.Fatal("config update never observed by the generation loop")
		}
	}
}

func TestProducerPeriodicStatistics(t *testing.T) {
	orch := newFakeOrchestrator(t)
	_, addr := startTestProducer(t, orch)

	sendCommand(t, addr, startCmd("stats topic"))

	stats := orch.waitFor(t, protocol.UpdStatistics, 3*time.Second)
	require.NotNil(t, stats.Statistics)
	assert.Equal(t, protocol.ProducerRunning, stats.Statistics.Status)
}
