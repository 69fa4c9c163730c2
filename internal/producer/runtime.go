// Package producer implements the producer runtime: a loop of provider
// calls driven by commands from the orchestrator, yielding deduplicated
// attribute batches.
//
// The producer holds no authoritative uniqueness state. It pre-filters
// candidates against the bloom snapshot most recently shipped by the
// orchestrator and embeds recently seen values in its prompts, but the
// orchestrator's exact set has the final word on every batch.
package producer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
	"github.com/haasonsaas/swarmgen/internal/retry"
	"github.com/haasonsaas/swarmgen/internal/routing"
	"github.com/haasonsaas/swarmgen/internal/uniq"
)

// Defaults for optional Config fields.
const (
	defaultStatsInterval   = 10 * time.Second
	defaultRequestInterval = 100 * time.Millisecond
	defaultMaxRetries      = 3
	defaultCallTimeout     = providers.DefaultTimeout
)

// Config wires a Producer.
type Config struct {
	// ID is the orchestrator-assigned producer identity.
	ID protocol.ProducerID
	// OrchestratorAddr is the TCP address receiving ProducerUpdates.
	OrchestratorAddr string
	// Registry supplies provider clients.
	Registry *providers.Registry
	// Logger is required.
	Logger *observability.Logger
	// StatsInterval paces periodic StatisticsUpdates.
	StatsInterval time.Duration
	// RequestInterval paces generation passes.
	RequestInterval time.Duration
	// MaxRetries bounds retryable-failure retries per request.
	MaxRetries int
	// CallTimeout bounds one provider call.
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
	if c.RequestInterval <= 0 {
		c.RequestInterval = defaultRequestInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
}

// Producer is one worker process's runtime.
type Producer struct {
	cfg     Config
	logger  *observability.Logger
	perf    *performanceTracker
	prompts promptBuilder

	mu         sync.Mutex
	started    bool
	basePrompt string
	genCfg     protocol.GenerationConfig
	selector   *routing.Selector
	snapshot   *uniq.Snapshot
	seen       []string
	bloomStats protocol.BloomStats

	stopLoop context.CancelFunc
	stopped  chan struct{}
}

// New builds a Producer.
func New(cfg Config) *Producer {
	cfg.applyDefaults()
	return &Producer{
		cfg:     cfg,
		logger:  cfg.Logger,
		perf:    newPerformanceTracker(),
		stopped: make(chan struct{}),
	}
}

// Run binds the command listener, performs the Ready handshake, and serves
// commands until ctx is cancelled or a Stop command arrives.
func (p *Producer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("producer: bind command listener: %w", err)
	}

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ready := &protocol.ProducerUpdate{
		Type:  protocol.UpdReady,
		Ready: &protocol.ReadyUpdate{ProducerID: p.cfg.ID, ListenPort: port},
	}
	if err := protocol.SendTo(ctx, p.cfg.OrchestratorAddr, ready); err != nil {
		_ = ln.Close()
		return fmt.Errorf("producer: ready handshake: %w", err)
	}
	p.logger.Info(ctx, "producer ready", "producer_id", p.cfg.ID.String(), "command_port", port)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go p.statsLoop(serveCtx)
	go func() {
		_ = protocol.Serve(serveCtx, ln, func(cmd *protocol.ProducerCommand) {
			p.handleCommand(serveCtx, cmd)
		})
	}()

	select {
	case <-ctx.Done():
	case <-p.stopped:
	}
	p.shutdown(context.WithoutCancel(ctx))
	return nil
}

func (p *Producer) handleCommand(ctx context.Context, cmd *protocol.ProducerCommand) {
	switch cmd.Type {
	case protocol.CmdStart:
		p.handleStart(ctx, cmd)
	case protocol.CmdUpdateConfig:
		p.handleUpdateConfig(ctx, cmd.Update)
	case protocol.CmdSyncCheck:
		p.handleSync(ctx, cmd.Sync)
	case protocol.CmdPing:
		p.send(ctx, &protocol.ProducerUpdate{Type: protocol.UpdPong, CommandID: cmd.CommandID})
	case protocol.CmdStop:
		p.logger.Info(ctx, "stop command received", "producer_id", p.cfg.ID.String())
		select {
		case <-p.stopped:
		default:
			close(p.stopped)
		}
	}
}

func (p *Producer) handleStart(ctx context.Context, cmd *protocol.ProducerCommand) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		// One Start per session; a duplicate is a protocol error.
		p.send(ctx, &protocol.ProducerUpdate{
			Type: protocol.UpdError,
			Error: &protocol.ErrorUpdate{
				Code:      "already_started",
				Message:   "producer already received a Start for this session",
				CommandID: cmd.CommandID,
			},
		})
		return
	}
	start := cmd.Start
	p.started = true
	p.basePrompt = start.Prompt
	if p.basePrompt == "" {
		p.basePrompt = start.Topic
	}
	p.genCfg = start.GenerationConfig
	p.selector = routing.NewSelector(start.RoutingStrategy)

	loopCtx, cancel := context.WithCancel(ctx)
	p.stopLoop = cancel
	p.mu.Unlock()

	p.logger.Info(ctx, "generation started",
		"producer_id", p.cfg.ID.String(),
		"topic", start.Topic,
		"strategy", start.RoutingStrategy.Kind.String())
	go p.generateLoop(loopCtx)
}

func (p *Producer) handleUpdateConfig(ctx context.Context, update *protocol.UpdateConfigCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if update.Prompt != nil {
		p.basePrompt = *update.Prompt
	}
	if update.GenerationConfig != nil {
		p.genCfg = *update.GenerationConfig
	}
	if update.RoutingStrategy != nil && p.selector != nil {
		p.selector.Update(*update.RoutingStrategy)
	}
	p.logger.Debug(ctx, "config updated", "producer_id", p.cfg.ID.String())
}

func (p *Producer) handleSync(ctx context.Context, sync *protocol.SyncCheckCommand) {
	ack := &protocol.SyncAck{SyncID: sync.SyncID, Status: protocol.SyncReady}

	if len(sync.BloomFilter) > 0 {
		snapshot, err := uniq.LoadSnapshot(sync.BloomFilter, sync.BloomVersion)
		if err != nil {
			p.logger.Warn(ctx, "bloom snapshot rejected", "error", err)
			ack.Status = protocol.SyncFailed
			ack.Reason = err.Error()
			p.send(ctx, &protocol.ProducerUpdate{Type: protocol.UpdSyncAck, SyncAck: ack})
			return
		}
		p.mu.Lock()
		p.snapshot = snapshot
		p.bloomStats.LastFilterUpdate = uint64(time.Now().Unix())
		p.mu.Unlock()
		ack.Status = protocol.SyncBloomUpdated
		ack.BloomSize = uint64(snapshot.Size())
	}
	if len(sync.SeenValues) > 0 {
		p.mu.Lock()
		p.seen = sync.SeenValues
		p.mu.Unlock()
	}
	p.send(ctx, &protocol.ProducerUpdate{Type: protocol.UpdSyncAck, SyncAck: ack})
}

// generateLoop runs provider passes until its context is cancelled.
func (p *Producer) generateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.generateOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RequestInterval):
		}
	}
}

// generateOnce performs one request/response cycle and reports it as one
// DataUpdate — empty on failure, so the orchestrator's iteration accounting
// sees every completed cycle.
func (p *Producer) generateOnce(ctx context.Context) {
	p.mu.Lock()
	base := p.basePrompt
	genCfg := p.genCfg
	selector := p.selector
	seen := p.seen
	snapshot := p.snapshot
	p.mu.Unlock()
	if selector == nil {
		return
	}

	provider := selector.Next()
	prompt := p.prompts.build(base, provider, genCfg, seen, uint64(len(seen)), p.currentFPR())

	start := time.Now()
	resp, err := retry.DoWithValue(ctx, retry.Exponential(p.cfg.MaxRetries, 500*time.Millisecond, 10*time.Second),
		func(int) (*providers.Response, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()
			r, callErr := p.cfg.Registry.Call(callCtx, provider, providers.Request{
				Model:       genCfg.Model,
				Prompt:      prompt,
				MaxTokens:   genCfg.MaxTokens,
				Temperature: genCfg.Temperature,
			})
			if callErr != nil && !providers.Retryable(callErr) {
				return nil, retry.Permanent(callErr)
			}
			return r, callErr
		})
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		status := p.perf.RecordFailure(provider, elapsed)
		if !providers.Retryable(err) {
			selector.MarkUnhealthy(provider)
		}
		p.logger.Warn(ctx, "provider call failed",
			"provider", provider.String(), "status", status.String(), "error", err)
		p.send(ctx, p.dataUpdate(nil, provider, protocol.ProviderMetadata{
			ResponseTimeMillis: uint64(elapsed.Milliseconds()),
			ProviderStatus:     status,
			Success:            false,
		}, nil))
		return
	}

	p.perf.RecordSuccess(provider, resp.Usage, resp.ResponseTime)
	selector.MarkHealthy(provider)

	maxAttrs := genCfg.RequestSize
	if maxAttrs < minExclusions {
		maxAttrs = minExclusions
	}
	candidates := ExtractAttributes(resp.Content, maxAttrs*2)
	attrs, stats := p.preFilter(candidates, snapshot)

	metadata := protocol.ProviderMetadata{
		ResponseTimeMillis: uint64(resp.ResponseTime.Milliseconds()),
		PromptTokens:       uint32(resp.Usage.PromptTokens),
		CompletionTokens:   uint32(resp.Usage.CompletionTokens),
		TotalTokens:        uint32(resp.Usage.Total()),
		ProviderStatus:     protocol.ProviderHealthy,
		Success:            true,
	}
	p.send(ctx, p.dataUpdate(attrs, provider, metadata, stats))
}

// preFilter drops candidates the local bloom snapshot says are probably
// already known. False positives here only cost throughput, never
// correctness: the orchestrator re-filters every batch exactly.
func (p *Producer) preFilter(candidates []string, snapshot *uniq.Snapshot) ([]string, *protocol.BloomStats) {
	if snapshot == nil {
		return candidates, nil
	}

	var kept []string
	for _, c := range candidates {
		if !snapshot.MayContain(c) {
			kept = append(kept, c)
		}
	}

	p.mu.Lock()
	p.bloomStats.TotalCandidates += uint64(len(candidates))
	p.bloomStats.FilteredCandidates += uint64(len(candidates) - len(kept))
	if p.bloomStats.TotalCandidates > 0 {
		p.bloomStats.FilterEffectiveness =
			float64(p.bloomStats.FilteredCandidates) / float64(p.bloomStats.TotalCandidates)
	}
	stats := p.bloomStats
	p.mu.Unlock()
	return kept, &stats
}

func (p *Producer) currentFPR() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bloomStats.FilterEffectiveness
}

func (p *Producer) dataUpdate(attrs []string, provider protocol.Provider, metadata protocol.ProviderMetadata, stats *protocol.BloomStats) *protocol.ProducerUpdate {
	if attrs == nil {
		attrs = []string{}
	}
	return &protocol.ProducerUpdate{
		Type: protocol.UpdData,
		Data: &protocol.DataUpdate{
			ProducerID:       p.cfg.ID,
			Attributes:       attrs,
			ProviderUsed:     provider,
			ProviderMetadata: metadata,
			BloomStats:       stats,
		},
	}
}

// statsLoop reports producer health periodically.
func (p *Producer) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.send(ctx, &protocol.ProducerUpdate{
				Type: protocol.UpdStatistics,
				Statistics: &protocol.StatisticsUpdate{
					ProducerID:          p.cfg.ID,
					Status:              p.status(),
					ProviderPerformance: p.perf.Snapshot(),
				},
			})
		}
	}
}

func (p *Producer) status() protocol.ProducerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return protocol.ProducerStarting
	}
	select {
	case <-p.stopped:
		return protocol.ProducerStopping
	default:
		return protocol.ProducerRunning
	}
}

// shutdown abandons in-flight work and reports the final Stopped state.
func (p *Producer) shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.stopLoop != nil {
		p.stopLoop()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	p.send(ctx, &protocol.ProducerUpdate{
		Type: protocol.UpdStatistics,
		Statistics: &protocol.StatisticsUpdate{
			ProducerID:          p.cfg.ID,
			Status:              protocol.ProducerStopped,
			ProviderPerformance: p.perf.Snapshot(),
		},
	})
	p.logger.Info(ctx, "producer stopped", "producer_id", p.cfg.ID.String())
}

func (p *Producer) send(ctx context.Context, update *protocol.ProducerUpdate) {
	if err := protocol.SendTo(ctx, p.cfg.OrchestratorAddr, update); err != nil && ctx.Err() == nil {
		p.logger.Warn(ctx, "update send failed", "type", update.Type.String(), "error", err)
	}
}
