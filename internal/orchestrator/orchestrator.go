// Package orchestrator implements the coordinating process: the single
// authoritative owner of the unique set, bloom filter, producer roster, and
// iteration budget.
//
// All state lives in one event loop. Listener goroutines, spawn tasks,
// writer tasks, and teardown tasks never touch it directly; they enqueue
// events and the loop applies them one at a time, which is what makes state
// transitions totally ordered. The loop itself never blocks on I/O — every
// outbound effect (spawn, network send, file write) runs on its own
// goroutine and re-enters through the queue.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/process"
	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
	"github.com/haasonsaas/swarmgen/internal/retry"
	"github.com/haasonsaas/swarmgen/internal/uniq"
)

// Defaults for optional Config fields.
const (
	defaultFlushInterval    = 500 * time.Millisecond
	defaultHealthInterval   = 2 * time.Second
	defaultStatsInterval    = time.Second
	defaultBootstrapTimeout = 10 * time.Second
	defaultMaxRestarts      = 5
	defaultSeenPerSync      = 100
	eventQueueSize          = 1024
)

// Config wires an Orchestrator.
type Config struct {
	// ProducerListenAddr receives ProducerUpdates. Port 0 binds ephemeral.
	ProducerListenAddr string
	// WebListenAddr receives WebServerRequests.
	WebListenAddr string
	// OutputDir is the base for per-topic folders.
	OutputDir string
	// FlushInterval paces output file syncs.
	FlushInterval time.Duration
	// HealthInterval paces child health checks.
	HealthInterval time.Duration
	// StatsInterval paces SystemMetrics broadcasts to the webserver.
	StatsInterval time.Duration
	// BootstrapTimeout bounds the Ready handshake after a spawn.
	BootstrapTimeout time.Duration
	// MaxRestarts caps restarts per producer slot per session.
	MaxRestarts int
	// SeenValuesPerSync bounds the seen-values list shipped with bloom
	// snapshots.
	SeenValuesPerSync int
	// Keys are the provider API keys handed to producers.
	Keys providers.Keys
	// Logger and Metrics are required.
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// ProducerBinary / WebServerBinary override child executables.
	ProducerBinary  string
	WebServerBinary string
	// TraceEndpoint is forwarded to children.
	TraceEndpoint string
	// LogLevel is inherited by children.
	LogLevel string
}

func (c *Config) applyDefaults() {
	if c.ProducerListenAddr == "" {
		c.ProducerListenAddr = "127.0.0.1:0"
	}
	if c.WebListenAddr == "" {
		c.WebListenAddr = "127.0.0.1:0"
	}
	if c.OutputDir == "" {
		c.OutputDir = "outputs"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = defaultBootstrapTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.SeenValuesPerSync <= 0 {
		c.SeenValuesPerSync = defaultSeenPerSync
	}
}

// event is the owner loop's mailbox entry; exactly one field is set.
type event struct {
	producerUpdate *protocol.ProducerUpdate
	webRequest     *protocol.WebServerRequest
	spawned        *spawnResult
	teardownDone   *protocol.GenerationComplete
	writeError     error
}

// spawnResult re-enters the loop after an asynchronous producer spawn.
type spawnResult struct {
	slot    int
	id      protocol.ProducerID
	handle  *process.Handle
	restart bool
	err     error
}

// startRequest captures a StartGeneration until the loop can act on it.
type startRequest struct {
	req       *protocol.StartGeneration
	requestID uint64
}

// Orchestrator is the coordinator process runtime.
type Orchestrator struct {
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	tracker *uniq.Tracker
	manager *process.Manager

	producerLn net.Listener
	webLn      net.Listener

	events      chan event
	completions chan protocol.GenerationComplete

	// Loop-owned state below; only the run loop touches it.
	session      *session
	pendingStart *startRequest
	webAddr      string
	commandSeq   uint64
	syncSeq      uint64
	startedAt    time.Time
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:         cfg,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracker:     uniq.NewTracker(),
		events:      make(chan event, eventQueueSize),
		completions: make(chan protocol.GenerationComplete, 8),
		startedAt:   time.Now(),
	}
}

// Run binds the listeners and executes the event loop until ctx is
// cancelled. A bind failure is fatal.
func (o *Orchestrator) Run(ctx context.Context) error {
	producerLn, err := net.Listen("tcp", o.cfg.ProducerListenAddr)
	if err != nil {
		return fmt.Errorf("orchestrator: bind producer listener: %w", err)
	}
	o.producerLn = producerLn

	webLn, err := net.Listen("tcp", o.cfg.WebListenAddr)
	if err != nil {
		_ = producerLn.Close()
		return fmt.Errorf("orchestrator: bind webserver listener: %w", err)
	}
	o.webLn = webLn

	o.manager = process.NewManager(process.Config{
		ProducerBinary:   o.cfg.ProducerBinary,
		WebServerBinary:  o.cfg.WebServerBinary,
		OrchestratorAddr: producerLn.Addr().String(),
		WebRequestAddr:   webLn.Addr().String(),
		TraceEndpoint:    o.cfg.TraceEndpoint,
		LogLevel:         o.cfg.LogLevel,
		Logger:           o.logger,
	})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = protocol.Serve(serveCtx, producerLn, func(u *protocol.ProducerUpdate) {
			o.enqueue(event{producerUpdate: u})
		})
	}()
	go func() {
		_ = protocol.Serve(serveCtx, webLn, func(r *protocol.WebServerRequest) {
			o.enqueue(event{webRequest: r})
		})
	}()

	o.logger.Info(ctx, "orchestrator listening",
		"producer_addr", producerLn.Addr().String(),
		"web_addr", webLn.Addr().String())
	return o.run(ctx)
}

// ProducerAddr returns the bound producer listener address.
func (o *Orchestrator) ProducerAddr() string { return o.producerLn.Addr().String() }

// WebAddr returns the bound webserver-request listener address.
func (o *Orchestrator) WebAddr() string { return o.webLn.Addr().String() }

// Manager exposes the process manager, for the webserver spawn in serve
// mode.
func (o *Orchestrator) Manager() *process.Manager { return o.manager }

// StartGeneration enqueues a session start, for CLI mode where no webserver
// relays the request.
func (o *Orchestrator) StartGeneration(requestID uint64, req *protocol.StartGeneration) {
	o.enqueue(event{webRequest: &protocol.WebServerRequest{
		Type:      protocol.ReqStartGeneration,
		RequestID: requestID,
		Start:     req,
	}})
}

// StopGeneration enqueues a session stop.
func (o *Orchestrator) StopGeneration(requestID uint64) {
	o.enqueue(event{webRequest: &protocol.WebServerRequest{
		Type:      protocol.ReqStopGeneration,
		RequestID: requestID,
	}})
}

// WaitComplete blocks until the next session completion or ctx expiry.
func (o *Orchestrator) WaitComplete(ctx context.Context) (*protocol.GenerationComplete, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case complete := <-o.completions:
		return &complete, nil
	}
}

// enqueueInternal delivers a loop-internal event (spawn result, teardown
// completion, write error) with a blocking send. These are few, originate
// from goroutines the loop itself started, and must never be shed.
func (o *Orchestrator) enqueueInternal(ev event) {
	o.events <- ev
}

// enqueue delivers an external event with drop-oldest semantics. The owner
// loop must never be awaited indefinitely by a producer of events, and a
// full queue means the system is far behind — shedding the oldest update is
// safer than stalling a listener goroutine.
func (o *Orchestrator) enqueue(ev event) {
	select {
	case o.events <- ev:
		return
	default:
	}
	select {
	case <-o.events:
	default:
	}
	select {
	case o.events <- ev:
	default:
	}
}

func (o *Orchestrator) run(ctx context.Context) error {
	flushTicker := time.NewTicker(o.cfg.FlushInterval)
	defer flushTicker.Stop()
	healthTicker := time.NewTicker(o.cfg.HealthInterval)
	defer healthTicker.Stop()
	statsTicker := time.NewTicker(o.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown(context.WithoutCancel(ctx))
			return nil
		case ev := <-o.events:
			o.dispatch(ctx, ev)
		case <-flushTicker.C:
			o.flushOutput(ctx)
		case <-healthTicker.C:
			o.checkHealth(ctx)
		case <-statsTicker.C:
			o.broadcastStats(ctx)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev event) {
	switch {
	case ev.producerUpdate != nil:
		o.handleProducerUpdate(ctx, ev.producerUpdate)
	case ev.webRequest != nil:
		o.handleWebRequest(ctx, ev.webRequest)
	case ev.spawned != nil:
		o.handleSpawned(ctx, ev.spawned)
	case ev.teardownDone != nil:
		o.handleTeardownDone(ctx, ev.teardownDone)
	case ev.writeError != nil:
		o.logger.Error(ctx, "output write failed", "error", ev.writeError)
		o.sendToWeb(ctx, &protocol.OrchestratorUpdate{
			Type:  protocol.OrchError,
			Error: fmt.Sprintf("output write failed: %v", ev.writeError),
		})
	}
}

// replyResult acknowledges a WebServerRequest by its RequestID.
func (o *Orchestrator) replyResult(ctx context.Context, requestID uint64, success bool, message string) {
	o.sendToWeb(ctx, &protocol.OrchestratorUpdate{
		Type:   protocol.OrchCommandResult,
		Result: &protocol.CommandResult{RequestID: requestID, Success: success, Message: message},
	})
}

// ---- webserver requests ----

func (o *Orchestrator) handleWebRequest(ctx context.Context, req *protocol.WebServerRequest) {
	switch req.Type {
	case protocol.ReqReady:
		o.webAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(int(req.Ready.ListenPort)))
		o.manager.MarkReady("webserver", o.webAddr)
		o.logger.Info(ctx, "webserver connected", "addr", o.webAddr)
	case protocol.ReqStartGeneration:
		o.handleStartGeneration(ctx, &startRequest{req: req.Start, requestID: req.RequestID})
	case protocol.ReqStopGeneration:
		if o.session == nil || o.session.draining {
			o.replyResult(ctx, req.RequestID, false, "no active generation session")
			return
		}
		o.replyResult(ctx, req.RequestID, true, "stopping generation")
		o.beginTeardown(ctx, protocol.CompletionUserRequested, "")
	case protocol.ReqStatus:
		o.sendToWeb(ctx, &protocol.OrchestratorUpdate{
			Type:    protocol.OrchStatistics,
			Metrics: o.systemMetrics(),
		})
	}
}

func (o *Orchestrator) handleStartGeneration(ctx context.Context, start *startRequest) {
	req := start.req
	if req.Topic == "" {
		o.replyResult(ctx, start.requestID, false, "topic must not be empty")
		return
	}
	if req.ProducerCount < 1 {
		o.replyResult(ctx, start.requestID, false, "producer_count must be at least 1")
		return
	}

	if o.session != nil {
		// Preemption: the new session waits for the old one's teardown.
		o.pendingStart = start
		if !o.session.draining {
			o.logger.Info(ctx, "preempting active session", "old_topic", o.session.topic, "new_topic", req.Topic)
			o.beginTeardown(ctx, protocol.CompletionUserRequested, "preempted by new session")
		}
		return
	}

	o.startSession(ctx, start)
}

func (o *Orchestrator) startSession(ctx context.Context, start *startRequest) {
	req := start.req

	out, err := newOutputWriter(o.cfg.OutputDir, req.Topic, req.ProducerCount)
	if err != nil {
		o.logger.Error(ctx, "session start failed", "error", err)
		o.replyResult(ctx, start.requestID, false, err.Error())
		return
	}

	o.tracker.Reset()
	o.metrics.BloomVersion.Set(0)

	strategy := protocol.Backoff(protocol.ProviderRandom)
	if len(o.cfg.Keys) > 0 {
		var available []protocol.Provider
		for _, p := range protocol.AllProviders() {
			if _, ok := o.cfg.Keys[p]; ok && p != protocol.ProviderRandom {
				available = append(available, p)
			}
		}
		if len(available) > 0 {
			strategy = protocol.RoundRobin(available...)
		}
	}
	if req.RoutingStrategy != nil {
		strategy = *req.RoutingStrategy
	}
	genCfg := protocol.DefaultGenerationConfig()
	if req.GenerationConfig != nil {
		genCfg = *req.GenerationConfig
	}

	o.session = &session{
		topic:         req.Topic,
		prompt:        req.Prompt,
		strategy:      strategy,
		genCfg:        genCfg,
		budget:        req.Iterations,
		startedAt:     time.Now(),
		out:           out,
		roster:        make(map[protocol.ProducerID]*producerEntry, req.ProducerCount),
		providerStats: make(map[protocol.Provider]*protocol.ProviderPerformance),
	}
	o.logger.Info(ctx, "session started",
		"topic", req.Topic,
		"producers", req.ProducerCount,
		"strategy", strategy.Kind.String(),
		"output", out.Dir())
	o.replyResult(ctx, start.requestID, true, "generation started")

	// A zero budget completes before any producer is asked for anything.
	if req.Iterations != nil && *req.Iterations == 0 {
		o.beginTeardown(ctx, protocol.CompletionBudgetExhausted, "")
		return
	}

	keyEnv := o.cfg.Keys.Env()
	for slot := 1; slot <= req.ProducerCount; slot++ {
		id := protocol.NewProducerID()
		o.session.roster[id] = &producerEntry{
			id:        id,
			slot:      slot,
			status:    protocol.ProducerStarting,
			spawnedAt: time.Now(),
		}
		go o.spawnProducer(ctx, slot, id, keyEnv, false)
	}
}

func (o *Orchestrator) spawnProducer(ctx context.Context, slot int, id protocol.ProducerID, keyEnv []string, restart bool) {
	handle, err := o.manager.SpawnProducer(ctx, slot, id, keyEnv)
	o.enqueueInternal(event{spawned: &spawnResult{slot: slot, id: id, handle: handle, restart: restart, err: err}})
}

func (o *Orchestrator) handleSpawned(ctx context.Context, res *spawnResult) {
	if o.session == nil {
		if res.handle != nil {
			o.manager.Kill(res.handle.ProcessID)
		}
		return
	}
	entry, ok := o.session.roster[res.id]
	if !ok {
		return
	}

	if res.err != nil {
		o.logger.Error(ctx, "producer spawn failed", "slot", res.slot, "error", res.err)
		entry.status = protocol.ProducerFailed
		entry.handle = nil
		o.restartProducer(ctx, entry)
		return
	}

	entry.handle = res.handle
	entry.status = protocol.ProducerStarting
	entry.spawnedAt = time.Now()
	if res.restart {
		o.metrics.ProducerRestarts.WithLabelValues(strconv.Itoa(res.slot)).Inc()
	}
}

// failSessionIfDead fails the session once every producer slot has exhausted
// its restart budget.
func (o *Orchestrator) failSessionIfDead(ctx context.Context) {
	if o.session == nil || o.session.draining {
		return
	}
	for _, e := range o.session.roster {
		if !e.permanentlyFailed {
			return
		}
	}
	o.beginTeardown(ctx, protocol.CompletionFatalError, "no producers available")
}

// ---- producer updates ----

func (o *Orchestrator) handleProducerUpdate(ctx context.Context, u *protocol.ProducerUpdate) {
	switch u.Type {
	case protocol.UpdReady:
		o.handleProducerReady(ctx, u.Ready)
	case protocol.UpdData:
		o.handleDataUpdate(ctx, u.Data)
	case protocol.UpdStatistics:
		o.handleStatisticsUpdate(ctx, u.Statistics)
	case protocol.UpdSyncAck:
		o.logger.Debug(ctx, "sync acknowledged",
			"sync_id", u.SyncAck.SyncID, "status", u.SyncAck.Status.String())
	case protocol.UpdPong:
		// Heartbeats are recorded per-producer on statistics updates; a
		// pong only proves the command channel is alive.
	case protocol.UpdError:
		o.logger.Warn(ctx, "producer error",
			"code", u.Error.Code, "message", u.Error.Message)
	}
}

func (o *Orchestrator) handleProducerReady(ctx context.Context, ready *protocol.ReadyUpdate) {
	if o.session == nil {
		return
	}
	entry, ok := o.session.roster[ready.ProducerID]
	if !ok {
		o.logger.Warn(ctx, "ready from unknown producer", "producer_id", ready.ProducerID.String())
		return
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(ready.ListenPort)))
	reconnect := entry.commandAddr != ""
	entry.commandAddr = addr
	entry.status = protocol.ProducerRunning
	entry.lastUpdate = time.Now()
	o.manager.MarkReady(protocol.ProducerProcessID(entry.slot), addr)
	o.metrics.ActiveProducers.Set(float64(o.session.activeProducers()))

	if reconnect {
		// Same ProducerID, new stream: replace the channel, do not resend
		// Start.
		o.logger.Info(ctx, "producer reconnected", "producer_id", ready.ProducerID.String(), "addr", addr)
		return
	}

	o.commandSeq++
	start := &protocol.ProducerCommand{
		Type:      protocol.CmdStart,
		CommandID: o.commandSeq,
		Start: &protocol.StartCommand{
			Topic:            o.session.topic,
			Prompt:           o.session.prompt,
			RoutingStrategy:  o.session.strategy,
			GenerationConfig: o.session.genCfg,
		},
	}
	go o.sendCommand(ctx, addr, start)
}

func (o *Orchestrator) handleDataUpdate(ctx context.Context, data *protocol.DataUpdate) {
	if o.session == nil || o.session.draining {
		return
	}
	entry, ok := o.session.roster[data.ProducerID]
	if !ok {
		return
	}
	entry.lastUpdate = time.Now()

	// One iteration is one DataUpdate, empty batches included: each is one
	// completed request/response cycle.
	o.session.iterations++
	o.metrics.Iterations.Inc()
	o.session.recordProviderOutcome(data.ProviderUsed, data.ProviderMetadata)

	status := "success"
	if !data.ProviderMetadata.Success {
		status = "error"
	}
	o.metrics.ProviderRequests.WithLabelValues(data.ProviderUsed.String(), status).Inc()
	o.metrics.ProviderLatency.WithLabelValues(data.ProviderUsed.String()).
		Observe(float64(data.ProviderMetadata.ResponseTimeMillis) / 1000)
	o.metrics.ProviderTokens.WithLabelValues(data.ProviderUsed.String(), "input").
		Add(float64(data.ProviderMetadata.PromptTokens))
	o.metrics.ProviderTokens.WithLabelValues(data.ProviderUsed.String(), "output").
		Add(float64(data.ProviderMetadata.CompletionTokens))

	if len(data.Attributes) > 0 {
		added := o.tracker.FilterUnique(data.Attributes)
		o.metrics.DuplicatesRejected.Add(float64(len(data.Attributes) - len(added)))
		o.metrics.BloomVersion.Set(float64(o.tracker.Version()))

		if len(added) > 0 {
			o.metrics.UniqueAttributes.WithLabelValues(data.ProviderUsed.String()).
				Add(float64(len(added)))
			o.session.out.Queue(added)

			updates := make([]protocol.AttributeUpdate, len(added))
			now := time.Now().Unix()
			for i, attr := range added {
				updates[i] = protocol.AttributeUpdate{
					Content:    attr,
					ProducerID: data.ProducerID,
					Provider:   data.ProviderUsed,
					Timestamp:  now,
				}
			}
			o.sendToWeb(ctx, &protocol.OrchestratorUpdate{
				Type:       protocol.OrchNewAttributes,
				Attributes: &protocol.NewAttributes{Attributes: updates},
			})
		}

		if o.tracker.ShouldDistribute() {
			o.distributeBloom(ctx)
		}
	}

	if o.session.budget != nil && o.session.iterations >= *o.session.budget {
		o.beginTeardown(ctx, protocol.CompletionBudgetExhausted, "")
	}
}

func (o *Orchestrator) handleStatisticsUpdate(ctx context.Context, stats *protocol.StatisticsUpdate) {
	if o.session == nil {
		return
	}
	entry, ok := o.session.roster[stats.ProducerID]
	if !ok {
		return
	}
	entry.lastUpdate = time.Now()
	entry.perf = stats.ProviderPerformance
	// A stats message queued before the producer observed its Start must
	// not regress a running entry to starting.
	if stats.Status != protocol.ProducerStarting || entry.status != protocol.ProducerRunning {
		entry.status = stats.Status
	}
	o.manager.Heartbeat(protocol.ProducerProcessID(entry.slot))
	o.metrics.ActiveProducers.Set(float64(o.session.activeProducers()))

	if stats.Status == protocol.ProducerFailed && !o.session.draining {
		o.logger.Warn(ctx, "producer reported failure",
			"producer_id", stats.ProducerID.String(), "detail", stats.StatusDetail)
		o.restartProducer(ctx, entry)
	}
}

// ---- bloom distribution ----

func (o *Orchestrator) distributeBloom(ctx context.Context) {
	data, version, err := o.tracker.Snapshot()
	if err != nil {
		o.logger.Error(ctx, "bloom snapshot failed", "error", err)
		return
	}
	seen := o.tracker.Recent(o.cfg.SeenValuesPerSync)
	o.tracker.MarkDistributed()
	o.syncSeq++
	o.metrics.BloomPushes.Inc()

	sync := &protocol.ProducerCommand{
		Type: protocol.CmdSyncCheck,
		Sync: &protocol.SyncCheckCommand{
			SyncID:        o.syncSeq,
			BloomFilter:   data,
			BloomVersion:  version,
			SeenValues:    seen,
			RequiresDedup: true,
		},
	}
	for _, entry := range o.session.roster {
		if entry.ready() {
			go o.sendCommand(ctx, entry.commandAddr, sync)
		}
	}
	o.logger.Debug(ctx, "bloom snapshot distributed",
		"version", version, "bytes", len(data), "seen_values", len(seen))
}

// ---- health and restarts ----

func (o *Orchestrator) checkHealth(ctx context.Context) {
	if o.session == nil || o.session.draining {
		return
	}
	now := time.Now()
	for _, entry := range o.session.roster {
		if entry.permanentlyFailed {
			continue
		}
		switch entry.status {
		case protocol.ProducerStarting:
			if entry.handle != nil && entry.handle.Status() == process.StatusFailed {
				o.restartProducer(ctx, entry)
			} else if now.Sub(entry.spawnedAt) > o.cfg.BootstrapTimeout {
				o.logger.Warn(ctx, "producer missed bootstrap deadline",
					"producer_id", entry.id.String(), "slot", entry.slot)
				if entry.handle != nil {
					o.manager.Kill(entry.handle.ProcessID)
				}
				o.restartProducer(ctx, entry)
			}
		case protocol.ProducerRunning:
			if entry.handle != nil && entry.handle.Status() == process.StatusFailed {
				o.logger.Warn(ctx, "producer process died",
					"producer_id", entry.id.String(), "slot", entry.slot)
				o.restartProducer(ctx, entry)
			} else if entry.ready() {
				o.commandSeq++
				ping := &protocol.ProducerCommand{Type: protocol.CmdPing, CommandID: o.commandSeq}
				go o.sendCommand(ctx, entry.commandAddr, ping)
			}
		case protocol.ProducerFailed:
			o.restartProducer(ctx, entry)
		}
	}
}

// restartProducer respawns a slot with the same ProducerID under the restart
// policy: exponential backoff, capped attempts, then the slot is abandoned.
func (o *Orchestrator) restartProducer(ctx context.Context, entry *producerEntry) {
	if entry.restarts >= o.cfg.MaxRestarts {
		if !entry.permanentlyFailed {
			entry.permanentlyFailed = true
			entry.status = protocol.ProducerFailed
			o.logger.Error(ctx, "producer slot abandoned after repeated failures",
				"producer_id", entry.id.String(), "slot", entry.slot, "restarts", entry.restarts)
			o.failSessionIfDead(ctx)
		}
		return
	}

	entry.restarts++
	entry.status = protocol.ProducerStarting
	entry.commandAddr = ""
	oldHandle := entry.handle
	entry.handle = nil
	delay := retry.Backoff(entry.restarts, 500*time.Millisecond, 30*time.Second, 2)
	// Push the bootstrap deadline past the backoff window.
	entry.spawnedAt = time.Now().Add(delay)
	processID := protocol.ProducerProcessID(entry.slot)
	keyEnv := o.cfg.Keys.Env()

	o.logger.Info(ctx, "restarting producer",
		"producer_id", entry.id.String(), "slot", entry.slot,
		"attempt", entry.restarts, "delay", delay.String())

	go func() {
		if oldHandle != nil {
			o.manager.Kill(processID)
			select {
			case <-oldHandle.Exited():
			case <-time.After(process.DefaultStopTimeout):
			}
		}
		o.manager.Remove(processID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		o.spawnProducer(ctx, entry.slot, entry.id, keyEnv, true)
	}()
}

// ---- output, stats, completion ----

func (o *Orchestrator) flushOutput(_ context.Context) {
	if o.session == nil {
		return
	}
	out := o.session.out
	go func() {
		if err := out.Flush("active"); err != nil {
			o.enqueueInternal(event{writeError: err})
		}
	}()
}

func (o *Orchestrator) systemMetrics() *protocol.SystemMetrics {
	m := &protocol.SystemMetrics{
		TotalUniqueAttributes: o.tracker.Count(),
		UptimeSeconds:         uint64(time.Since(o.startedAt).Seconds()),
		BloomVersion:          o.tracker.Version(),
		LastUpdatedUnix:       time.Now().Unix(),
	}
	if o.session != nil {
		m.CurrentTopic = o.session.topic
		m.ActiveProducers = o.session.activeProducers()
		m.Iterations = o.session.iterations
		m.ProviderPerformance = o.session.providerSnapshot()
		minutes := time.Since(o.session.startedAt).Minutes()
		if minutes > 0 {
			m.AttributesPerMinute = float64(o.tracker.Count()) / minutes
		}
	}
	return m
}

func (o *Orchestrator) broadcastStats(ctx context.Context) {
	if o.webAddr == "" {
		return
	}
	o.sendToWeb(ctx, &protocol.OrchestratorUpdate{
		Type:    protocol.OrchStatistics,
		Metrics: o.systemMetrics(),
	})
}

// beginTeardown moves the session into draining and runs the stop sequence
// off-loop: Stop commands, the manager's stop ladder, and a final flush. The
// loop finalizes on the teardownDone event.
func (o *Orchestrator) beginTeardown(ctx context.Context, reason protocol.CompletionReason, detail string) {
	s := o.session
	if s == nil || s.draining {
		return
	}
	s.draining = true
	s.reason = reason
	s.detail = detail
	o.logger.Info(ctx, "session teardown started",
		"topic", s.topic, "reason", reason.String(), "iterations", s.iterations)

	o.commandSeq++
	stop := &protocol.ProducerCommand{Type: protocol.CmdStop, CommandID: o.commandSeq}
	var addrs []string
	var processIDs []protocol.ProcessID
	for _, entry := range s.roster {
		if entry.ready() {
			addrs = append(addrs, entry.commandAddr)
		}
		if entry.handle != nil {
			processIDs = append(processIDs, entry.handle.ProcessID)
		}
	}

	complete := protocol.GenerationComplete{
		Topic:            s.topic,
		TotalIterations:  s.iterations,
		CompletionReason: reason,
		Detail:           detail,
	}
	out := s.out

	go func() {
		for _, addr := range addrs {
			o.sendCommand(ctx, addr, stop)
		}
		var wg sync.WaitGroup
		for _, pid := range processIDs {
			wg.Add(1)
			go func(pid protocol.ProcessID) {
				defer wg.Done()
				_ = o.manager.Stop(ctx, pid)
				o.manager.Remove(pid)
			}(pid)
		}
		wg.Wait()
		if err := out.Flush("completed"); err != nil {
			o.logger.Error(ctx, "final output flush failed", "error", err)
		}
		complete.Timestamp = time.Now().Unix()
		complete.FinalUniqueCount = o.tracker.Count()
		o.enqueueInternal(event{teardownDone: &complete})
	}()
}

func (o *Orchestrator) handleTeardownDone(ctx context.Context, complete *protocol.GenerationComplete) {
	o.logger.Info(ctx, "session complete",
		"topic", complete.Topic,
		"reason", complete.CompletionReason.String(),
		"iterations", complete.TotalIterations,
		"unique", complete.FinalUniqueCount)

	o.metrics.ActiveProducers.Set(0)
	o.session = nil

	o.sendToWeb(ctx, &protocol.OrchestratorUpdate{
		Type:     protocol.OrchGenerationComplete,
		Complete: complete,
	})
	select {
	case o.completions <- *complete:
	default:
	}

	if pending := o.pendingStart; pending != nil {
		o.pendingStart = nil
		o.startSession(ctx, pending)
	}
}

// shutdown tears everything down on orchestrator exit. No child may outlive
// the orchestrator.
func (o *Orchestrator) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if o.session != nil && !o.session.draining {
		o.beginTeardown(ctx, protocol.CompletionUserRequested, "orchestrator shutdown")
	}
	if o.session != nil {
		// Wait for the in-flight teardown to finalize.
		for o.session != nil {
			select {
			case <-ctx.Done():
				o.session = nil
			case ev := <-o.events:
				o.dispatch(ctx, ev)
			}
		}
	}
	o.manager.StopAll(ctx)
	o.logger.Info(ctx, "orchestrator stopped")
}

func (o *Orchestrator) sendCommand(ctx context.Context, addr string, cmd *protocol.ProducerCommand) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := protocol.SendTo(sendCtx, addr, cmd); err != nil {
		o.logger.Warn(ctx, "producer command send failed",
			"addr", addr, "type", cmd.Type.String(), "error", err)
	}
}

func (o *Orchestrator) sendToWeb(ctx context.Context, update *protocol.OrchestratorUpdate) {
	if o.webAddr == "" {
		return
	}
	addr := o.webAddr
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := protocol.SendTo(sendCtx, addr, update); err != nil {
			o.logger.Debug(ctx, "webserver update send failed", "error", err)
		}
	}()
}
