// Package web implements the dashboard webserver: a relay between operator
// HTTP/WebSocket clients and the orchestrator. It holds no authoritative
// state — the latest metrics snapshot and a short ring of recent attributes
// are caches for the dashboard, rebuilt from the orchestrator's broadcast
// stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/protocol"
)

const (
	// recentAttributes bounds the dashboard's recent-attribute ring.
	recentAttributes = 100

	// commandTimeout bounds the wait for the orchestrator's CommandResult.
	commandTimeout = 10 * time.Second
)

// Config wires a Server.
type Config struct {
	// HTTPAddr is the REST/WebSocket listen address, e.g. "127.0.0.1:8080".
	HTTPAddr string
	// OrchestratorAddr receives WebServerRequests.
	OrchestratorAddr string
	// UpdateListenAddr receives OrchestratorUpdates; port 0 binds ephemeral.
	UpdateListenAddr string
	// Logger is required.
	Logger *observability.Logger
}

// Server is the webserver process runtime.
type Server struct {
	cfg    Config
	logger *observability.Logger
	hub    *hub

	httpLn   net.Listener
	updateLn net.Listener

	mu          sync.Mutex
	requestSeq  uint64
	pending     map[uint64]chan *protocol.CommandResult
	lastMetrics *protocol.SystemMetrics
	recent      []protocol.AttributeUpdate
	lastResult  *protocol.GenerationComplete
	orchSeen    time.Time
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.UpdateListenAddr == "" {
		cfg.UpdateListenAddr = "127.0.0.1:0"
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		hub:     newHub(cfg.Logger),
		pending: make(map[uint64]chan *protocol.CommandResult),
	}
}

// Run binds both listeners, performs the Ready handshake, and serves until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	updateLn, err := net.Listen("tcp", s.cfg.UpdateListenAddr)
	if err != nil {
		return fmt.Errorf("web: bind update listener: %w", err)
	}
	s.updateLn = updateLn

	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = updateLn.Close()
		return fmt.Errorf("web: bind http listener: %w", err)
	}
	s.httpLn = httpLn

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = protocol.Serve(serveCtx, updateLn, func(u *protocol.OrchestratorUpdate) {
			s.handleUpdate(serveCtx, u)
		})
	}()
	go s.hub.cleanupLoop(serveCtx)

	ready := &protocol.WebServerRequest{
		Type: protocol.ReqReady,
		Ready: &protocol.WebReady{
			ListenPort: uint16(updateLn.Addr().(*net.TCPAddr).Port),
			HTTPPort:   uint16(httpLn.Addr().(*net.TCPAddr).Port),
		},
	}
	if err := protocol.SendTo(ctx, s.cfg.OrchestratorAddr, ready); err != nil {
		return fmt.Errorf("web: ready handshake: %w", err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-serveCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "webserver listening",
		"http_addr", httpLn.Addr().String(),
		"update_addr", updateLn.Addr().String())
	if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: http serve: %w", err)
	}
	return nil
}

// HTTPAddr returns the bound HTTP address.
func (s *Server) HTTPAddr() string { return s.httpLn.Addr().String() }

// handleUpdate folds one orchestrator update into the dashboard caches and
// relays it to websocket clients.
func (s *Server) handleUpdate(ctx context.Context, u *protocol.OrchestratorUpdate) {
	s.mu.Lock()
	s.orchSeen = time.Now()
	s.mu.Unlock()

	switch u.Type {
	case protocol.OrchStatistics:
		s.mu.Lock()
		s.lastMetrics = u.Metrics
		s.mu.Unlock()
		s.hub.broadcast(wsEvent{Type: "statistics_update", Payload: metricsView(u.Metrics)})
	case protocol.OrchNewAttributes:
		s.mu.Lock()
		s.recent = append(s.recent, u.Attributes.Attributes...)
		if len(s.recent) > recentAttributes {
			s.recent = s.recent[len(s.recent)-recentAttributes:]
		}
		s.mu.Unlock()
		s.hub.broadcast(wsEvent{Type: "new_attributes", Payload: attributesView(u.Attributes.Attributes)})
	case protocol.OrchGenerationComplete:
		s.mu.Lock()
		s.lastResult = u.Complete
		s.mu.Unlock()
		s.hub.broadcast(wsEvent{Type: "generation_complete", Payload: completeView(u.Complete)})
	case protocol.OrchError:
		s.hub.broadcast(wsEvent{Type: "error", Payload: u.Error})
	case protocol.OrchCommandResult:
		s.mu.Lock()
		ch, ok := s.pending[u.Result.RequestID]
		if ok {
			delete(s.pending, u.Result.RequestID)
		}
		s.mu.Unlock()
		if ok {
			ch <- u.Result
		} else {
			s.logger.Debug(ctx, "unmatched command result", "request_id", u.Result.RequestID)
		}
	}
}

// sendRequest forwards a request to the orchestrator and waits for its
// CommandResult.
func (s *Server) sendRequest(ctx context.Context, req *protocol.WebServerRequest) (*protocol.CommandResult, error) {
	s.mu.Lock()
	s.requestSeq++
	req.RequestID = s.requestSeq
	ch := make(chan *protocol.CommandResult, 1)
	s.pending[req.RequestID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
	}()

	if err := protocol.SendTo(ctx, s.cfg.OrchestratorAddr, req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		return result, nil
	case <-time.After(commandTimeout):
		return nil, fmt.Errorf("web: orchestrator did not acknowledge request %d", req.RequestID)
	}
}

// orchestratorConnected reports whether an update arrived recently.
func (s *Server) orchestratorConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.orchSeen.IsZero() && time.Since(s.orchSeen) < 10*time.Second
}

// View shapes for JSON payloads; enums render as strings.

func metricsView(m *protocol.SystemMetrics) map[string]any {
	if m == nil {
		return nil
	}
	perProvider := make(map[string]any, len(m.ProviderPerformance))
	for p, perf := range m.ProviderPerformance {
		perProvider[p.String()] = map[string]any{
			"total_requests":           perf.TotalRequests,
			"successful_requests":      perf.SuccessfulRequests,
			"failed_requests":          perf.FailedRequests,
			"success_rate":             perf.SuccessRate(),
			"average_response_time_ms": perf.AverageResponseMillis(),
			"tokens_input":             perf.TokensInput,
			"tokens_output":            perf.TokensOutput,
			"consecutive_failures":     perf.ConsecutiveFailures,
			"status":                   perf.CurrentStatus.String(),
		}
	}
	return map[string]any{
		"total_unique_attributes": m.TotalUniqueAttributes,
		"attributes_per_minute":   m.AttributesPerMinute,
		"current_topic":           m.CurrentTopic,
		"active_producers":        m.ActiveProducers,
		"iterations":              m.Iterations,
		"uptime_seconds":          m.UptimeSeconds,
		"bloom_version":           m.BloomVersion,
		"provider_performance":    perProvider,
		"last_updated":            m.LastUpdatedUnix,
	}
}

func attributesView(attrs []protocol.AttributeUpdate) []map[string]any {
	out := make([]map[string]any, len(attrs))
	for i, a := range attrs {
		out[i] = map[string]any{
			"content":     a.Content,
			"producer_id": a.ProducerID.String(),
			"provider":    a.Provider.String(),
			"timestamp":   a.Timestamp,
		}
	}
	return out
}

func completeView(c *protocol.GenerationComplete) map[string]any {
	return map[string]any{
		"timestamp":          c.Timestamp,
		"topic":              c.Topic,
		"total_iterations":   c.TotalIterations,
		"final_unique_count": c.FinalUniqueCount,
		"completion_reason":  c.CompletionReason.String(),
		"detail":             c.Detail,
	}
}
