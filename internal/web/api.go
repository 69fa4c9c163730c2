package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// startRequestBody is the POST /api/start payload.
type startRequestBody struct {
	Topic         string             `json:"topic"`
	ProducerCount int                `json:"producer_count"`
	Iterations    *uint64            `json:"iterations,omitempty"`
	Prompt        string             `json:"prompt,omitempty"`
	Routing       *routingConfigBody `json:"routing_strategy,omitempty"`
	RequestSize   int                `json:"request_size,omitempty"`
}

// routingConfigBody is the JSON shape of a routing strategy.
type routingConfigBody struct {
	Strategy  string             `json:"strategy"`
	Providers []string           `json:"providers,omitempty"`
	Provider  string             `json:"provider,omitempty"`
	Weights   map[string]float32 `json:"weights,omitempty"`
}

func (b *routingConfigBody) toStrategy() (*protocol.RoutingStrategy, error) {
	kind, err := protocol.ParseRoutingKind(b.Strategy)
	if err != nil {
		return nil, err
	}
	strategy := &protocol.RoutingStrategy{Kind: kind}
	for _, name := range b.Providers {
		p, err := protocol.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		strategy.Providers = append(strategy.Providers, p)
	}
	if b.Provider != "" {
		p, err := protocol.ParseProvider(b.Provider)
		if err != nil {
			return nil, err
		}
		strategy.Provider = p
	}
	if len(b.Weights) > 0 {
		strategy.Weights = make(map[protocol.Provider]float32, len(b.Weights))
		for name, w := range b.Weights {
			p, err := protocol.ParseProvider(name)
			if err != nil {
				return nil, err
			}
			strategy.Weights[p] = w
		}
	}
	return strategy, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func writeResult(w http.ResponseWriter, status int, success bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResult(w, http.StatusBadRequest, false, "invalid JSON body: "+err.Error())
		return
	}
	if body.Topic == "" {
		writeResult(w, http.StatusBadRequest, false, "topic is required")
		return
	}
	if body.ProducerCount < 1 {
		writeResult(w, http.StatusBadRequest, false, "producer_count must be at least 1")
		return
	}

	start := &protocol.StartGeneration{
		Topic:         body.Topic,
		ProducerCount: body.ProducerCount,
		Iterations:    body.Iterations,
		Prompt:        body.Prompt,
	}
	if body.Routing != nil {
		strategy, err := body.Routing.toStrategy()
		if err != nil {
			writeResult(w, http.StatusBadRequest, false, err.Error())
			return
		}
		start.RoutingStrategy = strategy
	}
	if body.RequestSize > 0 {
		cfg := protocol.DefaultGenerationConfig()
		cfg.RequestSize = body.RequestSize
		start.GenerationConfig = &cfg
	}

	result, err := s.sendRequest(r.Context(), &protocol.WebServerRequest{
		Type:  protocol.ReqStartGeneration,
		Start: start,
	})
	if err != nil {
		writeResult(w, http.StatusBadGateway, false, err.Error())
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeResult(w, status, result.Success, result.Message)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.sendRequest(r.Context(), &protocol.WebServerRequest{
		Type: protocol.ReqStopGeneration,
	})
	if err != nil {
		writeResult(w, http.StatusBadGateway, false, err.Error())
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeResult(w, status, result.Success, result.Message)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"server_status":          "running",
		"connected_clients":      s.hub.count(),
		"orchestrator_connected": s.orchestratorConnected(),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	metrics := s.lastMetrics
	recent := make([]protocol.AttributeUpdate, len(s.recent))
	copy(recent, s.recent)
	lastResult := s.lastResult
	s.mu.Unlock()

	payload := map[string]any{
		"metrics":           metricsView(metrics),
		"recent_attributes": attributesView(recent),
	}
	if lastResult != nil {
		payload["last_generation"] = completeView(lastResult)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// The hijacked connection outlives the handler; its lifetime is bound
	// by the pumps, not the request context.
	c := s.hub.add(context.WithoutCancel(r.Context()), conn)
	go s.hub.readPump(c)
}
