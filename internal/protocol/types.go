// Package protocol defines the wire surface shared by the orchestrator,
// producers, and the webserver: process and producer identifiers, the closed
// provider enum, routing strategies, generation configuration, and the four
// message families that travel over the framed TCP channels.
//
// Payloads are encoded with msgpack; see framing.go for the transport
// discipline (4-byte big-endian length prefix, 10 MiB cap). The schema is
// deliberately closed — adding a provider or a message variant is a protocol
// change, not a configuration change.
package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProcessID tags a running process instance within a run, e.g. "orchestrator",
// "producer-3", "webserver".
type ProcessID string

// Orchestrator is the well-known ProcessID of the coordinator process.
const Orchestrator ProcessID = "orchestrator"

// ProducerProcessID returns the ProcessID for the k-th producer slot.
func ProducerProcessID(slot int) ProcessID {
	return ProcessID(fmt.Sprintf("producer-%d", slot))
}

// ProducerID identifies a producer instance. It is assigned by the
// orchestrator at spawn time, survives TCP reconnects of the same process,
// and changes when the slot is restarted with a new process.
type ProducerID string

// NewProducerID returns a fresh random ProducerID.
func NewProducerID() ProducerID {
	return ProducerID(uuid.NewString())
}

// ParseProducerID validates s as a ProducerID.
func ParseProducerID(s string) (ProducerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid producer id %q: %w", s, err)
	}
	return ProducerID(id.String()), nil
}

func (id ProducerID) String() string { return string(id) }

// Provider is the closed enum of LLM providers on the wire. ProviderRandom is
// a deterministic test provider with no network dependency.
type Provider uint8

const (
	ProviderUnspecified Provider = iota
	ProviderOpenAI
	ProviderAnthropic
	ProviderGemini
	ProviderRandom
)

func (p Provider) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderGemini:
		return "gemini"
	case ProviderRandom:
		return "random"
	default:
		return "unspecified"
	}
}

// ParseProvider maps a provider name to its enum value.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI, nil
	case "anthropic":
		return ProviderAnthropic, nil
	case "gemini", "google":
		return ProviderGemini, nil
	case "random":
		return ProviderRandom, nil
	default:
		return ProviderUnspecified, fmt.Errorf("unknown provider %q", s)
	}
}

// AllProviders lists every real provider plus the test provider, in wire
// order.
func AllProviders() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderRandom}
}

// GenerationConfig controls a single producer request.
type GenerationConfig struct {
	// Model is the provider model identifier, e.g. "gpt-4o-mini".
	Model string `msgpack:"model"`
	// BatchSize is the number of generation calls per loop pass.
	BatchSize int `msgpack:"batch_size"`
	// ContextWindow is the provider context budget used when sizing the
	// prompt exclusion list.
	ContextWindow int `msgpack:"context_window"`
	// MaxTokens bounds the completion length.
	MaxTokens int `msgpack:"max_tokens"`
	// Temperature is the sampling temperature.
	Temperature float32 `msgpack:"temperature"`
	// RequestSize is the number of attributes requested per API call.
	RequestSize int `msgpack:"request_size"`
}

// DefaultGenerationConfig returns the configuration used when a session does
// not override it.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Model:         "",
		BatchSize:     1,
		ContextWindow: 8192,
		MaxTokens:     1000,
		Temperature:   0.7,
		RequestSize:   50,
	}
}

// RoutingKind selects the provider-selection policy.
type RoutingKind uint8

const (
	// RouteRoundRobin cycles through Providers.
	RouteRoundRobin RoutingKind = iota + 1
	// RoutePriorityOrder always picks the first healthy entry of Providers.
	RoutePriorityOrder
	// RouteBackoff uses a single provider with exponential retry on
	// retryable errors.
	RouteBackoff
	// RouteWeighted draws a provider at random proportional to Weights.
	RouteWeighted
)

func (k RoutingKind) String() string {
	switch k {
	case RouteRoundRobin:
		return "round_robin"
	case RoutePriorityOrder:
		return "priority_order"
	case RouteBackoff:
		return "backoff"
	case RouteWeighted:
		return "weighted"
	default:
		return "unknown"
	}
}

// ParseRoutingKind maps a strategy name to its enum value.
func ParseRoutingKind(s string) (RoutingKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "round_robin", "roundrobin":
		return RouteRoundRobin, nil
	case "priority_order", "priority":
		return RoutePriorityOrder, nil
	case "backoff":
		return RouteBackoff, nil
	case "weighted":
		return RouteWeighted, nil
	default:
		return 0, fmt.Errorf("unknown routing strategy %q", s)
	}
}

// RoutingStrategy is the wire form of a provider-selection policy. Which
// fields are meaningful depends on Kind: Providers for RoundRobin and
// PriorityOrder, Provider for Backoff, Weights for Weighted.
type RoutingStrategy struct {
	Kind      RoutingKind          `msgpack:"kind"`
	Providers []Provider           `msgpack:"providers,omitempty"`
	Provider  Provider             `msgpack:"provider,omitempty"`
	Weights   map[Provider]float32 `msgpack:"weights,omitempty"`
}

// RoundRobin builds a cyclic strategy over providers.
func RoundRobin(providers ...Provider) RoutingStrategy {
	return RoutingStrategy{Kind: RouteRoundRobin, Providers: providers}
}

// PriorityOrder builds a fallback-ladder strategy over providers.
func PriorityOrder(providers ...Provider) RoutingStrategy {
	return RoutingStrategy{Kind: RoutePriorityOrder, Providers: providers}
}

// Backoff builds a single-provider strategy with retry.
func Backoff(provider Provider) RoutingStrategy {
	return RoutingStrategy{Kind: RouteBackoff, Provider: provider}
}

// Weighted builds a weighted-random strategy.
func Weighted(weights map[Provider]float32) RoutingStrategy {
	return RoutingStrategy{Kind: RouteWeighted, Weights: weights}
}

// ProducerStatus reports a producer's lifecycle state.
type ProducerStatus uint8

const (
	ProducerStarting ProducerStatus = iota + 1
	ProducerRunning
	ProducerStopping
	ProducerStopped
	ProducerFailed
)

func (s ProducerStatus) String() string {
	switch s {
	case ProducerStarting:
		return "starting"
	case ProducerRunning:
		return "running"
	case ProducerStopping:
		return "stopping"
	case ProducerStopped:
		return "stopped"
	case ProducerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProviderStatus is the health classification of a provider, derived from
// recent call outcomes.
type ProviderStatus uint8

const (
	ProviderUnknown ProviderStatus = iota
	ProviderHealthy
	ProviderDegraded
	ProviderUnhealthy
)

func (s ProviderStatus) String() string {
	switch s {
	case ProviderHealthy:
		return "healthy"
	case ProviderDegraded:
		return "degraded"
	case ProviderUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CompletionReason explains why a topic session ended.
type CompletionReason uint8

const (
	CompletionBudgetExhausted CompletionReason = iota + 1
	CompletionUserRequested
	CompletionFatalError
)

func (r CompletionReason) String() string {
	switch r {
	case CompletionBudgetExhausted:
		return "budget_exhausted"
	case CompletionUserRequested:
		return "user_requested"
	case CompletionFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// ProviderMetadata describes the outcome of one provider API call.
type ProviderMetadata struct {
	ResponseTimeMillis uint64         `msgpack:"response_time_ms"`
	PromptTokens       uint32         `msgpack:"prompt_tokens"`
	CompletionTokens   uint32         `msgpack:"completion_tokens"`
	TotalTokens        uint32         `msgpack:"total_tokens"`
	ProviderStatus     ProviderStatus `msgpack:"provider_status"`
	Success            bool           `msgpack:"success"`
}

// BloomStats reports a producer's local pre-filtering effectiveness.
type BloomStats struct {
	TotalCandidates     uint64  `msgpack:"total_candidates"`
	FilteredCandidates  uint64  `msgpack:"filtered_candidates"`
	FilterEffectiveness float64 `msgpack:"filter_effectiveness"`
	LastFilterUpdate    uint64  `msgpack:"last_filter_update"`
}

// ProviderPerformance aggregates a producer's view of one provider.
type ProviderPerformance struct {
	TotalRequests       uint64         `msgpack:"total_requests"`
	SuccessfulRequests  uint64         `msgpack:"successful_requests"`
	FailedRequests      uint64         `msgpack:"failed_requests"`
	TotalResponseMillis uint64         `msgpack:"total_response_time_ms"`
	TokensInput         uint64         `msgpack:"tokens_used_input"`
	TokensOutput        uint64         `msgpack:"tokens_used_output"`
	ConsecutiveFailures uint32         `msgpack:"consecutive_failures"`
	LastUsedUnix        int64          `msgpack:"last_used_ts,omitempty"`
	LastSuccessUnix     int64          `msgpack:"last_success_ts,omitempty"`
	LastFailureUnix     int64          `msgpack:"last_failure_ts,omitempty"`
	CurrentStatus       ProviderStatus `msgpack:"current_status"`
}

// SuccessRate returns the fraction of requests that succeeded.
func (p ProviderPerformance) SuccessRate() float64 {
	if p.TotalRequests == 0 {
		return 0
	}
	return float64(p.SuccessfulRequests) / float64(p.TotalRequests)
}

// AverageResponseMillis returns the mean response time across all requests.
func (p ProviderPerformance) AverageResponseMillis() uint64 {
	if p.TotalRequests == 0 {
		return 0
	}
	return p.TotalResponseMillis / p.TotalRequests
}

// SystemMetrics is the orchestrator's status snapshot, shared with the
// webserver and dashboard.
type SystemMetrics struct {
	TotalUniqueAttributes uint64                          `msgpack:"total_unique_attributes"`
	AttributesPerMinute   float64                         `msgpack:"attributes_per_minute"`
	CurrentTopic          string                          `msgpack:"current_topic,omitempty"`
	ActiveProducers       uint32                          `msgpack:"active_producers"`
	Iterations            uint64                          `msgpack:"iterations"`
	UptimeSeconds         uint64                          `msgpack:"uptime_seconds"`
	BloomVersion          uint64                          `msgpack:"bloom_version"`
	ProviderPerformance   map[Provider]ProviderPerformance `msgpack:"provider_performance,omitempty"`
	LastUpdatedUnix       int64                           `msgpack:"last_updated"`
}

// AttributeUpdate is one newly unique attribute as broadcast to dashboards.
type AttributeUpdate struct {
	Content    string     `msgpack:"content"`
	ProducerID ProducerID `msgpack:"producer_id"`
	Provider   Provider   `msgpack:"provider"`
	Timestamp  int64      `msgpack:"timestamp"`
}
