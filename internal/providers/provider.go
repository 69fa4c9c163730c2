// Package providers implements the LLM provider contract: a provider takes
// (model, prompt, max_tokens, temperature) and returns generated text with
// token usage and timing, or a classified failure.
//
// The wire surface is the closed protocol.Provider enum; this package maps
// each enum value to a concrete client. The Random provider is deterministic
// and network-free, for tests and dry runs.
package providers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// DefaultTimeout bounds a single provider call when the caller's context has
// no earlier deadline.
const DefaultTimeout = 30 * time.Second

// Request is one generation call.
type Request struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Usage is the token accounting a provider reports.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Response is a successful generation result.
type Response struct {
	Content      string
	Usage        Usage
	ResponseTime time.Duration
}

// Client is a single LLM provider. Implementations are safe for concurrent
// use.
type Client interface {
	// ID returns the wire enum value this client serves.
	ID() protocol.Provider
	// Call performs one generation request. Errors are *ProviderError when
	// the failure is classifiable.
	Call(ctx context.Context, req Request) (*Response, error)
}

// Registry maps provider enum values to constructed clients.
type Registry struct {
	clients map[protocol.Provider]Client
}

// NewRegistry builds clients for every provider that has a key in keys.
// Random needs no key and is always available.
func NewRegistry(keys Keys) *Registry {
	clients := map[protocol.Provider]Client{
		protocol.ProviderRandom: NewRandomClient(0),
	}
	if key, ok := keys[protocol.ProviderOpenAI]; ok {
		clients[protocol.ProviderOpenAI] = NewOpenAIClient(key)
	}
	if key, ok := keys[protocol.ProviderAnthropic]; ok {
		clients[protocol.ProviderAnthropic] = NewAnthropicClient(key)
	}
	if key, ok := keys[protocol.ProviderGemini]; ok {
		clients[protocol.ProviderGemini] = NewGeminiClient(key)
	}
	return &Registry{clients: clients}
}

// Client returns the client for p.
func (r *Registry) Client(p protocol.Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("providers: no client configured for %s", p)
	}
	return c, nil
}

// Available lists the providers with configured clients, in wire order.
func (r *Registry) Available() []protocol.Provider {
	var out []protocol.Provider
	for _, p := range protocol.AllProviders() {
		if _, ok := r.clients[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether p has a configured client.
func (r *Registry) Has(p protocol.Provider) bool {
	_, ok := r.clients[p]
	return ok
}

// Call dispatches one request to the named provider with the default timeout
// applied when the context carries none.
func (r *Registry) Call(ctx context.Context, p protocol.Provider, req Request) (*Response, error) {
	client, err := r.Client(p)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	return client.Call(ctx, req)
}

// modelEnvOverrides maps providers to the environment variable that overrides
// their default model.
var modelEnvOverrides = map[protocol.Provider]string{
	protocol.ProviderOpenAI:    "OPENAI_API_MODEL",
	protocol.ProviderAnthropic: "ANTHROPIC_API_MODEL",
	protocol.ProviderGemini:    "GEMINI_API_MODEL",
}

// defaultModels are used when neither the generation config nor the
// environment names a model.
var defaultModels = map[protocol.Provider]string{
	protocol.ProviderOpenAI:    "gpt-4o-mini",
	protocol.ProviderAnthropic: "claude-3-5-haiku-latest",
	protocol.ProviderGemini:    "gemini-2.0-flash",
	protocol.ProviderRandom:    "random-v1",
}

// ModelFor resolves the model for a provider: explicit config value, then
// environment override, then the provider default.
func ModelFor(p protocol.Provider, configured string) string {
	if configured != "" {
		return configured
	}
	if env, ok := modelEnvOverrides[p]; ok {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return defaultModels[p]
}

// Limits describes a provider's context budget, used when sizing prompt
// exclusion lists.
type Limits struct {
	ContextWindow int
	MaxOutput     int
	TokensPerWord float32
}

// LimitsFor returns per-provider context limits.
func LimitsFor(p protocol.Provider) Limits {
	switch p {
	case protocol.ProviderOpenAI:
		return Limits{ContextWindow: 128_000, MaxOutput: 16_384, TokensPerWord: 1.3}
	case protocol.ProviderAnthropic:
		return Limits{ContextWindow: 200_000, MaxOutput: 8_192, TokensPerWord: 1.3}
	case protocol.ProviderGemini:
		return Limits{ContextWindow: 1_000_000, MaxOutput: 8_192, TokensPerWord: 1.2}
	default:
		return Limits{ContextWindow: 8_192, MaxOutput: 1_000, TokensPerWord: 1.0}
	}
}
