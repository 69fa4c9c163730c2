package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

func TestRandomProviderDeterministic(t *testing.T) {
	client := NewRandomClient(7)
	req := Request{Prompt: "Generate attributes about: lighthouses", MaxTokens: 500}

	first, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	second, err := client.Call(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.NotEmpty(t, first.Content)
	assert.NotZero(t, first.Usage.CompletionTokens)
}

func TestRandomProviderVariesByPrompt(t *testing.T) {
	client := NewRandomClient(7)
	a, err := client.Call(context.Background(), Request{Prompt: "topic one", MaxTokens: 500})
	require.NoError(t, err)
	b, err := client.Call(context.Background(), Request{Prompt: "topic two", MaxTokens: 500})
	require.NoError(t, err)
	assert.NotEqual(t, a.Content, b.Content)
}

func TestRandomProviderRespectsTokenBudget(t *testing.T) {
	client := NewRandomClient(0)
	resp, err := client.Call(context.Background(), Request{Prompt: "small", MaxTokens: 20})
	require.NoError(t, err)
	// 20 max tokens allows at most two lines.
	lines := 0
	for _, l := range splitLines(resp.Content) {
		if l != "" {
			lines++
		}
	}
	assert.LessOrEqual(t, lines, 2)
	assert.GreaterOrEqual(t, lines, 1)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestRegistryConfiguration(t *testing.T) {
	reg := NewRegistry(Keys{
		protocol.ProviderOpenAI: "sk-test-key-0123456789abcdef",
	})

	assert.True(t, reg.Has(protocol.ProviderOpenAI))
	assert.True(t, reg.Has(protocol.ProviderRandom))
	assert.False(t, reg.Has(protocol.ProviderAnthropic))
	assert.Equal(t, []protocol.Provider{protocol.ProviderOpenAI, protocol.ProviderRandom}, reg.Available())

	_, err := reg.Client(protocol.ProviderGemini)
	assert.Error(t, err)
}

func TestRegistryCallDispatchesRandom(t *testing.T) {
	reg := NewRegistry(Keys{})
	resp, err := reg.Call(context.Background(), protocol.ProviderRandom, Request{Prompt: "anything", MaxTokens: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
}

func TestFailReasonRetryability(t *testing.T) {
	assert.True(t, ReasonRateLimit.Retryable())
	assert.True(t, ReasonTimeout.Retryable())
	assert.True(t, ReasonServerError.Retryable())
	assert.False(t, ReasonAuth.Retryable())
	assert.False(t, ReasonQuota.Retryable())
	assert.False(t, ReasonInvalidRequest.Retryable())
	assert.False(t, ReasonUnknown.Retryable())
}

func TestReasonFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FailReason
	}{
		{http.StatusTooManyRequests, ReasonRateLimit},
		{http.StatusUnauthorized, ReasonAuth},
		{http.StatusForbidden, ReasonAuth},
		{http.StatusPaymentRequired, ReasonQuota},
		{http.StatusBadRequest, ReasonInvalidRequest},
		{http.StatusInternalServerError, ReasonServerError},
		{http.StatusBadGateway, ReasonServerError},
		{0, ReasonUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonFromStatus(tt.status), "status %d", tt.status)
	}
}

func TestClassifyDeadlineAsTimeout(t *testing.T) {
	err := Classify(protocol.ProviderOpenAI, "gpt-4o-mini", 0, context.DeadlineExceeded)
	assert.Equal(t, ReasonTimeout, err.Reason)
	assert.True(t, Retryable(err))
}

func TestRetryableOnWrappedErrors(t *testing.T) {
	inner := &ProviderError{Reason: ReasonRateLimit, Provider: protocol.ProviderGemini}
	wrapped := errors.Join(errors.New("call failed"), inner)
	assert.True(t, Retryable(wrapped))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestValidateKeys(t *testing.T) {
	tests := []struct {
		name    string
		keys    Keys
		wantErr bool
	}{
		{"valid openai", Keys{protocol.ProviderOpenAI: "sk-0123456789abcdef0123"}, false},
		{"openai bad prefix", Keys{protocol.ProviderOpenAI: "pk-0123456789abcdef"}, true},
		{"valid anthropic", Keys{protocol.ProviderAnthropic: "sk-ant-api03-xyz"}, false},
		{"anthropic bad prefix", Keys{protocol.ProviderAnthropic: "sk-not-ant"}, true},
		{"gemini long enough", Keys{protocol.ProviderGemini: "AIzaSyA1234567890abcdef"}, false},
		{"gemini too short", Keys{protocol.ProviderGemini: "AIza"}, true},
		{"random only", Keys{protocol.ProviderRandom: "dummy"}, false},
		{"empty", Keys{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeys(tt.keys)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadKeysRandomOnly(t *testing.T) {
	keys, err := LoadKeys(true)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, protocol.ProviderRandom)
}

func TestModelForPrecedence(t *testing.T) {
	assert.Equal(t, "custom", ModelFor(protocol.ProviderOpenAI, "custom"))

	t.Setenv("OPENAI_API_MODEL", "gpt-override")
	assert.Equal(t, "gpt-override", ModelFor(protocol.ProviderOpenAI, ""))

	t.Setenv("OPENAI_API_MODEL", "")
	assert.Equal(t, "gpt-4o-mini", ModelFor(protocol.ProviderOpenAI, ""))
}

func TestLimitsFor(t *testing.T) {
	openaiLimits := LimitsFor(protocol.ProviderOpenAI)
	randomLimits := LimitsFor(protocol.ProviderRandom)
	assert.Greater(t, openaiLimits.ContextWindow, randomLimits.ContextWindow)
	assert.NotZero(t, randomLimits.TokensPerWord)
}
