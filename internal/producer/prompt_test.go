package producer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

func TestOptimalExclusionsScalesWithOutputBudget(t *testing.T) {
	var b promptBuilder
	lowOutput := protocol.GenerationConfig{MaxTokens: 1_000, ContextWindow: 128_000}
	highOutput := protocol.GenerationConfig{MaxTokens: 10_000, ContextWindow: 128_000}

	low := b.optimalExclusions(protocol.ProviderOpenAI, lowOutput)
	high := b.optimalExclusions(protocol.ProviderOpenAI, highOutput)

	assert.Greater(t, low, high, "smaller output budget leaves more room for exclusions")
	assert.GreaterOrEqual(t, high, minExclusions)
}

func TestOptimalExclusionsProviderDifferences(t *testing.T) {
	var b promptBuilder
	cfg := protocol.GenerationConfig{MaxTokens: 1_000}

	openai := b.optimalExclusions(protocol.ProviderOpenAI, cfg)
	random := b.optimalExclusions(protocol.ProviderRandom, cfg)
	assert.Greater(t, openai, random, "larger context window allows more exclusions")
}

func TestOptimalExclusionsLowerBound(t *testing.T) {
	var b promptBuilder
	// A tiny context leaves no token budget but the floor still applies.
	cfg := protocol.GenerationConfig{MaxTokens: 9_000, ContextWindow: 1_000}
	assert.Equal(t, minExclusions, b.optimalExclusions(protocol.ProviderRandom, cfg))
}

func TestBuildPromptNoSeenValues(t *testing.T) {
	var b promptBuilder
	cfg := protocol.GenerationConfig{RequestSize: 25, MaxTokens: 500}

	prompt := b.build("french cheeses", protocol.ProviderRandom, cfg, nil, 0, 0)
	assert.Contains(t, prompt, "Generate 25 new entries about: french cheeses")
	assert.Contains(t, prompt, "Previous entries:\nNone")
	assert.NotContains(t, prompt, "DEDUPLICATION SYSTEM")
}

func TestBuildPromptEmbedsRecentExclusions(t *testing.T) {
	var b promptBuilder
	cfg := protocol.GenerationConfig{RequestSize: 10, MaxTokens: 500}
	seen := []string{"brie", "camembert", "roquefort"}

	prompt := b.build("french cheeses", protocol.ProviderRandom, cfg, seen, 3, 0.01)
	assert.Contains(t, prompt, "brie")
	assert.Contains(t, prompt, "roquefort")
	assert.Contains(t, prompt, "(showing all 3 entries)")
	assert.Contains(t, prompt, "DEDUPLICATION SYSTEM ACTIVE")
}

func TestBuildPromptTruncatesToMostRecent(t *testing.T) {
	var b promptBuilder
	// Random provider with a large output request: floor of 10 exclusions.
	cfg := protocol.GenerationConfig{RequestSize: 10, MaxTokens: 9_000, ContextWindow: 1_000}

	seen := make([]string, 40)
	for i := range seen {
		seen[i] = fmt.Sprintf("entry%02d", i)
	}
	prompt := b.build("topic", protocol.ProviderRandom, cfg, seen, 40, 0)

	assert.NotContains(t, prompt, "entry00")
	assert.Contains(t, prompt, "entry39")
	assert.Contains(t, prompt, "(showing 10 most recent of 40 total)")
}

func TestBuildPromptDefaultRequestSize(t *testing.T) {
	var b promptBuilder
	prompt := b.build("topic", protocol.ProviderRandom, protocol.GenerationConfig{}, nil, 0, 0)
	assert.True(t, strings.HasPrefix(prompt, "Generate 50 new entries about: topic"))
}
