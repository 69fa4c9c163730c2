package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// RandomClient is the deterministic test provider: no network, synthetic
// output seeded from the prompt so identical requests yield identical
// responses while distinct prompts diverge.
type RandomClient struct {
	seed int64
}

// NewRandomClient builds a random client. A zero seed derives everything
// from the prompt alone.
func NewRandomClient(seed int64) *RandomClient {
	return &RandomClient{seed: seed}
}

// ID implements Client.
func (c *RandomClient) ID() protocol.Provider { return protocol.ProviderRandom }

var (
	randomAdjectives = []string{
		"ancient", "brisk", "coastal", "dusty", "emerald", "fabled", "gilded",
		"hidden", "iron", "jade", "kindred", "lunar", "mossy", "northern",
		"opal", "painted", "quiet", "rustic", "silver", "twilight",
	}
	randomNouns = []string{
		"archway", "basin", "citadel", "delta", "escarpment", "fjord",
		"grove", "harbor", "isthmus", "junction", "knoll", "lagoon",
		"meadow", "notch", "outcrop", "plateau", "quarry", "ridge",
		"summit", "terrace",
	}
)

// Call implements Client. The response is a newline-separated list of
// synthetic lowercase tokens, shaped like real provider output so the
// extraction path is exercised end to end.
func (c *RandomClient) Call(_ context.Context, req Request) (*Response, error) {
	start := time.Now()

	h := fnv.New64a()
	h.Write([]byte(req.Prompt))
	rng := rand.New(rand.NewSource(c.seed + int64(h.Sum64()))) // #nosec G404 -- deterministic test data

	count := 10
	if req.MaxTokens > 0 && req.MaxTokens/10 < count {
		count = req.MaxTokens / 10
	}
	if count < 1 {
		count = 1
	}

	var b strings.Builder
	for i := 0; i < count; i++ {
		adj := randomAdjectives[rng.Intn(len(randomAdjectives))]
		noun := randomNouns[rng.Intn(len(randomNouns))]
		fmt.Fprintf(&b, "%s%s%d\n", adj, noun, rng.Intn(1000))
	}
	content := b.String()

	promptTokens := len(strings.Fields(req.Prompt))
	return &Response{
		Content: content,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: count * 2,
		},
		ResponseTime: time.Since(start),
	}, nil
}
