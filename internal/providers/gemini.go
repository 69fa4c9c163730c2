package providers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// GeminiClient serves protocol.ProviderGemini via the Gemini API backend.
// The underlying SDK client is created lazily because its constructor needs
// a context.
type GeminiClient struct {
	apiKey string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClient builds a client with the given API key.
func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey}
}

// ID implements Client.
func (c *GeminiClient) ID() protocol.Provider { return protocol.ProviderGemini }

func (c *GeminiClient) init(ctx context.Context) error {
	c.once.Do(func() {
		c.client, c.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return c.initErr
}

// Call implements Client.
func (c *GeminiClient) Call(ctx context.Context, req Request) (*Response, error) {
	model := ModelFor(protocol.ProviderGemini, req.Model)
	if err := c.init(ctx); err != nil {
		return nil, Classify(protocol.ProviderGemini, model, 0, err)
	}
	start := time.Now()

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	})
	if err != nil {
		return nil, Classify(protocol.ProviderGemini, model, geminiStatus(err), err)
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	content := resp.Text()
	if content == "" {
		content = geminiText(resp)
	}

	return &Response{
		Content:      content,
		Usage:        usage,
		ResponseTime: time.Since(start),
	}, nil
}

// geminiStatus extracts an HTTP status from SDK errors where possible.
func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// geminiText extracts text parts directly for responses where the
// convenience accessor comes back empty.
func geminiText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
