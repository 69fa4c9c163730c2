package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// AnthropicClient serves protocol.ProviderAnthropic via the messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client with the given API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// ID implements Client.
func (c *AnthropicClient) ID() protocol.Provider { return protocol.ProviderAnthropic }

// Call implements Client.
func (c *AnthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	model := ModelFor(protocol.ProviderAnthropic, req.Model)
	start := time.Now()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, Classify(protocol.ProviderAnthropic, model, status, err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
		ResponseTime: time.Since(start),
	}, nil
}
