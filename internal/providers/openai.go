package providers

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// OpenAIClient serves protocol.ProviderOpenAI via the chat completions API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client with the given API key.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClient(apiKey)}
}

// ID implements Client.
func (c *OpenAIClient) ID() protocol.Provider { return protocol.ProviderOpenAI }

// Call implements Client.
func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	model := ModelFor(protocol.ProviderOpenAI, req.Model)
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		status := 0
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.HTTPStatusCode
		}
		return nil, Classify(protocol.ProviderOpenAI, model, status, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Reason:   ReasonUnknown,
			Provider: protocol.ProviderOpenAI,
			Model:    model,
			Message:  "response contained no choices",
		}
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		ResponseTime: time.Since(start),
	}, nil
}
