package inference

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine talks to any OpenAI-compatible chat completion endpoint
// (OpenAI, OpenRouter, local gateways) in streaming mode.
type OpenAIEngine struct {
	client *openai.Client
}

func NewOpenAIEngine(apiKey string, options ...Option) *OpenAIEngine {
	cfg := NewConfig(apiKey, options...)

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIEngine{client: openai.NewClientWithConfig(clientConfig)}
}

func (e *OpenAIEngine) RunInference(ctx context.Context, req *Request, stream TextStream) (*Response, error) {
	if req.Model == "" {
		return nil, errors.New("no model specified")
	}
	if stream == nil {
		stream = NullStream{}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	start := time.Now()
	log.Debug().Str("model", req.Model).Int("num_messages", len(messages)).Msg("starting streaming inference")

	s, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open completion stream for %s", req.Model)
	}
	defer func() {
		_ = s.Close()
	}()

	var (
		text      string
		reasoning string
		usage     *openai.Usage
	)

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Debug().Str("model", req.Model).Msg("inference interrupted")
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(err, "stream receive failed for %s", req.Model)
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text += delta.Content
			stream.Delta(delta.Content)
		}
		if delta.ReasoningContent != "" {
			reasoning += delta.ReasoningContent
			stream.ReasoningDelta(delta.ReasoningContent)
		}
	}

	resp := &Response{
		Text:      text,
		Reasoning: reasoning,
		Duration:  time.Since(start),
	}
	if usage != nil {
		resp.Usage = Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		}
		if usage.CompletionTokensDetails != nil {
			resp.Usage.ReasoningTokens = usage.CompletionTokensDetails.ReasoningTokens
		}
	} else {
		resp.Usage = EstimateUsage(req, resp)
		resp.UsageEstimated = true
	}

	log.Debug().
		Str("model", req.Model).
		Dur("duration", resp.Duration).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Bool("usage_estimated", resp.UsageEstimated).
		Msg("inference completed")

	return resp, nil
}

var _ Engine = (*OpenAIEngine)(nil)
