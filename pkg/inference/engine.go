package inference

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

type Response struct {
	Text      string
	Reasoning string
	Duration  time.Duration
	Usage     Usage
	// true when the provider stream reported no usage and the counts were
	// estimated locally
	UsageEstimated bool
}

// TextStream receives incremental text while an inference call runs.
// Implementations must be cheap; they are called from the stream read loop.
type TextStream interface {
	Delta(text string)
	ReasoningDelta(text string)
}

// NullStream discards all deltas.
type NullStream struct{}

func (NullStream) Delta(string)          {}
func (NullStream) ReasoningDelta(string) {}

var _ TextStream = NullStream{}

// Engine runs a single model invocation. Implementations stream partial
// text through the TextStream and return the final accumulated response.
// Cancelling ctx stops the call; the returned error is then ctx.Err().
type Engine interface {
	RunInference(ctx context.Context, req *Request, stream TextStream) (*Response, error)
}
