package council

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/ranking"
)

// Mode selects how a turn is answered.
type Mode string

const (
	// ModeCouncil runs the full three-stage deliberation.
	ModeCouncil Mode = "council"
	// ModeSolo skips deliberation; the chairman answers directly and only
	// stage-3 events are emitted.
	ModeSolo Mode = "solo"
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeCouncil):
		return ModeCouncil, nil
	case string(ModeSolo):
		return ModeSolo, nil
	default:
		return "", errors.Errorf("unknown mode %q", s)
	}
}

// Config describes the panel for a turn.
type Config struct {
	// PanelModels answer in stage 1 and review in stage 2.
	PanelModels []string `mapstructure:"models" yaml:"models"`
	// Chairman synthesizes in stage 3 and generates titles.
	Chairman string `mapstructure:"chairman" yaml:"chairman"`
	// CallTimeout bounds a single model invocation. A timed-out call is
	// treated exactly like a failed one.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	// MaxTokens per completion; 0 leaves it to the provider.
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens"`
	// ConclusiveGap is the average-rank lead required for a conclusive
	// stage-2 outcome.
	ConclusiveGap float64 `mapstructure:"conclusive_gap" yaml:"conclusive_gap"`
}

func (c *Config) Validate() error {
	if len(c.PanelModels) == 0 {
		return errors.New("no panel models configured")
	}
	if c.Chairman == "" {
		return errors.New("no chairman configured")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.ConclusiveGap <= 0 {
		c.ConclusiveGap = ranking.DefaultConclusiveGap
	}
	return c
}

// AssistantMessage is the durable artifact of a closed turn: everything
// the deliberation produced, including partial sets when the turn was
// aborted mid-flight.
type AssistantMessage struct {
	Stage1            []events.ModelResult       `json:"stage1"`
	Stage2            []events.PeerReview        `json:"stage2,omitempty"`
	Stage3            *events.Synthesis          `json:"stage3,omitempty"`
	LabelToModel      map[string]string          `json:"label_to_model,omitempty"`
	AggregateRankings []ranking.AggregateRanking `json:"aggregate_rankings,omitempty"`
	Title             string                     `json:"title,omitempty"`
	WasAborted        bool                       `json:"was_aborted"`
}

// Recorder is the persistence collaborator the orchestrator hands the
// turn's durable artifacts to.
type Recorder interface {
	SaveAssistantMessage(ctx context.Context, sessionID string, msg *AssistantMessage) error
	RenameSession(ctx context.Context, sessionID string, title string) error
}

// NullRecorder discards everything; used by the local CLI runner.
type NullRecorder struct{}

func (NullRecorder) SaveAssistantMessage(context.Context, string, *AssistantMessage) error {
	return nil
}

func (NullRecorder) RenameSession(context.Context, string, string) error { return nil }

var _ Recorder = NullRecorder{}
