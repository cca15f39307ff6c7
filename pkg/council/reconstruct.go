package council

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/ranking"
)

// View is the display-ready state of one turn, rebuilt purely from the
// event log. Partial maps hold per-model text still streaming; completed
// results live in the stage slices.
type View struct {
	Stage events.Stage

	Stage1        []events.ModelResult
	Stage1Partial map[string]string

	Stage2        []events.PeerReview
	Stage2Partial map[string]string

	Synthesis        *events.Synthesis
	AnswerPartial    string
	ReasoningPartial string

	LabelToModel      map[string]string
	AggregateRankings []ranking.AggregateRanking

	Title       string
	UserMessage string
	Err         string
	Done        bool
	WasAborted  bool
}

type chunkKey struct {
	stage     events.Stage
	model     string
	reasoning bool
}

// Reconstructor folds an ordered event sequence into a View without
// re-deriving any orchestration logic. It is the single writer of its
// View; callers read snapshots.
//
// Chunk deltas are coalesced: they accumulate in a pending buffer and are
// applied on Flush. Every structural event forces a flush first, so
// ordering relative to structural events is always preserved.
type Reconstructor struct {
	view    View
	pending map[chunkKey]*strings.Builder
	order   []chunkKey
}

func NewReconstructor() *Reconstructor {
	return &Reconstructor{
		view: View{
			Stage:         events.StageIdle,
			Stage1Partial: map[string]string{},
			Stage2Partial: map[string]string{},
		},
		pending: map[chunkKey]*strings.Builder{},
	}
}

// Apply folds one event into the state. Unknown event types are an error;
// the protocol is a closed union.
func (r *Reconstructor) Apply(ev events.Event) error {
	switch e := ev.(type) {
	case *events.EventHeartbeat:
		return nil

	case *events.EventChunk:
		r.buffer(chunkKey{stage: events.StageOf(e.Type()), model: e.Model}, e.Delta)
		return nil

	case *events.EventReasoningChunk:
		r.buffer(chunkKey{stage: events.Stage3, reasoning: true}, e.Delta)
		return nil

	case *events.EventStageStart:
		r.Flush()
		r.view.Stage = events.StageOf(e.Type())
		return nil

	case *events.EventStage1Response:
		r.Flush()
		r.view.Stage1 = append(r.view.Stage1, e.Data)
		delete(r.view.Stage1Partial, e.Data.Model)
		return nil

	case *events.EventStage1Complete:
		r.Flush()
		// defensive: a chunk may straggle in after the last response
		r.view.Stage1Partial = map[string]string{}
		return nil

	case *events.EventStage2Response:
		r.Flush()
		r.view.Stage2 = append(r.view.Stage2, e.Data)
		delete(r.view.Stage2Partial, e.Data.Model)
		return nil

	case *events.EventStage2Complete:
		r.Flush()
		r.view.Stage2Partial = map[string]string{}
		r.view.LabelToModel = e.Data.LabelToModel
		r.view.AggregateRankings = e.Data.AggregateRankings
		return nil

	case *events.EventStage3Response:
		r.Flush()
		data := e.Data
		r.view.Synthesis = &data
		r.view.AnswerPartial = ""
		r.view.ReasoningPartial = ""
		return nil

	case *events.EventTitleComplete:
		r.view.Title = e.Data.Title
		return nil

	case *events.EventReconnected:
		r.Flush()
		r.view.Stage = e.Stage
		if e.UserMessage != "" {
			r.view.UserMessage = e.UserMessage
		}
		return nil

	case *events.EventComplete:
		r.Flush()
		r.view.Done = true
		r.view.WasAborted = e.WasAborted
		if e.WasAborted {
			r.view.Stage = events.StageAborted
		} else {
			r.view.Stage = events.StageComplete
		}
		return nil

	case *events.EventError:
		// partial results stay visible as a best-effort view
		r.Flush()
		r.view.Done = true
		r.view.Err = e.ErrorString
		r.view.Stage = events.StageError
		return nil

	default:
		return errors.Errorf("unknown event type %q", ev.Type())
	}
}

func (r *Reconstructor) buffer(key chunkKey, delta string) {
	b, ok := r.pending[key]
	if !ok {
		b = &strings.Builder{}
		r.pending[key] = b
		r.order = append(r.order, key)
	}
	b.WriteString(delta)
}

// Flush applies all buffered chunk deltas as one state update. Consumers
// typically call it once per rendering frame; Apply calls it implicitly
// before any structural event.
func (r *Reconstructor) Flush() {
	if len(r.order) == 0 {
		return
	}
	for _, key := range r.order {
		text := r.pending[key].String()
		switch {
		case key.stage == events.Stage1:
			r.view.Stage1Partial[key.model] += text
		case key.stage == events.Stage2:
			r.view.Stage2Partial[key.model] += text
		case key.reasoning:
			r.view.ReasoningPartial += text
		default:
			r.view.AnswerPartial += text
		}
	}
	r.pending = map[chunkKey]*strings.Builder{}
	r.order = nil
}

// View flushes pending deltas and returns a snapshot safe to hand to
// read-only consumers.
func (r *Reconstructor) View() View {
	r.Flush()

	v := r.view
	v.Stage1 = append([]events.ModelResult(nil), r.view.Stage1...)
	v.Stage2 = append([]events.PeerReview(nil), r.view.Stage2...)
	v.AggregateRankings = append([]ranking.AggregateRanking(nil), r.view.AggregateRankings...)
	v.Stage1Partial = copyMap(r.view.Stage1Partial)
	v.Stage2Partial = copyMap(r.view.Stage2Partial)
	v.LabelToModel = copyMap(r.view.LabelToModel)
	if r.view.Synthesis != nil {
		s := *r.view.Synthesis
		v.Synthesis = &s
	}
	return v
}

// Message assembles the turn's AssistantMessage once the turn is closed.
func (r *Reconstructor) Message() (*AssistantMessage, bool) {
	v := r.View()
	if !v.Done || v.Err != "" {
		return nil, false
	}
	return &AssistantMessage{
		Stage1:            v.Stage1,
		Stage2:            v.Stage2,
		Stage3:            v.Synthesis,
		LabelToModel:      v.LabelToModel,
		AggregateRankings: v.AggregateRankings,
		Title:             v.Title,
		WasAborted:        v.WasAborted,
	}, true
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
