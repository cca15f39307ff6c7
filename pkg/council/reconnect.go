package council

import (
	"github.com/go-go-golems/conclave/pkg/events"
)

// StageGate filters a replayed-plus-live event stream for a consumer
// attaching to a turn already in flight. Every stage starts stalled: its
// chunk events are suppressed, because the stage's content is (or will
// be) fully delivered through its *_response events. A stage goes live
// only when its *_start event is freshly emitted after the attach point;
// replayed starts never reopen a stage, so stages that began before the
// attach stay stalled for the lifetime of the gate. Structural events
// always pass.
//
// The attach point is the turn's event sequence watermark at subscribe
// time. A gate with watermark 0 (a primary connection, attached before
// the first event) passes everything, so both connection kinds share one
// filtering path.
type StageGate struct {
	attachSeq uint64
	live      map[events.Stage]bool
}

func NewStageGate(attachSeq uint64) *StageGate {
	return &StageGate{
		attachSeq: attachSeq,
		live:      map[events.Stage]bool{},
	}
}

// Admit reports whether the event should be delivered.
func (g *StageGate) Admit(ev events.Event) bool {
	t := ev.Type()

	switch t {
	case events.EventTypeStage1Start, events.EventTypeStage2Start, events.EventTypeStage3Start:
		if ev.Metadata().Sequence >= g.attachSeq {
			g.live[events.StageOf(t)] = true
		}
		return true
	}

	if events.IsChunk(t) {
		return g.live[events.StageOf(t)]
	}
	return true
}
