package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Emitter is the single producer of a turn's event log. It stamps each
// event with turn-scoped metadata and a sequence number, then distributes
// it to every registered sink. Holding one lock across stamping and
// distribution guarantees that sequence order equals delivery order.
type Emitter struct {
	sessionID string
	turnID    string

	mu    sync.Mutex
	seq   uint64
	sinks []EventSink
}

func NewEmitter(sessionID, turnID string, sinks ...EventSink) *Emitter {
	return &Emitter{sessionID: sessionID, turnID: turnID, sinks: sinks}
}

func (e *Emitter) AddSink(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Emit builds the event under the emitter's lock, handing the builder a
// freshly stamped metadata, and publishes it to all sinks. Publish
// failures on individual sinks are logged, not propagated; the log itself
// is append-only and a slow consumer must not stall the producer.
func (e *Emitter) Emit(build func(EventMetadata) Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	md := EventMetadata{
		ID:        uuid.New(),
		SessionID: e.sessionID,
		TurnID:    e.turnID,
		Sequence:  e.seq,
	}
	e.seq++

	ev := build(md)
	for _, sink := range e.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish")
		}
	}
}

// Sequence returns the sequence number the next emitted event will carry.
// Consumers attaching mid-turn use it as their replay watermark.
func (e *Emitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// EmitForModel is Emit with the model correlation field set.
func (e *Emitter) EmitForModel(model string, build func(EventMetadata) Event) {
	e.Emit(func(md EventMetadata) Event {
		md.Model = model
		return build(md)
	})
}
