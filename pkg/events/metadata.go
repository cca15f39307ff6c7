package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventMetadata travels with every event on the turn's log. Sequence is
// assigned by the turn's Emitter in emission order and is strictly
// increasing within a turn.
type EventMetadata struct {
	ID        uuid.UUID `json:"event_id"`
	SessionID string    `json:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Sequence  uint64    `json:"seq"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	e.Uint64("seq", em.Sequence)
}
