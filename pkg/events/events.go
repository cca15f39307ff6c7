package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/conclave/pkg/ranking"
)

type EventType string

const (
	EventTypeHeartbeat EventType = "heartbeat"

	EventTypeStage1Start    EventType = "stage1_start"
	EventTypeStage1Chunk    EventType = "stage1_chunk"
	EventTypeStage1Response EventType = "stage1_response"
	EventTypeStage1Complete EventType = "stage1_complete"

	EventTypeStage2Start    EventType = "stage2_start"
	EventTypeStage2Chunk    EventType = "stage2_chunk"
	EventTypeStage2Response EventType = "stage2_response"
	EventTypeStage2Complete EventType = "stage2_complete"

	EventTypeStage3Start          EventType = "stage3_start"
	EventTypeStage3Chunk          EventType = "stage3_chunk"
	EventTypeStage3ReasoningChunk EventType = "stage3_reasoning_chunk"
	EventTypeStage3Response       EventType = "stage3_response"

	// Advisory only: renames the parent session, never affects turn status.
	EventTypeTitleComplete EventType = "title_complete"

	EventTypeReconnected EventType = "reconnected"
	EventTypeComplete    EventType = "complete"
	EventTypeError       EventType = "error"
)

// Stage identifies one phase of a turn's lifecycle. The stage constants
// double as the wire values used in reconnected events and status payloads.
type Stage string

const (
	StageIdle     Stage = "idle"
	Stage1        Stage = "stage1"
	Stage2        Stage = "stage2"
	Stage3        Stage = "stage3"
	StageComplete Stage = "complete"
	StageError    Stage = "error"
	StageAborted  Stage = "aborted"
)

// StageOf maps an event type to the deliberation stage it belongs to.
// Returns StageIdle for events that are not stage-scoped (heartbeat,
// title_complete, reconnected, complete, error).
func StageOf(t EventType) Stage {
	switch t {
	case EventTypeStage1Start, EventTypeStage1Chunk, EventTypeStage1Response, EventTypeStage1Complete:
		return Stage1
	case EventTypeStage2Start, EventTypeStage2Chunk, EventTypeStage2Response, EventTypeStage2Complete:
		return Stage2
	case EventTypeStage3Start, EventTypeStage3Chunk, EventTypeStage3ReasoningChunk, EventTypeStage3Response:
		return Stage3
	default:
		return StageIdle
	}
}

// IsChunk reports whether the event type carries incremental delta text.
// Chunk events are the only events a reconnecting consumer may skip.
func IsChunk(t EventType) bool {
	switch t {
	case EventTypeStage1Chunk, EventTypeStage2Chunk, EventTypeStage3Chunk, EventTypeStage3ReasoningChunk:
		return true
	default:
		return false
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was decoded from, set by NewEventFromJSON
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

func (e *EventImpl) SetPayload(b []byte) { e.payload = b }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// ModelResult is the authoritative per-model outcome of stage 1.
type ModelResult struct {
	Model            string `json:"model"`
	Response         string `json:"response"`
	DurationMs       int64  `json:"duration_ms"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// PeerReview is the authoritative per-reviewer outcome of stage 2.
type PeerReview struct {
	Model            string   `json:"model"`
	Ranking          string   `json:"ranking"`
	ParsedRanking    []string `json:"parsed_ranking"`
	DurationMs       int64    `json:"duration_ms"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
}

// Synthesis is the chairman's stage-3 outcome.
type Synthesis struct {
	Model            string `json:"model"`
	Response         string `json:"response"`
	Reasoning        string `json:"reasoning,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	ReasoningTokens  int    `json:"reasoning_tokens,omitempty"`
}

// Stage2Summary is the payload of stage2_complete: the de-anonymization
// table and the cross-reviewer aggregate.
type Stage2Summary struct {
	LabelToModel      map[string]string          `json:"label_to_model"`
	AggregateRankings []ranking.AggregateRanking `json:"aggregate_rankings"`
}

type EventHeartbeat struct {
	EventImpl
}

func NewHeartbeatEvent(metadata EventMetadata) *EventHeartbeat {
	return &EventHeartbeat{EventImpl: EventImpl{Type_: EventTypeHeartbeat, Metadata_: metadata}}
}

type EventStageStart struct {
	EventImpl
}

func NewStageStartEvent(metadata EventMetadata, stage Stage) *EventStageStart {
	t := EventTypeStage1Start
	switch stage {
	case Stage2:
		t = EventTypeStage2Start
	case Stage3:
		t = EventTypeStage3Start
	}
	return &EventStageStart{EventImpl: EventImpl{Type_: t, Metadata_: metadata}}
}

// EventChunk carries incremental answer text. Model is set for stage-1 and
// stage-2 chunks, where several models stream concurrently; stage-3 chunks
// have a single implicit source, the chairman.
type EventChunk struct {
	EventImpl
	Model string `json:"model,omitempty"`
	Delta string `json:"delta"`
}

func NewStage1ChunkEvent(metadata EventMetadata, model, delta string) *EventChunk {
	return &EventChunk{EventImpl: EventImpl{Type_: EventTypeStage1Chunk, Metadata_: metadata}, Model: model, Delta: delta}
}

func NewStage2ChunkEvent(metadata EventMetadata, model, delta string) *EventChunk {
	return &EventChunk{EventImpl: EventImpl{Type_: EventTypeStage2Chunk, Metadata_: metadata}, Model: model, Delta: delta}
}

func NewStage3ChunkEvent(metadata EventMetadata, delta string) *EventChunk {
	return &EventChunk{EventImpl: EventImpl{Type_: EventTypeStage3Chunk, Metadata_: metadata}, Delta: delta}
}

// EventReasoningChunk mirrors EventChunk on a separate channel for the
// chairman's reasoning text.
type EventReasoningChunk struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewStage3ReasoningChunkEvent(metadata EventMetadata, delta string) *EventReasoningChunk {
	return &EventReasoningChunk{EventImpl: EventImpl{Type_: EventTypeStage3ReasoningChunk, Metadata_: metadata}, Delta: delta}
}

// EventStage1Response replaces all prior stage-1 chunks for its model.
type EventStage1Response struct {
	EventImpl
	Data ModelResult `json:"data"`
}

func NewStage1ResponseEvent(metadata EventMetadata, data ModelResult) *EventStage1Response {
	return &EventStage1Response{EventImpl: EventImpl{Type_: EventTypeStage1Response, Metadata_: metadata}, Data: data}
}

type EventStage1Complete struct {
	EventImpl
}

func NewStage1CompleteEvent(metadata EventMetadata) *EventStage1Complete {
	return &EventStage1Complete{EventImpl: EventImpl{Type_: EventTypeStage1Complete, Metadata_: metadata}}
}

type EventStage2Response struct {
	EventImpl
	Data PeerReview `json:"data"`
}

func NewStage2ResponseEvent(metadata EventMetadata, data PeerReview) *EventStage2Response {
	return &EventStage2Response{EventImpl: EventImpl{Type_: EventTypeStage2Response, Metadata_: metadata}, Data: data}
}

type EventStage2Complete struct {
	EventImpl
	Data Stage2Summary `json:"data"`
}

func NewStage2CompleteEvent(metadata EventMetadata, data Stage2Summary) *EventStage2Complete {
	return &EventStage2Complete{EventImpl: EventImpl{Type_: EventTypeStage2Complete, Metadata_: metadata}, Data: data}
}

type EventStage3Response struct {
	EventImpl
	Data Synthesis `json:"data"`
}

func NewStage3ResponseEvent(metadata EventMetadata, data Synthesis) *EventStage3Response {
	return &EventStage3Response{EventImpl: EventImpl{Type_: EventTypeStage3Response, Metadata_: metadata}, Data: data}
}

type TitleData struct {
	Title string `json:"title"`
}

type EventTitleComplete struct {
	EventImpl
	Data TitleData `json:"data"`
}

func NewTitleCompleteEvent(metadata EventMetadata, title string) *EventTitleComplete {
	return &EventTitleComplete{EventImpl: EventImpl{Type_: EventTypeTitleComplete, Metadata_: metadata}, Data: TitleData{Title: title}}
}

// EventReconnected is the handshake frame sent to a re-attaching consumer.
// Stage is the stage that was active at attach time; UserMessage lets the
// consumer render the pending question as if it had just been sent.
type EventReconnected struct {
	EventImpl
	Stage       Stage  `json:"stage"`
	UserMessage string `json:"user_message,omitempty"`
}

func NewReconnectedEvent(metadata EventMetadata, stage Stage, userMessage string) *EventReconnected {
	return &EventReconnected{EventImpl: EventImpl{Type_: EventTypeReconnected, Metadata_: metadata}, Stage: stage, UserMessage: userMessage}
}

type EventComplete struct {
	EventImpl
	WasAborted bool `json:"was_aborted"`
}

func NewCompleteEvent(metadata EventMetadata, wasAborted bool) *EventComplete {
	return &EventComplete{EventImpl: EventImpl{Type_: EventTypeComplete, Metadata_: metadata}, WasAborted: wasAborted}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{EventImpl: EventImpl{Type_: EventTypeError, Metadata_: metadata}, ErrorString: err.Error()}
}

// NewEventFromJSON decodes a wire frame into its concrete event type.
// Unknown type tags are an error; the protocol is a closed union and
// consumers reject rather than silently drop what they cannot dispatch.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not parse event header")
	}

	var ev Event
	switch hdr.Type {
	case EventTypeHeartbeat:
		ev = &EventHeartbeat{}
	case EventTypeStage1Start, EventTypeStage2Start, EventTypeStage3Start:
		ev = &EventStageStart{}
	case EventTypeStage1Chunk, EventTypeStage2Chunk, EventTypeStage3Chunk:
		ev = &EventChunk{}
	case EventTypeStage3ReasoningChunk:
		ev = &EventReasoningChunk{}
	case EventTypeStage1Response:
		ev = &EventStage1Response{}
	case EventTypeStage1Complete:
		ev = &EventStage1Complete{}
	case EventTypeStage2Response:
		ev = &EventStage2Response{}
	case EventTypeStage2Complete:
		ev = &EventStage2Complete{}
	case EventTypeStage3Response:
		ev = &EventStage3Response{}
	case EventTypeTitleComplete:
		ev = &EventTitleComplete{}
	case EventTypeReconnected:
		ev = &EventReconnected{}
	case EventTypeComplete:
		ev = &EventComplete{}
	case EventTypeError:
		ev = &EventError{}
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}

	if err := json.Unmarshal(b, ev); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s event", hdr.Type)
	}
	if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(b)
	}
	return ev, nil
}
