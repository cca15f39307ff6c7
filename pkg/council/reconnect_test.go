package council

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-go-golems/conclave/pkg/events"
)

func seqMD(seq uint64) events.EventMetadata {
	return events.EventMetadata{Sequence: seq}
}

func TestStageGatePrimaryConnectionPassesEverything(t *testing.T) {
	gate := NewStageGate(0)

	assert.True(t, gate.Admit(events.NewStageStartEvent(seqMD(0), events.Stage1)))
	assert.True(t, gate.Admit(events.NewStage1ChunkEvent(seqMD(1), "m1", "a")))
	assert.True(t, gate.Admit(events.NewStage1ResponseEvent(seqMD(2), events.ModelResult{Model: "m1"})))
	assert.True(t, gate.Admit(events.NewCompleteEvent(seqMD(3), false)))
}

func TestStageGateSuppressesReplayedChunks(t *testing.T) {
	// attach mid stage 2: events 0..4 are replay
	gate := NewStageGate(5)

	// replayed stage 1
	assert.True(t, gate.Admit(events.NewStageStartEvent(seqMD(0), events.Stage1)))
	assert.False(t, gate.Admit(events.NewStage1ChunkEvent(seqMD(1), "m1", "a")))
	assert.True(t, gate.Admit(events.NewStage1ResponseEvent(seqMD(2), events.ModelResult{Model: "m1"})))
	assert.True(t, gate.Admit(events.NewStage1CompleteEvent(seqMD(3))))

	// replayed stage 2 start does not reopen the live tail of its chunks
	assert.True(t, gate.Admit(events.NewStageStartEvent(seqMD(4), events.Stage2)))
	assert.False(t, gate.Admit(events.NewStage2ChunkEvent(seqMD(5), "m1", "b")))

	// structural stage 2 events still pass
	assert.True(t, gate.Admit(events.NewStage2ResponseEvent(seqMD(6), events.PeerReview{Model: "m1"})))

	// stage 3 starts after the attach point and streams live
	assert.True(t, gate.Admit(events.NewStageStartEvent(seqMD(7), events.Stage3)))
	assert.True(t, gate.Admit(events.NewStage3ChunkEvent(seqMD(8), "c")))
	assert.True(t, gate.Admit(events.NewStage3ReasoningChunkEvent(seqMD(9), "r")))
	assert.True(t, gate.Admit(events.NewStage3ResponseEvent(seqMD(10), events.Synthesis{Model: "chair"})))
	assert.True(t, gate.Admit(events.NewCompleteEvent(seqMD(11), false)))
}

func TestStageGateAttachBeforeStageStart(t *testing.T) {
	// attach in the gap between stage 1 and stage 2
	gate := NewStageGate(4)

	assert.True(t, gate.Admit(events.NewStageStartEvent(seqMD(0), events.Stage1)))
	assert.False(t, gate.Admit(events.NewStage1ChunkEvent(seqMD(1), "m1", "a")))

	// stage 2 start is fresh, so its chunks flow
	assert.True(t, gate.Admit(events.NewStageStartEvent(seqMD(4), events.Stage2)))
	assert.True(t, gate.Admit(events.NewStage2ChunkEvent(seqMD(5), "m1", "b")))
}
