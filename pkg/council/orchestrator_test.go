package council

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/inference"
)

// scriptedEngine pops one reply per model per call, in call order: a
// panel model's first reply answers stage 1, its second reviews in
// stage 2. The chairman's queue serves title and synthesis calls.
type scriptedEngine struct {
	mu      sync.Mutex
	replies map[string][]scriptedReply
}

type scriptedReply struct {
	text      string
	reasoning string
	delay     time.Duration
	err       error
	block     bool // wait for ctx cancellation
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{replies: map[string][]scriptedReply{}}
}

func (e *scriptedEngine) queue(model string, r scriptedReply) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replies[model] = append(e.replies[model], r)
}

func (e *scriptedEngine) RunInference(ctx context.Context, req *inference.Request, stream inference.TextStream) (*inference.Response, error) {
	e.mu.Lock()
	queue := e.replies[req.Model]
	if len(queue) == 0 {
		e.mu.Unlock()
		return nil, errors.Errorf("no scripted reply for %q", req.Model)
	}
	reply := queue[0]
	e.replies[req.Model] = queue[1:]
	e.mu.Unlock()

	if reply.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if reply.delay > 0 {
		select {
		case <-time.After(reply.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.err != nil {
		return nil, reply.err
	}

	if stream == nil {
		stream = inference.NullStream{}
	}
	if reply.reasoning != "" {
		stream.ReasoningDelta(reply.reasoning)
	}
	stream.Delta(reply.text)

	return &inference.Response{
		Text:      reply.text,
		Reasoning: reply.reasoning,
		Duration:  time.Millisecond,
	}, nil
}

var _ inference.Engine = (*scriptedEngine)(nil)

type capturingRecorder struct {
	mu    sync.Mutex
	saved *AssistantMessage
	title string
}

func (r *capturingRecorder) SaveAssistantMessage(_ context.Context, _ string, msg *AssistantMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = msg
	return nil
}

func (r *capturingRecorder) RenameSession(_ context.Context, _ string, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.title = title
	return nil
}

func (r *capturingRecorder) message() *AssistantMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) PublishEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type())
	}
	return out
}

func (s *recordingSink) find(t events.EventType) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type() == t {
			return ev, true
		}
	}
	return nil, false
}

func testConfig() Config {
	return Config{
		PanelModels: []string{"m1", "m2"},
		Chairman:    "chair",
		CallTimeout: time.Second,
	}
}

func countTypes(types []events.EventType, want events.EventType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

// indexOf returns the position of the first occurrence, -1 if absent.
func indexOf(types []events.EventType, want events.EventType) int {
	for i, t := range types {
		if t == want {
			return i
		}
	}
	return -1
}

func TestOrchestratorFullTurn(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("m1", scriptedReply{text: "answer one"})
	engine.queue("m2", scriptedReply{text: "answer two"})
	engine.queue("m1", scriptedReply{text: "FINAL RANKING:\n1. Response B\n2. Response A"})
	engine.queue("m2", scriptedReply{text: "FINAL RANKING:\n1. Response B\n2. Response A"})
	engine.queue("chair", scriptedReply{text: "the synthesis", reasoning: "weighing options"})

	sink := &recordingSink{}
	recorder := &capturingRecorder{}
	orch := NewOrchestrator("s1", "s1/0", "what is the answer?", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
		WithRecorder(recorder),
	)

	require.NoError(t, orch.Run(context.Background()))
	assert.Equal(t, events.StageComplete, orch.Stage())

	types := sink.types()

	// stage milestones appear exactly once and in order
	s1 := indexOf(types, events.EventTypeStage1Start)
	s1c := indexOf(types, events.EventTypeStage1Complete)
	s2 := indexOf(types, events.EventTypeStage2Start)
	s2c := indexOf(types, events.EventTypeStage2Complete)
	s3 := indexOf(types, events.EventTypeStage3Start)
	s3r := indexOf(types, events.EventTypeStage3Response)
	done := indexOf(types, events.EventTypeComplete)
	for _, idx := range []int{s1, s1c, s2, s2c, s3, s3r, done} {
		require.GreaterOrEqual(t, idx, 0)
	}
	assert.True(t, s1 < s1c && s1c < s2 && s2 < s2c && s2c < s3 && s3 < s3r && s3r < done)

	assert.Equal(t, 2, countTypes(types, events.EventTypeStage1Response))
	assert.Equal(t, 2, countTypes(types, events.EventTypeStage2Response))
	assert.Equal(t, 1, countTypes(types, events.EventTypeStage3ReasoningChunk))
	assert.Equal(t, 0, countTypes(types, events.EventTypeError))

	// the stage-2 summary de-anonymizes and aggregates
	ev, ok := sink.find(events.EventTypeStage2Complete)
	require.True(t, ok)
	summary := ev.(*events.EventStage2Complete).Data
	assert.Len(t, summary.LabelToModel, 2)
	require.Len(t, summary.AggregateRankings, 2)
	assert.Equal(t, 1.0, summary.AggregateRankings[0].AverageRank)
	assert.Equal(t, 2.0, summary.AggregateRankings[1].AverageRank)

	msg := recorder.message()
	require.NotNil(t, msg)
	assert.Len(t, msg.Stage1, 2)
	assert.Len(t, msg.Stage2, 2)
	require.NotNil(t, msg.Stage3)
	assert.Equal(t, "the synthesis", msg.Stage3.Response)
	assert.Equal(t, "weighing options", msg.Stage3.Reasoning)
	assert.False(t, msg.WasAborted)
}

func TestOrchestratorLabelsFollowCompletionOrder(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("slow", scriptedReply{text: "late answer", delay: 80 * time.Millisecond})
	engine.queue("fast", scriptedReply{text: "early answer"})
	engine.queue("slow", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B"})
	engine.queue("fast", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B"})
	engine.queue("chair", scriptedReply{text: "done"})

	cfg := testConfig()
	cfg.PanelModels = []string{"slow", "fast"}

	recorder := &capturingRecorder{}
	orch := NewOrchestrator("s1", "s1/0", "q", cfg, engine,
		events.NewEmitter("s1", "s1/0", events.NullSink{}),
		WithRecorder(recorder),
	)
	require.NoError(t, orch.Run(context.Background()))

	msg := recorder.message()
	require.NotNil(t, msg)
	assert.Equal(t, "fast", msg.LabelToModel["Response A"])
	assert.Equal(t, "slow", msg.LabelToModel["Response B"])
}

func TestOrchestratorAbsorbsPanelFailures(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("m1", scriptedReply{err: errors.New("provider exploded")})
	engine.queue("m2", scriptedReply{text: "only answer"})
	engine.queue("m2", scriptedReply{text: "FINAL RANKING:\n1. Response A"})
	engine.queue("chair", scriptedReply{text: "synthesis"})

	sink := &recordingSink{}
	recorder := &capturingRecorder{}
	orch := NewOrchestrator("s1", "s1/0", "q", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
		WithRecorder(recorder),
	)
	require.NoError(t, orch.Run(context.Background()))

	types := sink.types()
	assert.Equal(t, 1, countTypes(types, events.EventTypeStage1Response))
	assert.Equal(t, 1, countTypes(types, events.EventTypeStage2Response))
	assert.Equal(t, 0, countTypes(types, events.EventTypeError))

	msg := recorder.message()
	require.NotNil(t, msg)
	assert.Len(t, msg.Stage1, 1)
	assert.Equal(t, "m2", msg.Stage1[0].Model)
	assert.Equal(t, "m2", msg.LabelToModel["Response A"])
}

func TestOrchestratorAllPanelModelsFailingIsFatal(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("m1", scriptedReply{err: errors.New("down")})
	engine.queue("m2", scriptedReply{err: errors.New("down")})

	sink := &recordingSink{}
	orch := NewOrchestrator("s1", "s1/0", "q", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
	)
	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, events.StageError, orch.Stage())

	types := sink.types()
	assert.Equal(t, 1, countTypes(types, events.EventTypeError))
	assert.Equal(t, 0, countTypes(types, events.EventTypeComplete))
}

func TestOrchestratorChairmanFailureIsFatal(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("m1", scriptedReply{text: "one"})
	engine.queue("m2", scriptedReply{text: "two"})
	engine.queue("m1", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B"})
	engine.queue("m2", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B"})
	engine.queue("chair", scriptedReply{err: errors.New("chairman down")})

	sink := &recordingSink{}
	recorder := &capturingRecorder{}
	orch := NewOrchestrator("s1", "s1/0", "q", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
		WithRecorder(recorder),
	)
	err := orch.Run(context.Background())
	require.Error(t, err)

	types := sink.types()
	assert.Equal(t, 1, countTypes(types, events.EventTypeError))
	assert.Equal(t, 0, countTypes(types, events.EventTypeComplete))
	assert.Nil(t, recorder.message())
}

func TestOrchestratorAbortMidStage2(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("m1", scriptedReply{text: "one"})
	engine.queue("m2", scriptedReply{text: "two"})
	engine.queue("m1", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B"})
	engine.queue("m2", scriptedReply{block: true})

	sink := &recordingSink{}
	recorder := &capturingRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := NewOrchestrator("s1", "s1/0", "q", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
		WithRecorder(recorder),
	)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// wait for the fast reviewer to land, then abort while m2 hangs
	require.Eventually(t, func() bool {
		return countTypes(sink.types(), events.EventTypeStage2Response) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, events.StageAborted, orch.Stage())

	ev, ok := sink.find(events.EventTypeComplete)
	require.True(t, ok)
	assert.True(t, ev.(*events.EventComplete).WasAborted)

	// everything finished before the abort is kept
	msg := recorder.message()
	require.NotNil(t, msg)
	assert.True(t, msg.WasAborted)
	assert.Len(t, msg.Stage1, 2)
	assert.Len(t, msg.Stage2, 1)
	assert.Nil(t, msg.Stage3)
}

func TestOrchestratorSoloMode(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("chair", scriptedReply{text: "direct answer"})

	sink := &recordingSink{}
	recorder := &capturingRecorder{}
	orch := NewOrchestrator("s1", "s1/0", "q", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
		WithRecorder(recorder),
		WithMode(ModeSolo),
	)
	require.NoError(t, orch.Run(context.Background()))

	types := sink.types()
	assert.Equal(t, 0, countTypes(types, events.EventTypeStage1Start))
	assert.Equal(t, 0, countTypes(types, events.EventTypeStage2Start))
	assert.Equal(t, 1, countTypes(types, events.EventTypeStage3Start))
	assert.Equal(t, 1, countTypes(types, events.EventTypeStage3Response))

	msg := recorder.message()
	require.NotNil(t, msg)
	assert.Empty(t, msg.Stage1)
	require.NotNil(t, msg.Stage3)
	assert.Equal(t, "direct answer", msg.Stage3.Response)
}

func TestTruncateTitle(t *testing.T) {
	assert.Equal(t, "short", truncateTitle("short"))

	long := strings.Repeat("a", 200)
	assert.Equal(t, strings.Repeat("a", 120), truncateTitle(long))

	// the 120-byte cut would land inside the two-byte é; back up instead
	// of persisting a split rune
	multibyte := strings.Repeat("a", 119) + "épilogue"
	got := truncateTitle(multibyte)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 119), got)
	assert.LessOrEqual(t, len(got), 120)
}

func TestOrchestratorTitleTask(t *testing.T) {
	engine := newScriptedEngine()
	engine.queue("m1", scriptedReply{text: "one"})
	engine.queue("m2", scriptedReply{text: "two"})
	// reviewer delays keep stage 2 busy long enough that the title call,
	// which starts as soon as stage 1 closes, pops the chairman queue first
	engine.queue("m1", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B", delay: 80 * time.Millisecond})
	engine.queue("m2", scriptedReply{text: "FINAL RANKING:\n1. Response A\n2. Response B", delay: 80 * time.Millisecond})
	engine.queue("chair", scriptedReply{text: `"A Crisp Title"`})
	engine.queue("chair", scriptedReply{text: "synthesis"})

	sink := &recordingSink{}
	recorder := &capturingRecorder{}
	orch := NewOrchestrator("s1", "s1/0", "q", testConfig(), engine,
		events.NewEmitter("s1", "s1/0", sink),
		WithRecorder(recorder),
		WithTitleGeneration(true),
	)
	require.NoError(t, orch.Run(context.Background()))

	ev, ok := sink.find(events.EventTypeTitleComplete)
	require.True(t, ok)
	assert.Equal(t, "A Crisp Title", ev.(*events.EventTitleComplete).Data.Title)
	assert.Equal(t, "A Crisp Title", recorder.title)

	msg := recorder.message()
	require.NotNil(t, msg)
	assert.Equal(t, "A Crisp Title", msg.Title)
}
