package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/conclave/pkg/council"
	"github.com/go-go-golems/conclave/pkg/events"
)

// busCloseGrace is how long a finished turn's bus stays open so attached
// consumers can drain the terminal event before the channels close.
const busCloseGrace = 5 * time.Second

// ActiveTurn is one in-flight deliberation turn: the orchestrator running
// it, the bus carrying its event log, and the handle used to abort it.
type ActiveTurn struct {
	SessionID   string
	TurnID      string
	UserMessage string

	Bus     *events.TurnBus
	Emitter *events.Emitter
	Orch    *council.Orchestrator

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the orchestrator has returned and the turn is
// removed from the registry.
func (t *ActiveTurn) Done() <-chan struct{} { return t.done }

// Abort requests cooperative cancellation. Safe to call repeatedly and
// after the turn has already closed.
func (t *ActiveTurn) Abort() { t.cancel() }

// Stage is the turn's current stage marker.
func (t *ActiveTurn) Stage() events.Stage { return t.Orch.Stage() }

// AttachPoint returns a consistent (stage, sequence watermark) pair for a
// consumer attaching mid-turn. Stage marker and watermark live behind
// separate locks; rereading the stage after taking the watermark and
// retrying on a change keeps a transition from landing between the two
// reads. Because the stage marker is always advanced before the stage's
// start event is emitted, any start emitted after this snapshot carries a
// sequence at or above the returned watermark.
func (t *ActiveTurn) AttachPoint() (events.Stage, uint64) {
	for {
		stage := t.Orch.Stage()
		seq := t.Emitter.Sequence()
		if t.Orch.Stage() == stage {
			return stage, seq
		}
	}
}

// Registry tracks the open turn of each session. A session has at most
// one: starting a new turn supersedes (aborts and waits out) any previous
// one, so the persisted message sequence stays linear.
type Registry struct {
	mu    sync.Mutex
	turns map[string]*ActiveTurn
	wg    sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{turns: map[string]*ActiveTurn{}}
}

// Start supersedes any open turn on the session, registers a new one and
// runs its orchestrator on a background context. The returned turn is
// already registered and streaming.
func (r *Registry) Start(sessionID, turnID, userMessage string, bus *events.TurnBus, emitter *events.Emitter, orch *council.Orchestrator) *ActiveTurn {
	r.mu.Lock()
	for {
		prev, ok := r.turns[sessionID]
		if !ok {
			break
		}
		r.mu.Unlock()
		log.Info().
			Str("session_id", sessionID).
			Str("superseded_turn", prev.TurnID).
			Msg("superseding open turn")
		prev.Abort()
		<-prev.done
		r.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	at := &ActiveTurn{
		SessionID:   sessionID,
		TurnID:      turnID,
		UserMessage: userMessage,
		Bus:         bus,
		Emitter:     emitter,
		Orch:        orch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	r.turns[sessionID] = at
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			if r.turns[sessionID] == at {
				delete(r.turns, sessionID)
			}
			r.mu.Unlock()
			close(at.done)
			time.AfterFunc(busCloseGrace, at.Bus.Close)
		}()

		if err := orch.Run(ctx); err != nil {
			log.Error().Err(err).Str("turn_id", turnID).Msg("turn closed with error")
		}
		cancel()
	}()

	return at
}

// Get returns the session's open turn, if any.
func (r *Registry) Get(sessionID string) (*ActiveTurn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.turns[sessionID]
	return at, ok
}

// Abort cancels the session's open turn. A session with no open turn is
// a no-op; abort is idempotent either way.
func (r *Registry) Abort(sessionID string) {
	if at, ok := r.Get(sessionID); ok {
		at.Abort()
	}
}

// Shutdown aborts every open turn and waits for the orchestrators to
// close out, including their persistence step.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, at := range r.turns {
		at.Abort()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
