package council

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/inference"
	"github.com/go-go-golems/conclave/pkg/ranking"
)

// Orchestrator drives one turn through the three deliberation stages,
// emitting the turn's event log as it goes. It owns the turn exclusively
// for its lifetime; once Run returns, the turn is closed and immutable.
type Orchestrator struct {
	cfg      Config
	mode     Mode
	engine   inference.Engine
	emitter  *events.Emitter
	recorder Recorder

	sessionID     string
	turnID        string
	question      string
	history       []inference.Message
	generateTitle bool

	mu        sync.Mutex
	stage     events.Stage
	stage1    []events.ModelResult
	stage2    []events.PeerReview
	synthesis *events.Synthesis
	labels    *ranking.LabelMap
	aggregate []ranking.AggregateRanking
	title     string
}

type Option func(*Orchestrator)

func WithMode(m Mode) Option {
	return func(o *Orchestrator) { o.mode = m }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithHistory supplies the prior conversation as alternating user and
// assistant messages, oldest first.
func WithHistory(history []inference.Message) Option {
	return func(o *Orchestrator) { o.history = history }
}

// WithTitleGeneration enables the advisory title side task. Typically set
// on the first turn of a session only.
func WithTitleGeneration(on bool) Option {
	return func(o *Orchestrator) { o.generateTitle = on }
}

func NewOrchestrator(
	sessionID, turnID, question string,
	cfg Config,
	engine inference.Engine,
	emitter *events.Emitter,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		mode:      ModeCouncil,
		engine:    engine,
		emitter:   emitter,
		recorder:  NullRecorder{},
		sessionID: sessionID,
		turnID:    turnID,
		question:  question,
		stage:     events.StageIdle,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Stage returns the turn's current stage marker.
func (o *Orchestrator) Stage() events.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

func (o *Orchestrator) setStage(s events.Stage) {
	o.mu.Lock()
	o.stage = s
	o.mu.Unlock()
}

// Run executes the turn until it closes. Cancelling ctx aborts
// cooperatively: in-flight calls stop, already-completed results are kept,
// and the turn still closes with was_aborted set. The returned error is
// non-nil only for orchestration-fatal failures; abort returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().
		Str("session_id", o.sessionID).
		Str("turn_id", o.turnID).
		Str("mode", string(o.mode)).
		Int("panel_size", len(o.cfg.PanelModels)).
		Msg("starting turn")

	if err := o.cfg.Validate(); err != nil {
		return o.fail(err)
	}

	if o.mode == ModeSolo {
		return o.runSolo(ctx)
	}

	// Stage 1: independent answers, parallel fan-out.
	o.setStage(events.Stage1)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewStageStartEvent(md, events.Stage1)
	})

	results := o.runStage1(ctx)
	if ctx.Err() != nil {
		return o.closeAborted()
	}
	if len(results) == 0 {
		return o.fail(errors.New("every panel model failed in stage 1"))
	}
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewStage1CompleteEvent(md)
	})

	titleDone := o.startTitleTask(ctx)

	// Labels are assigned in stage-1 emission order and never change.
	models := make([]string, 0, len(results))
	for _, r := range results {
		models = append(models, r.Model)
	}
	labels, err := ranking.NewLabelMap(models)
	if err != nil {
		<-titleDone
		return o.fail(err)
	}
	o.mu.Lock()
	o.labels = labels
	o.mu.Unlock()

	// Stage 2: anonymous peer review, parallel fan-out over the stage-1
	// survivors.
	o.setStage(events.Stage2)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewStageStartEvent(md, events.Stage2)
	})

	reviews := o.runStage2(ctx, results, labels)
	if ctx.Err() != nil {
		<-titleDone
		return o.closeAborted()
	}

	parsed := make([][]string, 0, len(reviews))
	for _, r := range reviews {
		parsed = append(parsed, r.ParsedRanking)
	}
	aggregate := ranking.CalculateAggregateRankings(parsed, labels)
	o.mu.Lock()
	o.aggregate = aggregate
	o.mu.Unlock()

	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewStage2CompleteEvent(md, events.Stage2Summary{
			LabelToModel:      labels.LabelToModel(),
			AggregateRankings: aggregate,
		})
	})

	if winner, ok := ranking.Winner(aggregate); ok {
		log.Info().
			Str("turn_id", o.turnID).
			Str("winner", winner).
			Bool("conclusive", ranking.Conclusive(aggregate, o.cfg.ConclusiveGap)).
			Msg("stage 2 closed")
	}

	// Stage 3: chairman synthesis, single call, failure is turn-fatal.
	o.setStage(events.Stage3)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewStageStartEvent(md, events.Stage3)
	})

	synth, err := o.runStage3(ctx, results, reviews, labels)
	<-titleDone
	if err != nil {
		if ctx.Err() != nil {
			return o.closeAborted()
		}
		return o.fail(errors.Wrap(err, "chairman synthesis failed"))
	}

	o.mu.Lock()
	o.synthesis = synth
	o.mu.Unlock()
	o.emitter.EmitForModel(synth.Model, func(md events.EventMetadata) events.Event {
		return events.NewStage3ResponseEvent(md, *synth)
	})

	return o.finish()
}

func (o *Orchestrator) runSolo(ctx context.Context) error {
	o.setStage(events.Stage3)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewStageStartEvent(md, events.Stage3)
	})

	titleDone := o.startTitleTask(ctx)

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	resp, err := o.engine.RunInference(cctx, &inference.Request{
		Model:     o.cfg.Chairman,
		Messages:  append(append([]inference.Message(nil), o.history...), inference.Message{Role: inference.RoleUser, Content: o.question}),
		MaxTokens: o.cfg.MaxTokens,
	}, &chairmanStream{emitter: o.emitter, model: o.cfg.Chairman})
	<-titleDone
	if err != nil {
		if ctx.Err() != nil {
			return o.closeAborted()
		}
		return o.fail(errors.Wrap(err, "chairman call failed"))
	}

	synth := synthesisFromResponse(o.cfg.Chairman, resp)
	o.mu.Lock()
	o.synthesis = synth
	o.mu.Unlock()
	o.emitter.EmitForModel(synth.Model, func(md events.EventMetadata) events.Event {
		return events.NewStage3ResponseEvent(md, *synth)
	})

	return o.finish()
}

// runStage1 fans out one call per panel model. A model's failure or
// timeout leaves it absent from the result set and never fails the stage.
// Results are appended in completion order, atomically with their
// stage1_response emission, so label assignment order equals emission
// order.
func (o *Orchestrator) runStage1(ctx context.Context) []events.ModelResult {
	messages := append(append([]inference.Message(nil), o.history...), inference.Message{
		Role:    inference.RoleUser,
		Content: o.question,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, model := range o.cfg.PanelModels {
		model := model
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, o.cfg.CallTimeout)
			defer cancel()

			resp, err := o.engine.RunInference(cctx, &inference.Request{
				Model:     model,
				Messages:  messages,
				MaxTokens: o.cfg.MaxTokens,
			}, &panelStream{emitter: o.emitter, model: model, stage: events.Stage1})
			if err != nil {
				log.Warn().Err(err).Str("model", model).Msg("stage 1 call failed, dropping model")
				return nil
			}

			result := events.ModelResult{
				Model:            model,
				Response:         resp.Text,
				DurationMs:       resp.Duration.Milliseconds(),
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}

			o.mu.Lock()
			defer o.mu.Unlock()
			o.stage1 = append(o.stage1, result)
			o.emitter.EmitForModel(model, func(md events.EventMetadata) events.Event {
				return events.NewStage1ResponseEvent(md, result)
			})
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.ModelResult(nil), o.stage1...)
}

func (o *Orchestrator) runStage2(ctx context.Context, results []events.ModelResult, labels *ranking.LabelMap) []events.PeerReview {
	g, gctx := errgroup.WithContext(ctx)
	for _, result := range results {
		model := result.Model
		g.Go(func() error {
			prompt, err := BuildReviewPrompt(o.question, labels, results)
			if err != nil {
				log.Warn().Err(err).Str("model", model).Msg("could not build review prompt, dropping reviewer")
				return nil
			}

			cctx, cancel := context.WithTimeout(gctx, o.cfg.CallTimeout)
			defer cancel()

			resp, err := o.engine.RunInference(cctx, &inference.Request{
				Model:     model,
				Messages:  []inference.Message{{Role: inference.RoleUser, Content: prompt}},
				MaxTokens: o.cfg.MaxTokens,
			}, &panelStream{emitter: o.emitter, model: model, stage: events.Stage2})
			if err != nil {
				log.Warn().Err(err).Str("model", model).Msg("stage 2 call failed, dropping reviewer")
				return nil
			}

			review := events.PeerReview{
				Model:            model,
				Ranking:          resp.Text,
				ParsedRanking:    ranking.ParseRankingFromText(resp.Text),
				DurationMs:       resp.Duration.Milliseconds(),
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}

			o.mu.Lock()
			defer o.mu.Unlock()
			o.stage2 = append(o.stage2, review)
			o.emitter.EmitForModel(model, func(md events.EventMetadata) events.Event {
				return events.NewStage2ResponseEvent(md, review)
			})
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.PeerReview(nil), o.stage2...)
}

func (o *Orchestrator) runStage3(ctx context.Context, results []events.ModelResult, reviews []events.PeerReview, labels *ranking.LabelMap) (*events.Synthesis, error) {
	prompt, err := BuildSynthesisPrompt(o.question, labels, results, reviews)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	resp, err := o.engine.RunInference(cctx, &inference.Request{
		Model:     o.cfg.Chairman,
		Messages:  []inference.Message{{Role: inference.RoleUser, Content: prompt}},
		MaxTokens: o.cfg.MaxTokens,
	}, &chairmanStream{emitter: o.emitter, model: o.cfg.Chairman})
	if err != nil {
		return nil, err
	}

	return synthesisFromResponse(o.cfg.Chairman, resp), nil
}

func synthesisFromResponse(model string, resp *inference.Response) *events.Synthesis {
	return &events.Synthesis{
		Model:            model,
		Response:         resp.Text,
		Reasoning:        resp.Reasoning,
		DurationMs:       resp.Duration.Milliseconds(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		ReasoningTokens:  resp.Usage.ReasoningTokens,
	}
}

// startTitleTask asks the chairman for a session title concurrently with
// stages 2 and 3. Failure only costs the title.
func (o *Orchestrator) startTitleTask(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if !o.generateTitle {
		close(done)
		return done
	}

	go func() {
		defer close(done)

		prompt, err := BuildTitlePrompt(o.question)
		if err != nil {
			log.Warn().Err(err).Msg("could not build title prompt")
			return
		}

		cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		resp, err := o.engine.RunInference(cctx, &inference.Request{
			Model:    o.cfg.Chairman,
			Messages: []inference.Message{{Role: inference.RoleUser, Content: prompt}},
		}, nil)
		if err != nil {
			log.Warn().Err(err).Msg("title generation failed")
			return
		}

		title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text), `"`))
		if title == "" {
			return
		}
		title = truncateTitle(title)

		o.mu.Lock()
		o.title = title
		o.mu.Unlock()

		if err := o.recorder.RenameSession(cctx, o.sessionID, title); err != nil {
			log.Warn().Err(err).Msg("could not rename session")
		}
		o.emitter.Emit(func(md events.EventMetadata) events.Event {
			return events.NewTitleCompleteEvent(md, title)
		})
	}()
	return done
}

// truncateTitle caps a generated title at 120 bytes, backing up to a rune
// boundary so the stored title stays valid UTF-8.
func truncateTitle(title string) string {
	const maxTitleBytes = 120
	if len(title) <= maxTitleBytes {
		return title
	}
	cut := maxTitleBytes
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

// assembleMessage snapshots the turn's durable artifact.
func (o *Orchestrator) assembleMessage(aborted bool) *AssistantMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg := &AssistantMessage{
		Stage1:     append([]events.ModelResult(nil), o.stage1...),
		Stage2:     append([]events.PeerReview(nil), o.stage2...),
		Stage3:     o.synthesis,
		Title:      o.title,
		WasAborted: aborted,
	}
	if o.labels != nil {
		msg.LabelToModel = o.labels.LabelToModel()
	}
	msg.AggregateRankings = append([]ranking.AggregateRanking(nil), o.aggregate...)
	return msg
}

func (o *Orchestrator) persist(msg *AssistantMessage) error {
	// The turn context may already be cancelled (abort); persistence gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.recorder.SaveAssistantMessage(ctx, o.sessionID, msg)
}

func (o *Orchestrator) finish() error {
	msg := o.assembleMessage(false)
	if err := o.persist(msg); err != nil {
		return o.fail(errors.Wrap(err, "could not persist assistant message"))
	}

	o.setStage(events.StageComplete)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewCompleteEvent(md, false)
	})
	log.Info().Str("turn_id", o.turnID).Msg("turn complete")
	return nil
}

// closeAborted closes out an aborted turn: every response that completed
// before the abort was already emitted live, so only the bookkeeping
// remains.
func (o *Orchestrator) closeAborted() error {
	msg := o.assembleMessage(true)
	if err := o.persist(msg); err != nil {
		log.Warn().Err(err).Str("turn_id", o.turnID).Msg("could not persist aborted turn")
	}

	o.setStage(events.StageAborted)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewCompleteEvent(md, true)
	})
	log.Info().Str("turn_id", o.turnID).Msg("turn aborted")
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.setStage(events.StageError)
	o.emitter.Emit(func(md events.EventMetadata) events.Event {
		return events.NewErrorEvent(md, err)
	})
	log.Error().Err(err).Str("turn_id", o.turnID).Msg("turn failed")
	return err
}

// panelStream forwards one model's deltas as stage-1 or stage-2 chunk
// events. Panel reasoning has no channel in the protocol and is dropped.
type panelStream struct {
	emitter *events.Emitter
	model   string
	stage   events.Stage
}

func (s *panelStream) Delta(text string) {
	s.emitter.EmitForModel(s.model, func(md events.EventMetadata) events.Event {
		if s.stage == events.Stage1 {
			return events.NewStage1ChunkEvent(md, s.model, text)
		}
		return events.NewStage2ChunkEvent(md, s.model, text)
	})
}

func (s *panelStream) ReasoningDelta(string) {}

var _ inference.TextStream = (*panelStream)(nil)

// chairmanStream forwards the chairman's answer and reasoning deltas on
// their separate stage-3 channels.
type chairmanStream struct {
	emitter *events.Emitter
	model   string
}

func (s *chairmanStream) Delta(text string) {
	s.emitter.EmitForModel(s.model, func(md events.EventMetadata) events.Event {
		return events.NewStage3ChunkEvent(md, text)
	})
}

func (s *chairmanStream) ReasoningDelta(text string) {
	s.emitter.EmitForModel(s.model, func(md events.EventMetadata) events.Event {
		return events.NewStage3ReasoningChunkEvent(md, text)
	})
}

var _ inference.TextStream = (*chairmanStream)(nil)
