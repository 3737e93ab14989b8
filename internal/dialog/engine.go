// Package dialog runs the interview conversation: a state machine that
// walks the plan stage by stage, listens for answers, probes with
// follow-ups, applies supervisor instructions at safe points, and
// produces the append-only transcript. All transitions happen on one
// goroutine; callers feed events in and read snapshots out.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-interview-bridge/internal/models"
	"ai-voice-interview-bridge/internal/observability/logging"
	"ai-voice-interview-bridge/internal/observability/metrics"
	"ai-voice-interview-bridge/internal/plan"
)

var (
	// ErrAlreadyStarted reports a second Start on a running engine.
	ErrAlreadyStarted = errors.New("dialog already started")

	// ErrEnded reports an operation on a finished session.
	ErrEnded = errors.New("dialog ended")
)

// Prompter is what the engine needs from the outbound side: speak a
// piece of agent text, and cut the agent off mid-utterance.
type Prompter interface {
	SpeakText(ctx context.Context, text string) error
	StopSpeaking(ctx context.Context) error
}

// Hooks are optional callbacks fired from the engine goroutine. Keep
// them fast; slow hooks stall the conversation.
type Hooks struct {
	OnTurn  func(models.TurnRecord)
	OnFinal func(models.Transcript)
}

// Config holds the conversation parameters.
type Config struct {
	SessionID string
	Plan      *plan.Plan
	Candidate plan.Candidate

	GreetingTemplate string
	ClosingTemplate  string

	// SilenceTimeout bounds how long listening waits for an answer
	// before recording an empty candidate turn and moving on.
	SilenceTimeout time.Duration

	// MaxFollowUps caps follow-ups per stage regardless of what the
	// stage's own budget says.
	MaxFollowUps int

	Policy FollowUpPolicy
	Hooks  Hooks
}

type eventKind int

const (
	evAgentDone eventKind = iota
	evAnswer
	evBargeIn
	evInstruction
	evStop
)

type event struct {
	kind      eventKind
	text      string
	startedAt time.Time
	endedAt   time.Time
	reason    string
}

// utterance tracks the agent text currently being spoken.
type utterance struct {
	text      string
	speaker   models.Speaker
	startedAt time.Time
}

// Engine is the dialog state machine for one interview session.
type Engine struct {
	cfg      Config
	prompter Prompter
	policy   FollowUpPolicy
	logger   zerolog.Logger

	events    chan event
	done      chan struct{}
	startOnce sync.Once
	started   bool

	mu         sync.Mutex
	state      State
	transcript models.Transcript
	pending    []int // indices into transcript.Instructions still pending
}

// New validates the plan and builds an engine in awaiting-start.
func New(cfg Config, prompter Prompter) (*Engine, error) {
	if err := cfg.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 15 * time.Second
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewBudgetPolicy(cfg.MaxFollowUps)
	}
	return &Engine{
		cfg:      cfg,
		prompter: prompter,
		policy:   policy,
		logger:   logging.WithSession(cfg.SessionID).With().Str("component", "dialog").Logger(),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		state:    StateAwaitingStart,
		transcript: models.Transcript{
			SessionID: cfg.SessionID,
			Candidate: cfg.Candidate.Name,
		},
	}, nil
}

// State reports the current conversation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done closes when the conversation reaches ended.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Transcript returns a snapshot. Always available, including after an
// aborted session; partial transcripts carry Complete=false.
func (e *Engine) Transcript() models.Transcript {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.transcript
	t.Turns = append([]models.TurnRecord(nil), e.transcript.Turns...)
	t.Instructions = append([]models.SupervisorInstruction(nil), e.transcript.Instructions...)
	return t
}

// Start begins the conversation with the greeting. Single-shot.
func (e *Engine) Start(ctx context.Context) error {
	var started bool
	e.startOnce.Do(func() {
		started = true
		e.mu.Lock()
		e.started = true
		e.transcript.StartedAt = time.Now()
		e.mu.Unlock()
		go e.run(ctx)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// AgentSpeechDone signals that the current agent utterance finished
// playing.
func (e *Engine) AgentSpeechDone() { e.enqueue(event{kind: evAgentDone}) }

// Answer delivers a completed candidate answer.
func (e *Engine) Answer(text string, startedAt, endedAt time.Time) {
	e.enqueue(event{kind: evAnswer, text: text, startedAt: startedAt, endedAt: endedAt})
}

// BargeIn signals that the candidate started speaking over the agent.
func (e *Engine) BargeIn() { e.enqueue(event{kind: evBargeIn}) }

// InjectInstruction queues a supervisor directive. It is applied at the
// next safe point (right after an answer is evaluated) or recorded as
// dropped when the session ends first.
func (e *Engine) InjectInstruction(text string) error {
	select {
	case <-e.done:
		return ErrEnded
	default:
	}
	e.enqueue(event{kind: evInstruction, text: text, startedAt: time.Now()})
	return nil
}

// Stop aborts the conversation. Idempotent; the transcript remains
// available afterwards.
func (e *Engine) Stop(reason string) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		// Never ran; finalize directly.
		e.finish(false, reason)
		return
	}
	e.enqueue(event{kind: evStop, reason: reason})
}

func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// run is the single goroutine that owns every transition.
func (e *Engine) run(ctx context.Context) {
	var (
		stageIdx      int
		followUpsUsed int
		current       utterance
		listenStart   time.Time
		stageExpired  bool

		silenceTimer *time.Timer
		silenceCh    <-chan time.Time
		stageTimer   *time.Timer
		stageCh      <-chan time.Time
	)

	stopSilence := func() {
		if silenceTimer != nil {
			silenceTimer.Stop()
			silenceTimer = nil
			silenceCh = nil
		}
	}
	stopStage := func() {
		if stageTimer != nil {
			stageTimer.Stop()
			stageTimer = nil
			stageCh = nil
		}
	}
	defer stopSilence()
	defer stopStage()

	speak := func(text string, speaker models.Speaker, st State) {
		current = utterance{text: text, speaker: speaker, startedAt: time.Now()}
		e.setState(st)
		if err := e.prompter.SpeakText(ctx, text); err != nil {
			e.logger.Error().Err(err).Str("state", st.String()).Msg("Failed to send agent text")
		}
	}

	recordTurn := func(speaker models.Speaker, text string, startedAt, endedAt time.Time, truncated bool) {
		rec := models.TurnRecord{
			Speaker:    speaker,
			Text:       text,
			StartedAt:  startedAt,
			EndedAt:    endedAt,
			StageIndex: stageIdx,
			Truncated:  truncated,
		}
		e.mu.Lock()
		e.transcript.Turns = append(e.transcript.Turns, rec)
		e.mu.Unlock()
		metrics.DefaultMetrics.TurnsRecorded.WithLabelValues(string(speaker)).Inc()
		if e.cfg.Hooks.OnTurn != nil {
			e.cfg.Hooks.OnTurn(rec)
		}
	}

	askStage := func() {
		stage := e.cfg.Plan.Stages[stageIdx]
		followUpsUsed = 0
		stageExpired = false
		stopStage()
		if stage.TimeBudget > 0 {
			stageTimer = time.NewTimer(stage.TimeBudget)
			stageCh = stageTimer.C
		}
		e.logger.Info().Int("stage", stageIdx).Msg("Asking stage prompt")
		speak(stage.Prompt, models.SpeakerAgent, StateAsking)
	}

	beginClosing := func() {
		stopStage()
		stopSilence()
		e.logger.Info().Msg("Plan exhausted, closing interview")
		speak(fmt.Sprintf(e.cfg.ClosingTemplate, e.cfg.Candidate.Name), models.SpeakerAgent, StateClosing)
	}

	advanceStage := func() {
		stageIdx++
		if stageIdx >= len(e.cfg.Plan.Stages) {
			stageIdx = len(e.cfg.Plan.Stages) - 1
			beginClosing()
			return
		}
		askStage()
	}

	// The safe injection point: right after an answer (or silence) has
	// been evaluated. Instruction first, then follow-up policy, then
	// the next stage.
	evaluate := func(answer string) {
		e.setState(StateEvaluating)

		if text, ok := e.takePendingInstruction(); ok {
			e.logger.Info().Msg("Applying supervisor instruction")
			speak(text, models.SpeakerSupervisorOverride, StateAsking)
			return
		}
		if stageExpired {
			e.logger.Info().Int("stage", stageIdx).Msg("Stage time budget spent, advancing")
			advanceStage()
			return
		}
		stage := e.cfg.Plan.Stages[stageIdx]
		if e.policy.ShouldFollowUp(stage, answer, followUpsUsed) {
			prompt := followUpPrompt(followUpsUsed)
			followUpsUsed++
			metrics.DefaultMetrics.FollowUpsAsked.Inc()
			speak(prompt, models.SpeakerAgent, StateFollowUp)
			return
		}
		advanceStage()
	}

	speak(fmt.Sprintf(e.cfg.GreetingTemplate, e.cfg.Candidate.Name), models.SpeakerAgent, StateGreeting)

	for {
		select {
		case <-ctx.Done():
			e.finish(false, "context cancelled")
			return

		case <-silenceCh:
			stopSilence()
			metrics.DefaultMetrics.SilenceTimeouts.Inc()
			e.logger.Warn().
				Int("stage", stageIdx).
				Dur("timeout", e.cfg.SilenceTimeout).
				Msg("Silence timeout, recording empty answer")
			now := time.Now()
			recordTurn(models.SpeakerCandidate, "", listenStart, now, false)
			evaluate("")

		case <-stageCh:
			stopStage()
			stageExpired = true
			if e.State() == StateListening {
				stopSilence()
				e.logger.Info().Int("stage", stageIdx).Msg("Stage time budget spent while listening, advancing")
				advanceStage()
			}

		case ev := <-e.events:
			switch ev.kind {
			case evAgentDone:
				st := e.State()
				if !st.AgentSpeaking() {
					continue
				}
				recordTurn(current.speaker, current.text, current.startedAt, time.Now(), false)
				switch st {
				case StateGreeting:
					askStage()
				case StateAsking, StateFollowUp:
					e.setState(StateListening)
					listenStart = time.Now()
					stopSilence()
					silenceTimer = time.NewTimer(e.cfg.SilenceTimeout)
					silenceCh = silenceTimer.C
				case StateClosing:
					e.finish(true, "completed")
					return
				}

			case evAnswer:
				if e.State() != StateListening {
					e.logger.Debug().Str("state", e.State().String()).Msg("Ignoring answer outside listening")
					continue
				}
				stopSilence()
				recordTurn(models.SpeakerCandidate, ev.text, ev.startedAt, ev.endedAt, false)
				evaluate(ev.text)

			case evBargeIn:
				st := e.State()
				if !st.AgentSpeaking() || st == StateClosing {
					continue
				}
				metrics.DefaultMetrics.BargeIns.Inc()
				e.logger.Info().Str("state", st.String()).Msg("Barge-in, yielding the floor")
				if err := e.prompter.StopSpeaking(ctx); err != nil {
					e.logger.Warn().Err(err).Msg("Failed to send stop-speak")
				}
				recordTurn(current.speaker, current.text, current.startedAt, time.Now(), true)
				if st == StateGreeting {
					// Candidate talked over the greeting; move to the
					// first question once they finish.
					askStage()
					continue
				}
				e.setState(StateListening)
				listenStart = time.Now()
				stopSilence()
				silenceTimer = time.NewTimer(e.cfg.SilenceTimeout)
				silenceCh = silenceTimer.C

			case evInstruction:
				metrics.DefaultMetrics.InstructionsInjected.Inc()
				e.mu.Lock()
				e.transcript.Instructions = append(e.transcript.Instructions, models.SupervisorInstruction{
					Text:       ev.text,
					ReceivedAt: ev.startedAt,
					Status:     models.InstructionPending,
				})
				e.pending = append(e.pending, len(e.transcript.Instructions)-1)
				e.mu.Unlock()
				e.logger.Info().Msg("Supervisor instruction queued")

			case evStop:
				e.finish(false, ev.reason)
				return
			}
		}
	}
}

func (e *Engine) setState(st State) {
	e.mu.Lock()
	prev := e.state
	e.state = st
	e.mu.Unlock()
	if prev != st {
		e.logger.Debug().
			Str("from", prev.String()).
			Str("to", st.String()).
			Msg("Dialog state changed")
	}
}

// takePendingInstruction pops the oldest pending instruction and marks
// it applied.
func (e *Engine) takePendingInstruction() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return "", false
	}
	idx := e.pending[0]
	e.pending = e.pending[1:]
	e.transcript.Instructions[idx].Status = models.InstructionApplied
	e.transcript.Instructions[idx].AppliedAt = time.Now()
	metrics.DefaultMetrics.InstructionsApplied.Inc()
	return e.transcript.Instructions[idx].Text, true
}

// finish seals the transcript. Pending instructions become dropped;
// they are never lost silently.
func (e *Engine) finish(complete bool, reason string) {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.state = StateEnded
	e.transcript.EndedAt = time.Now()
	e.transcript.Complete = complete
	for _, idx := range e.pending {
		e.transcript.Instructions[idx].Status = models.InstructionDropped
		e.transcript.Instructions[idx].DropReason = reason
		metrics.DefaultMetrics.InstructionsDropped.Inc()
	}
	e.pending = nil
	final := e.transcript
	e.mu.Unlock()

	metrics.DefaultMetrics.SessionsEnded.WithLabelValues(reason).Inc()
	e.logger.Info().
		Bool("complete", complete).
		Str("reason", reason).
		Int("turns", len(final.Turns)).
		Msg("Dialog ended")
	if e.cfg.Hooks.OnFinal != nil {
		e.cfg.Hooks.OnFinal(final)
	}
	close(e.done)
}
