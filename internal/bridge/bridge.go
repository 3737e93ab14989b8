// Package bridge is the session adapter: the single entry point that
// wires the transport session, the audio manager, and the dialog
// engine together for one interview, and guarantees teardown from any
// state.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-voice-interview-bridge/internal/audio"
	"ai-voice-interview-bridge/internal/audio/device"
	"ai-voice-interview-bridge/internal/audio/sim"
	"ai-voice-interview-bridge/internal/config"
	"ai-voice-interview-bridge/internal/dialog"
	"ai-voice-interview-bridge/internal/events"
	"ai-voice-interview-bridge/internal/models"
	"ai-voice-interview-bridge/internal/observability/logging"
	"ai-voice-interview-bridge/internal/observability/metrics"
	"ai-voice-interview-bridge/internal/plan"
	"ai-voice-interview-bridge/internal/protocol"
	"ai-voice-interview-bridge/internal/transport"
)

var (
	// ErrAlreadyRunning reports a Start while a session is active.
	ErrAlreadyRunning = errors.New("interview session already running")

	// ErrNotRunning reports an operation that needs an active session.
	ErrNotRunning = errors.New("no interview session running")
)

// dialogSession is the slice of *transport.Session the bridge uses.
// Tests substitute a scripted implementation.
type dialogSession interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, kind protocol.Kind, payload []byte) error
	SendAudio(data []byte)
	Messages() <-chan *protocol.Message
	Errors() <-chan error
	Close() error
}

// textPayload is the body of inbound and outbound text frames.
type textPayload struct {
	Text string `json:"text"`
}

// turnPayload marks turn boundaries on the wire.
type turnPayload struct {
	Speaker string `json:"speaker"`
}

type controlBody struct {
	Type string `json:"type"`
}

// Bridge runs one interview session at a time.
type Bridge struct {
	cfg    *config.Configuration
	pub    *events.Publisher
	logger zerolog.Logger

	// Test seams; production uses the defaults set in New.
	newSession      func(transport.Config) dialogSession
	newAudio        func(sessionID string) (*audio.Manager, error)
	newDeviceSource func(sampleRateHz int) (audio.Source, error)

	// stopMu serializes Stop so that a caller racing the bridge's own
	// teardown blocks until the transcript is stored rather than seeing
	// a zero value.
	stopMu sync.Mutex

	mu         sync.Mutex
	running    bool
	sessionID  string
	startedAt  time.Time
	sess       dialogSession
	mgr        *audio.Manager
	engine     *dialog.Engine
	stopChan   chan struct{}
	lastResult models.Transcript
}

// New builds an idle bridge.
func New(cfg *config.Configuration, pub *events.Publisher) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		pub:    pub,
		logger: logging.WithComponent("bridge"),
	}
	b.newSession = func(tc transport.Config) dialogSession {
		return transport.NewSession(tc)
	}
	b.newAudio = b.defaultAudio
	b.newDeviceSource = func(sampleRateHz int) (audio.Source, error) {
		return device.NewSource(sampleRateHz)
	}
	return b
}

// defaultAudio opens hardware audio, falling back to simulated when no
// device is available or simulation is forced.
func (b *Bridge) defaultAudio(sessionID string) (*audio.Manager, error) {
	acfg := audio.Config{
		ChunkDuration:      b.cfg.Audio.ChunkDuration,
		CaptureSampleRate:  b.cfg.Audio.CaptureSampleRate,
		PlaybackSampleRate: b.cfg.Audio.PlaybackSampleRate,
		PlaybackQueue:      b.cfg.Audio.PlaybackQueue,
	}
	simulated := func(reason string) *audio.Manager {
		b.logger.Warn().
			Str("session_id", sessionID).
			Str("reason", reason).
			Msg("Using simulated audio")
		src := sim.NewSource(acfg.CaptureSampleRate, acfg.ChunkDuration)
		return audio.NewManager(acfg, audio.ModeSimulated, src, sim.NewSink())
	}

	if b.cfg.Audio.ForceSimulated {
		return simulated("forced by configuration"), nil
	}
	src, err := b.newDeviceSource(acfg.CaptureSampleRate)
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return simulated(err.Error()), nil
		}
		return nil, err
	}
	return audio.NewManager(acfg, audio.ModeHardware, src, device.NewSink(acfg.PlaybackSampleRate)), nil
}

// SessionID reports the active session's identifier, empty when idle.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return ""
	}
	return b.sessionID
}

// Running reports whether an interview is in progress.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Status summarizes the bridge for the status endpoint.
func (b *Bridge) Status() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := map[string]any{"running": b.running}
	if b.running {
		s["session_id"] = b.sessionID
		s["started_at"] = b.startedAt
		s["audio_mode"] = string(b.mgr.Mode())
		s["dialog_state"] = b.engine.State().String()
	}
	return s
}

// Start validates the plan, connects the transport, opens audio with
// simulated fallback, and begins the conversation. One session at a
// time.
func (b *Bridge) Start(ctx context.Context, p *plan.Plan, cand plan.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("rejecting interview plan: %w", err)
	}

	sessionID := uuid.NewString()
	logger := logging.WithSession(sessionID).With().Str("component", "bridge").Logger()

	sess := b.newSession(transport.Config{
		BaseURL: b.cfg.Transport.BaseURL,
		Credentials: transport.Credentials{
			AppID:      b.cfg.Transport.AppID,
			AccessKey:  b.cfg.Transport.AccessKey,
			ResourceID: b.cfg.Transport.ResourceID,
			AppKey:     b.cfg.Transport.AppKey,
		},
		SessionID:          sessionID,
		CaptureSampleRate:  b.cfg.Audio.CaptureSampleRate,
		PlaybackSampleRate: b.cfg.Audio.PlaybackSampleRate,
		HandshakeTimeout:   b.cfg.Transport.HandshakeTimeout,
		HeartbeatInterval:  b.cfg.Transport.HeartbeatInterval,
		HeartbeatGrace:     b.cfg.Transport.HeartbeatGrace,
		ReconnectBase:      b.cfg.Transport.ReconnectBase,
		ReconnectMax:       b.cfg.Transport.ReconnectMax,
		MaxReconnects:      b.cfg.Transport.MaxReconnects,
		OutboundQueue:      b.cfg.Transport.OutboundQueue,
		ReorderWindow:      b.cfg.Transport.ReorderWindow,
		MaxPayloadBytes:    b.cfg.Transport.MaxPayloadSize,
	})
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connecting dialog service: %w", err)
	}

	mgr, err := b.newAudio(sessionID)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("opening audio: %w", err)
	}

	engine, err := dialog.New(dialog.Config{
		SessionID:        sessionID,
		Plan:             p,
		Candidate:        cand,
		GreetingTemplate: b.cfg.Dialog.GreetingTemplate,
		ClosingTemplate:  b.cfg.Dialog.ClosingTemplate,
		SilenceTimeout:   b.cfg.Dialog.SilenceTimeout,
		MaxFollowUps:     b.cfg.Dialog.MaxFollowUps,
		Hooks: dialog.Hooks{
			OnTurn:  func(rec models.TurnRecord) { b.publishTurn(sessionID, rec) },
			OnFinal: func(tr models.Transcript) { b.publishTranscript(sessionID, tr) },
		},
	}, &sessionPrompter{sess: sess, mgr: mgr})
	if err != nil {
		_ = mgr.Stop()
		_ = sess.Close()
		return err
	}

	chunks, err := mgr.StartCapture(ctx)
	if err != nil {
		_ = mgr.Stop()
		_ = sess.Close()
		return fmt.Errorf("starting capture: %w", err)
	}
	if err := mgr.StartPlayback(ctx); err != nil {
		_ = mgr.Stop()
		_ = sess.Close()
		return fmt.Errorf("starting playback: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		_ = mgr.Stop()
		_ = sess.Close()
		return err
	}

	b.running = true
	b.sessionID = sessionID
	b.startedAt = time.Now()
	b.sess = sess
	b.mgr = mgr
	b.engine = engine
	b.stopChan = make(chan struct{})

	go b.captureLoop(chunks, sess, engine)
	go b.receiveLoop(sess, mgr, engine, b.stopChan)
	go b.watchEngine(engine, b.stopChan)

	metrics.DefaultMetrics.SessionsStarted.Inc()
	logger.Info().
		Str("candidate", cand.Name).
		Int("stages", len(p.Stages)).
		Str("audio_mode", string(mgr.Mode())).
		Msg("Interview session started")
	return nil
}

// captureLoop forwards capture chunks to the service and watches for
// barge-in while the agent is speaking.
func (b *Bridge) captureLoop(chunks <-chan audio.Chunk, sess dialogSession, engine *dialog.Engine) {
	threshold := b.cfg.Audio.BargeInThreshold
	for chunk := range chunks {
		sess.SendAudio(chunk.Data)
		if threshold > 0 && engine.State().AgentSpeaking() && audio.Energy(chunk.Data) >= threshold {
			engine.BargeIn()
		}
	}
}

// receiveLoop translates inbound frames into dialog events and
// playback.
func (b *Bridge) receiveLoop(sess dialogSession, mgr *audio.Manager, engine *dialog.Engine, stop <-chan struct{}) {
	var (
		answer      []byte
		answerStart time.Time
	)
	for {
		select {
		case <-stop:
			return
		case err := <-sess.Errors():
			if errors.Is(err, transport.ErrConnectionLost) {
				b.logger.Error().Err(err).Msg("Transport lost, aborting session")
				engine.Stop("connection lost")
				return
			}
			b.logger.Warn().Err(err).Msg("Transport error")
		case msg, ok := <-sess.Messages():
			if !ok {
				return
			}
			switch msg.Kind {
			case protocol.KindAudioChunk:
				mgr.EnqueuePlayback(audio.Chunk{Data: msg.Payload, CapturedAt: time.Now()})
			case protocol.KindTextChunk:
				var p textPayload
				if err := json.Unmarshal(msg.Payload, &p); err != nil {
					b.logger.Warn().Err(err).Msg("Dropped malformed text frame")
					continue
				}
				answer = append(answer, p.Text...)
			case protocol.KindTurnStart:
				if speakerOf(msg.Payload) == string(models.SpeakerCandidate) {
					answer = answer[:0]
					answerStart = time.Now()
				}
			case protocol.KindTurnEnd:
				switch speakerOf(msg.Payload) {
				case string(models.SpeakerAgent):
					engine.AgentSpeechDone()
				case string(models.SpeakerCandidate):
					if answerStart.IsZero() {
						answerStart = time.Now()
					}
					engine.Answer(string(answer), answerStart, time.Now())
					answer = answer[:0]
					answerStart = time.Time{}
				}
			case protocol.KindError:
				b.logger.Warn().
					Str("payload", string(msg.Payload)).
					Msg("Service reported an error")
			case protocol.KindControl:
				b.logger.Debug().Str("payload", string(msg.Payload)).Msg("Service control frame")
			}
		}
	}
}

// watchEngine finalizes the session when the conversation ends on its
// own.
func (b *Bridge) watchEngine(engine *dialog.Engine, stop <-chan struct{}) {
	select {
	case <-stop:
	case <-engine.Done():
		_, _ = b.Stop(context.Background())
	}
}

// InjectSupervisorInstruction queues an operator directive into the
// active conversation.
func (b *Bridge) InjectSupervisorInstruction(text string) error {
	b.mu.Lock()
	engine := b.engine
	running := b.running
	b.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return engine.InjectInstruction(text)
}

// Stop tears the session down and returns the transcript, partial if
// the interview did not finish. Idempotent: later calls return the
// same transcript.
func (b *Bridge) Stop(ctx context.Context) (models.Transcript, error) {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	b.mu.Lock()
	if !b.running {
		last := b.lastResult
		b.mu.Unlock()
		return last, nil
	}
	b.running = false
	sess := b.sess
	mgr := b.mgr
	engine := b.engine
	stopChan := b.stopChan
	startedAt := b.startedAt
	b.sess = nil
	b.mgr = nil
	b.engine = nil
	b.stopChan = nil
	b.mu.Unlock()

	// Resource release happens regardless of the state anything below
	// is in.
	defer func() {
		_ = mgr.Stop()
		_ = sess.Close()
		close(stopChan)
	}()

	engine.Stop("stopped")
	select {
	case <-engine.Done():
	case <-time.After(5 * time.Second):
		b.logger.Error().Msg("Dialog engine did not finish in time")
	case <-ctx.Done():
	}

	tr := engine.Transcript()
	b.mu.Lock()
	b.lastResult = tr
	b.mu.Unlock()

	metrics.DefaultMetrics.SessionDuration.Observe(time.Since(startedAt).Seconds())
	b.logger.Info().
		Str("session_id", tr.SessionID).
		Bool("complete", tr.Complete).
		Int("turns", len(tr.Turns)).
		Msg("Interview session stopped")
	return tr, nil
}

func (b *Bridge) publishTurn(sessionID string, rec models.TurnRecord) {
	if b.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.pub.PublishTurn(ctx, sessionID, models.TurnEvent{
		EventType:  "interview.turn.recorded",
		SessionID:  sessionID,
		Speaker:    rec.Speaker,
		Text:       rec.Text,
		StageIndex: rec.StageIndex,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (b *Bridge) publishTranscript(sessionID string, tr models.Transcript) {
	if b.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.pub.PublishTranscript(ctx, sessionID, models.TranscriptEvent{
		EventType:  "interview.transcript.final",
		SessionID:  sessionID,
		Transcript: &tr,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func speakerOf(payload []byte) string {
	var p turnPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Speaker
}

// sessionPrompter adapts the transport session to the dialog engine's
// outbound needs.
type sessionPrompter struct {
	sess dialogSession
	mgr  *audio.Manager
}

func (p *sessionPrompter) SpeakText(ctx context.Context, text string) error {
	body, err := json.Marshal(textPayload{Text: text})
	if err != nil {
		return err
	}
	return p.sess.Send(ctx, protocol.KindTextChunk, body)
}

func (p *sessionPrompter) StopSpeaking(ctx context.Context) error {
	// Drop queued agent audio first so the cut-off is audible
	// immediately, then tell the service.
	p.mgr.FlushPlayback()
	body, _ := json.Marshal(controlBody{Type: "stop-speak"})
	return p.sess.Send(ctx, protocol.KindControl, body)
}
