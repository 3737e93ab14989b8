package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ai-voice-interview-bridge/internal/audio"
	"ai-voice-interview-bridge/internal/audio/sim"
	"ai-voice-interview-bridge/internal/config"
	"ai-voice-interview-bridge/internal/models"
	"ai-voice-interview-bridge/internal/plan"
	"ai-voice-interview-bridge/internal/protocol"
	"ai-voice-interview-bridge/internal/transport"
)

type sentFrame struct {
	kind    protocol.Kind
	payload []byte
}

// fakeSession scripts the dialog service side of the conversation.
type fakeSession struct {
	mu     sync.Mutex
	msgs   chan *protocol.Message
	errs   chan error
	sentCh chan sentFrame
	sent   []sentFrame
	audio  int
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		msgs:   make(chan *protocol.Message, 64),
		errs:   make(chan error, 4),
		sentCh: make(chan sentFrame, 64),
	}
}

func (f *fakeSession) Connect(ctx context.Context) error { return nil }

func (f *fakeSession) Send(ctx context.Context, kind protocol.Kind, payload []byte) error {
	fr := sentFrame{kind: kind, payload: payload}
	f.mu.Lock()
	f.sent = append(f.sent, fr)
	f.mu.Unlock()
	select {
	case f.sentCh <- fr:
	default:
	}
	return nil
}

func (f *fakeSession) SendAudio(data []byte) {
	f.mu.Lock()
	f.audio++
	f.mu.Unlock()
}

func (f *fakeSession) Messages() <-chan *protocol.Message { return f.msgs }
func (f *fakeSession) Errors() <-chan error               { return f.errs }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) AudioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

// deliver pushes an inbound frame from the pretend service.
func (f *fakeSession) deliver(kind protocol.Kind, payload []byte) {
	f.msgsSend(&protocol.Message{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (f *fakeSession) msgsSend(m *protocol.Message) {
	select {
	case f.msgs <- m:
	case <-time.After(time.Second):
	}
}

func testBridgeConfig() *config.Configuration {
	return &config.Configuration{
		Service: config.ServiceConfig{Principal: "svc-test"},
		Transport: config.TransportConfig{
			BaseURL:          "ws://test.invalid/dialog",
			HandshakeTimeout: time.Second,
			MaxReconnects:    1,
			OutboundQueue:    8,
			ReorderWindow:    4,
		},
		Audio: config.AudioConfig{
			ChunkDuration:      10 * time.Millisecond,
			CaptureSampleRate:  1600,
			PlaybackSampleRate: 1600,
			PlaybackQueue:      8,
			BargeInThreshold:   1000,
		},
		Dialog: config.DialogConfig{
			SilenceTimeout:   time.Minute,
			MaxFollowUps:     2,
			GreetingTemplate: "Hello %s, welcome to the interview. Let's begin.",
			ClosingTemplate:  "Thank you for your time, %s. That concludes the interview.",
		},
	}
}

func testBridge(t *testing.T) (*Bridge, *fakeSession) {
	t.Helper()
	sess := newFakeSession()
	b := New(testBridgeConfig(), nil)
	b.newSession = func(tc transport.Config) dialogSession { return sess }
	b.newAudio = func(sessionID string) (*audio.Manager, error) {
		acfg := audio.Config{
			ChunkDuration:      10 * time.Millisecond,
			CaptureSampleRate:  1600,
			PlaybackSampleRate: 1600,
			PlaybackQueue:      8,
		}
		src := sim.NewSource(acfg.CaptureSampleRate, acfg.ChunkDuration)
		return audio.NewManager(acfg, audio.ModeSimulated, src, sim.NewSink()), nil
	}
	return b, sess
}

func onePlan() *plan.Plan {
	return &plan.Plan{Stages: []plan.Stage{{Prompt: "Tell me about yourself."}}}
}

// serveInterview plays the service role: acks every agent utterance,
// and answers each prompt after the greeting with one candidate turn.
func serveInterview(sess *fakeSession, answers []string) {
	agentPayload, _ := json.Marshal(turnPayload{Speaker: string(models.SpeakerAgent)})
	candStart, _ := json.Marshal(turnPayload{Speaker: string(models.SpeakerCandidate)})
	utterances := 0
	idx := 0
	for fr := range sess.sentCh {
		if fr.kind != protocol.KindTextChunk {
			continue
		}
		utterances++
		// The agent's utterance finished playing.
		sess.deliver(protocol.KindTurnEnd, agentPayload)
		if utterances == 1 {
			continue // greeting takes no answer
		}
		if idx < len(answers) {
			text, _ := json.Marshal(textPayload{Text: answers[idx]})
			sess.deliver(protocol.KindTurnStart, candStart)
			sess.deliver(protocol.KindTextChunk, text)
			sess.deliver(protocol.KindTurnEnd, candStart)
			idx++
		}
	}
}

func TestStart_RejectsInvalidPlan(t *testing.T) {
	b, _ := testBridge(t)
	err := b.Start(context.Background(), &plan.Plan{}, plan.Candidate{Name: "Sam"})
	if !errors.Is(err, plan.ErrEmptyPlan) {
		t.Fatalf("Expected ErrEmptyPlan, got %v", err)
	}
	if b.Running() {
		t.Error("Expected bridge idle after rejected plan")
	}
}

func TestStart_SecondStartFails(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, nil)
	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop(context.Background())

	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestFullSession_EndToEnd(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, []string{"I build data pipelines."})

	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Greeting -> stage prompt -> answer -> closing -> ended; the
	// bridge tears itself down when the conversation completes.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && b.Running() {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Running() {
		t.Fatal("Bridge never finished the interview")
	}

	tr, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !tr.Complete {
		t.Error("Expected complete transcript")
	}
	var candidateText string
	for _, turn := range tr.Turns {
		if turn.Speaker == models.SpeakerCandidate {
			candidateText = turn.Text
		}
	}
	if candidateText != "I build data pipelines." {
		t.Errorf("Expected candidate answer in transcript, got %q", candidateText)
	}
	if !sess.Closed() {
		t.Error("Expected transport closed after completion")
	}
}

func TestFullSession_ThreeStagesAlternateWithoutFollowUps(t *testing.T) {
	b, sess := testBridge(t)
	b.cfg.Dialog.MaxFollowUps = 1
	p := &plan.Plan{Stages: []plan.Stage{
		{Prompt: "Walk me through your background."},
		{Prompt: "Describe a production incident you handled."},
		{Prompt: "What would you improve about your last project?"},
	}}
	answers := []string{
		"I spent five years on infrastructure teams.",
		"A cascading cache failure; we recovered within the hour.",
		"The deployment pipeline needed better gating.",
	}
	go serveInterview(sess, answers)

	if err := b.Start(context.Background(), p, plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && b.Running() {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Running() {
		t.Fatal("Bridge never finished the interview")
	}

	tr, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !tr.Complete {
		t.Error("Expected complete transcript")
	}

	// Greeting, then strict question/answer alternation, then closing.
	// No stage grants a follow-up budget, so each prompt takes exactly
	// one candidate turn.
	wantSpeakers := []models.Speaker{
		models.SpeakerAgent, // greeting
		models.SpeakerAgent, models.SpeakerCandidate, // stage 0
		models.SpeakerAgent, models.SpeakerCandidate, // stage 1
		models.SpeakerAgent, models.SpeakerCandidate, // stage 2
		models.SpeakerAgent, // closing
	}
	if len(tr.Turns) != len(wantSpeakers) {
		t.Fatalf("Expected %d turns, got %d: %+v", len(wantSpeakers), len(tr.Turns), tr.Turns)
	}
	for i, want := range wantSpeakers {
		if tr.Turns[i].Speaker != want {
			t.Errorf("Turn %d: expected speaker %s, got %s", i, want, tr.Turns[i].Speaker)
		}
	}
	var candidateTurns []models.TurnRecord
	for _, turn := range tr.Turns {
		if turn.Speaker == models.SpeakerCandidate {
			candidateTurns = append(candidateTurns, turn)
		}
	}
	if len(candidateTurns) != len(answers) {
		t.Fatalf("Expected %d candidate turns, got %d", len(answers), len(candidateTurns))
	}
	for i, turn := range candidateTurns {
		if turn.Text != answers[i] {
			t.Errorf("Answer %d: expected %q, got %q", i, answers[i], turn.Text)
		}
		if turn.StageIndex != i {
			t.Errorf("Answer %d: expected stage index %d, got %d", i, i, turn.StageIndex)
		}
	}
}

func TestCaptureChunksForwardedToService(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, nil)
	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.AudioFrames() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("No capture chunks reached the service")
}

func TestStop_ReleasesResourcesFromAnyState(t *testing.T) {
	b, sess := testBridge(t)
	var mgr *audio.Manager
	inner := b.newAudio
	b.newAudio = func(sessionID string) (*audio.Manager, error) {
		m, err := inner(sessionID)
		mgr = m
		return m, err
	}
	go serveInterview(sess, nil)

	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Stop mid-greeting, before any answer.
	tr, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if tr.Complete {
		t.Error("Expected partial transcript")
	}
	if !sess.Closed() {
		t.Error("Expected transport closed")
	}
	if !mgr.Released() {
		t.Error("Expected audio devices released")
	}
	if b.Running() {
		t.Error("Expected bridge idle")
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, nil)
	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("First Stop failed: %v", err)
	}
	second, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("Expected same transcript from both stops: %q vs %q", first.SessionID, second.SessionID)
	}
	if len(first.Turns) != len(second.Turns) {
		t.Errorf("Transcript changed between stops: %d vs %d turns", len(first.Turns), len(second.Turns))
	}
}

func TestStop_ConcurrentCallersSeeSameTranscript(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, nil)
	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	results := make(chan models.Transcript, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tr, err := b.Stop(context.Background())
			if err != nil {
				t.Errorf("Stop failed: %v", err)
			}
			results <- tr
		}()
	}
	first := <-results
	second := <-results
	if first.SessionID == "" || second.SessionID == "" {
		t.Fatalf("A concurrent Stop returned an empty transcript: %q vs %q", first.SessionID, second.SessionID)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("Transcripts diverged: %q vs %q", first.SessionID, second.SessionID)
	}
	if len(first.Turns) != len(second.Turns) {
		t.Errorf("Turn counts diverged: %d vs %d", len(first.Turns), len(second.Turns))
	}
}

func TestConnectionLost_AbortsWithPartialTranscript(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, nil)
	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sess.errs <- transport.ErrConnectionLost

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && b.Running() {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Running() {
		t.Fatal("Bridge never aborted after connection loss")
	}
	tr, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if tr.Complete {
		t.Error("Expected partial transcript after connection loss")
	}
}

func TestInjectSupervisorInstruction_RequiresRunningSession(t *testing.T) {
	b, _ := testBridge(t)
	if err := b.InjectSupervisorInstruction("Ask about testing."); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestInjectSupervisorInstruction_ReachesTranscript(t *testing.T) {
	b, sess := testBridge(t)
	go serveInterview(sess, nil)
	if err := b.Start(context.Background(), onePlan(), plan.Candidate{Name: "Sam"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := b.InjectSupervisorInstruction("Ask about their testing habits."); err != nil {
		t.Fatalf("InjectSupervisorInstruction failed: %v", err)
	}

	// Wait for the instruction to land before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		engine := b.engine
		b.mu.Unlock()
		if engine != nil && len(engine.Transcript().Instructions) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tr, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(tr.Instructions) != 1 {
		t.Fatalf("Expected 1 instruction in transcript, got %d", len(tr.Instructions))
	}
	if tr.Instructions[0].Status != models.InstructionDropped {
		t.Errorf("Expected instruction dropped on early stop, got %s", tr.Instructions[0].Status)
	}
}

func TestDefaultAudio_FallsBackToSimulated(t *testing.T) {
	b := New(testBridgeConfig(), nil)
	b.newDeviceSource = func(sampleRateHz int) (audio.Source, error) {
		return nil, fmt.Errorf("%w: no capture device", audio.ErrDeviceUnavailable)
	}
	mgr, err := b.defaultAudio("sess-fallback")
	if err != nil {
		t.Fatalf("Expected simulated fallback, got error: %v", err)
	}
	if mgr.Mode() != audio.ModeSimulated {
		t.Errorf("Expected simulated mode, got %s", mgr.Mode())
	}
}

func TestDefaultAudio_ForceSimulated(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.Audio.ForceSimulated = true
	b := New(cfg, nil)
	b.newDeviceSource = func(sampleRateHz int) (audio.Source, error) {
		t.Fatal("Device must not be probed when simulation is forced")
		return nil, nil
	}
	mgr, err := b.defaultAudio("sess-forced")
	if err != nil {
		t.Fatalf("defaultAudio failed: %v", err)
	}
	if mgr.Mode() != audio.ModeSimulated {
		t.Errorf("Expected simulated mode, got %s", mgr.Mode())
	}
}
