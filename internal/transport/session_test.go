package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-voice-interview-bridge/internal/protocol"
)

type fakeConn struct {
	in     chan []byte // frames the session will read
	out    chan []byte // frames the session wrote
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		out:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 2, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testSessionConfig() Config {
	return Config{
		BaseURL: "ws://test.invalid/dialog",
		Credentials: Credentials{
			AppID:      "app-1",
			AccessKey:  "key-1",
			ResourceID: "volc.speech.dialog",
			AppKey:     "appkey-1",
		},
		SessionID:          "sess-test",
		CaptureSampleRate:  16000,
		PlaybackSampleRate: 24000,
		HandshakeTimeout:   2 * time.Second,
		HeartbeatInterval:  0, // off unless a test enables it
		HeartbeatGrace:     0,
		ReconnectBase:      time.Millisecond,
		ReconnectMax:       4 * time.Millisecond,
		MaxReconnects:      2,
		OutboundQueue:      8,
		ReorderWindow:      4,
	}
}

// serveHandshake answers the session's hello with a handshake ack.
func serveHandshake(t *testing.T, conn *fakeConn) {
	t.Helper()
	codec := protocol.NewCodec(0)
	select {
	case data := <-conn.out:
		msg, err := codec.Decode(data)
		if err != nil {
			t.Errorf("Server failed to decode hello: %v", err)
			return
		}
		if msg.Kind != protocol.KindHandshake {
			t.Errorf("Expected handshake frame, got %s", msg.Kind)
			return
		}
		var hello helloPayload
		if err := json.Unmarshal(msg.Payload, &hello); err != nil {
			t.Errorf("Invalid hello payload: %v", err)
			return
		}
		if hello.CaptureSampleRate != 16000 || hello.PlaybackSampleRate != 24000 {
			t.Errorf("Unexpected audio profile: %+v", hello)
		}
		ack, _ := codec.Encode(&protocol.Message{
			Kind:      protocol.KindHandshake,
			Sequence:  1,
			Payload:   []byte(`{"status":"ok"}`),
			Timestamp: time.Now().UnixMilli(),
		})
		conn.in <- ack
	case <-time.After(2 * time.Second):
		t.Error("Server never received hello")
	}
}

func connectedSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	s := NewSession(testSessionConfig())
	conn := newFakeConn()
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	}
	go serveHandshake(t, conn)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return s, conn
}

func TestConnect_HandshakeSucceeds(t *testing.T) {
	s := NewSession(testSessionConfig())
	conn := newFakeConn()
	var gotHeader http.Header
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		gotHeader = header
		return conn, nil
	}
	go serveHandshake(t, conn)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	if s.State() != StateReady {
		t.Errorf("Expected state ready, got %s", s.State())
	}
	for _, h := range []string{"X-Api-App-ID", "X-Api-Access-Key", "X-Api-Resource-Id", "X-Api-App-Key", "X-Api-Connect-Id"} {
		if gotHeader.Get(h) == "" {
			t.Errorf("Missing credential header %s", h)
		}
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected on second Connect, got %v", err)
	}
}

func TestConnect_ServiceRejectionIsHandshakeError(t *testing.T) {
	s := NewSession(testSessionConfig())
	conn := newFakeConn()
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	}
	codec := protocol.NewCodec(0)
	go func() {
		<-conn.out
		rejection, _ := codec.Encode(&protocol.Message{
			Kind:      protocol.KindError,
			Sequence:  1,
			Payload:   []byte(`{"error":"invalid credentials"}`),
			Timestamp: time.Now().UnixMilli(),
		})
		conn.in <- rejection
	}()

	err := s.Connect(context.Background())
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("Expected HandshakeError, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected state disconnected after failed handshake, got %s", s.State())
	}
}

func TestConnect_DialFailureIsHandshakeError(t *testing.T) {
	s := NewSession(testSessionConfig())
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	err := s.Connect(context.Background())
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("Expected HandshakeError, got %v", err)
	}
}

func TestMessages_OutOfOrderFramesAreReordered(t *testing.T) {
	s, conn := connectedSession(t)
	defer s.Close()

	codec := protocol.NewCodec(0)
	send := func(seq uint32, text string) {
		frame, _ := codec.Encode(&protocol.Message{
			Kind:      protocol.KindTextChunk,
			Sequence:  seq,
			Payload:   []byte(text),
			Timestamp: time.Now().UnixMilli(),
		})
		conn.in <- frame
	}

	send(10, "first")
	send(12, "third") // held until 11 arrives
	send(11, "second")
	send(10, "stale") // at or below last delivered, dropped

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case m := <-s.Messages():
			got = append(got, string(m.Payload))
		case <-timeout:
			t.Fatalf("Timed out waiting for frames, got %v", got)
		}
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Frame %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	select {
	case m := <-s.Messages():
		t.Errorf("Expected stale frame to be dropped, got %q", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessages_UndecodableFrameIsDropped(t *testing.T) {
	s, conn := connectedSession(t)
	defer s.Close()

	conn.in <- []byte{0xFF, 0xFF} // garbage

	codec := protocol.NewCodec(0)
	frame, _ := codec.Encode(&protocol.Message{
		Kind:      protocol.KindTextChunk,
		Sequence:  5,
		Payload:   []byte("after garbage"),
		Timestamp: time.Now().UnixMilli(),
	})
	conn.in <- frame

	select {
	case m := <-s.Messages():
		if string(m.Payload) != "after garbage" {
			t.Errorf("Expected the valid frame, got %q", m.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream stalled after garbage frame")
	}
}

func TestSend_WritesControlFrame(t *testing.T) {
	s, conn := connectedSession(t)
	defer s.Close()

	payload := []byte(`{"type":"stop-speak"}`)
	if err := s.Send(context.Background(), protocol.KindControl, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	codec := protocol.NewCodec(0)
	select {
	case data := <-conn.out:
		msg, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if msg.Kind != protocol.KindControl {
			t.Errorf("Expected control frame, got %s", msg.Kind)
		}
		if string(msg.Payload) != string(payload) {
			t.Errorf("Payload mismatch: %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Control frame never written")
	}
}

func TestSendAudio_DropsOldestWhenQueueFull(t *testing.T) {
	cfg := testSessionConfig()
	cfg.OutboundQueue = 2
	s := NewSession(cfg)
	// Ready state without loops running, so the queue fills.
	s.state.Store(int32(StateReady))

	s.SendAudio([]byte{1})
	s.SendAudio([]byte{2})
	s.SendAudio([]byte{3}) // evicts chunk 1

	if len(s.audioQueue) != 2 {
		t.Fatalf("Expected 2 queued chunks, got %d", len(s.audioQueue))
	}
	first := <-s.audioQueue
	second := <-s.audioQueue
	if first.Payload[0] != 2 || second.Payload[0] != 3 {
		t.Errorf("Expected chunks 2 and 3 to survive, got %d and %d", first.Payload[0], second.Payload[0])
	}
}

func TestReconnect_ExhaustionEmitsConnectionLost(t *testing.T) {
	s := NewSession(testSessionConfig())
	conn := newFakeConn()
	var dials atomic.Int32
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		if dials.Add(1) == 1 {
			return conn, nil
		}
		return nil, fmt.Errorf("connection refused")
	}
	go serveHandshake(t, conn)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Server drops the connection.
	conn.Close()

	select {
	case err := <-s.Errors():
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("Expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ErrConnectionLost never emitted")
	}
	if got := dials.Load(); got != 3 { // initial dial + 2 reconnect attempts
		t.Errorf("Expected 3 dials, got %d", got)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected state disconnected, got %s", s.State())
	}
}

func TestReconnect_RecoversOnRetry(t *testing.T) {
	s := NewSession(testSessionConfig())
	first := newFakeConn()
	second := newFakeConn()
	var dials atomic.Int32
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	go serveHandshake(t, first)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	go serveHandshake(t, second)
	first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateReady && dials.Load() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Session never recovered; state=%s dials=%d", s.State(), dials.Load())
}

func TestHeartbeat_FramesSentOnInterval(t *testing.T) {
	cfg := testSessionConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatGrace = time.Minute
	s := NewSession(cfg)
	conn := newFakeConn()
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	}
	go serveHandshake(t, conn)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	codec := protocol.NewCodec(0)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.out:
			msg, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if isHeartbeat(msg) {
				return
			}
		case <-deadline:
			t.Fatal("No heartbeat frame within deadline")
		}
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	s, _ := connectedSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected state disconnected, got %s", s.State())
	}
	if err := s.Send(context.Background(), protocol.KindControl, nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after Close, got %v", err)
	}
}

func TestClose_ReadySessionSendsFinishControlFrame(t *testing.T) {
	s, conn := connectedSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	codec := protocol.NewCodec(0)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.out:
			msg, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Server failed to decode frame: %v", err)
			}
			if msg.Kind != protocol.KindControl {
				continue
			}
			var p controlPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				t.Fatalf("Invalid control payload: %v", err)
			}
			if p.Type != "finish" {
				t.Errorf("Expected finish control frame, got %q", p.Type)
			}
			if !s.Released() {
				t.Error("Expected session released after Close")
			}
			return
		case <-deadline:
			t.Fatal("No finish control frame written on Close of a ready session")
		}
	}
}

func TestReleased_FalseUntilClosed(t *testing.T) {
	s, _ := connectedSession(t)
	if s.Released() {
		t.Error("Expected Released false while connected")
	}
	_ = s.Close()
	if !s.Released() {
		t.Error("Expected Released true after Close")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAuthenticating, "authenticating"},
		{StateReady, "ready"},
		{StateDegraded, "degraded"},
		{StateClosing, "closing"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
