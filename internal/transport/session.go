// Package transport maintains the websocket session to the dialog
// service: credentialed dial, handshake, heartbeat supervision,
// sequence reordering, and bounded reconnect. Callers see an ordered
// message stream and a small error surface; connection management
// stays inside.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-interview-bridge/internal/observability/logging"
	"ai-voice-interview-bridge/internal/observability/metrics"
	"ai-voice-interview-bridge/internal/protocol"
)

// ErrConnectionLost reports that the session exhausted its reconnect
// budget and cannot continue.
var ErrConnectionLost = errors.New("connection lost after reconnect attempts exhausted")

// ErrSessionClosed reports an operation on a closed session.
var ErrSessionClosed = errors.New("session closed")

// ErrAlreadyConnected reports a second Connect on a live session.
var ErrAlreadyConnected = errors.New("session already connected")

// HandshakeError reports a failed dial or handshake exchange.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Credentials carries the dialog service auth material, sent as
// request headers on dial. ConnectID is generated per dial attempt.
type Credentials struct {
	AppID      string
	AccessKey  string
	ResourceID string
	AppKey     string
}

func (c Credentials) headers() http.Header {
	h := http.Header{}
	h.Set("X-Api-App-ID", c.AppID)
	h.Set("X-Api-Access-Key", c.AccessKey)
	h.Set("X-Api-Resource-Id", c.ResourceID)
	h.Set("X-Api-App-Key", c.AppKey)
	h.Set("X-Api-Connect-Id", uuid.NewString())
	return h
}

// Config holds the session parameters.
type Config struct {
	BaseURL     string
	Credentials Credentials
	SessionID   string

	CaptureSampleRate  int
	PlaybackSampleRate int

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int

	OutboundQueue   int
	ReorderWindow   int
	MaxPayloadBytes int
}

// wsConn is the slice of *websocket.Conn the session uses. Tests
// substitute an in-memory implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

// link is one live websocket connection. fail is one-shot: the first
// failure wins, later calls are no-ops.
type link struct {
	ws      wsConn
	failure chan error
	closed  chan struct{}
	once    sync.Once
	wmu     sync.Mutex
}

func (l *link) fail(err error) {
	l.once.Do(func() {
		l.failure <- err
		close(l.closed)
		_ = l.ws.Close()
	})
}

// helloPayload is the handshake body declaring the audio profile.
type helloPayload struct {
	SessionID          string `json:"session_id"`
	CaptureSampleRate  int    `json:"capture_sample_rate_hz"`
	PlaybackSampleRate int    `json:"playback_sample_rate_hz"`
	Format             string `json:"format"`
}

type controlPayload struct {
	Type string `json:"type"`
}

// Session is the framed, ordered, supervised connection to the dialog
// service. One Session serves one interview.
type Session struct {
	cfg    Config
	codec  *protocol.Codec
	dial   dialFunc
	logger zerolog.Logger

	state    atomic.Int32
	seq      atomic.Uint32
	lastRecv atomic.Int64
	released atomic.Bool

	ctrlQueue  chan *protocol.Message
	audioQueue chan *protocol.Message
	recvChan   chan *protocol.Message
	errChan    chan error
	closeChan  chan struct{}
	closeOnce  sync.Once

	mu  sync.Mutex
	cur *link
}

// NewSession builds an unconnected session from cfg.
func NewSession(cfg Config) *Session {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 64
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 8
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	s := &Session{
		cfg:        cfg,
		codec:      protocol.NewCodec(cfg.MaxPayloadBytes),
		logger:     logging.WithSession(cfg.SessionID).With().Str("component", "transport").Logger(),
		ctrlQueue:  make(chan *protocol.Message, cfg.OutboundQueue),
		audioQueue: make(chan *protocol.Message, cfg.OutboundQueue),
		recvChan:   make(chan *protocol.Message, 64),
		errChan:    make(chan error, 4),
		closeChan:  make(chan struct{}),
	}
	s.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	s.setState(StateDisconnected)
	return s
}

// State reports the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	metrics.DefaultMetrics.ConnectionState.Set(float64(st))
	if prev != st {
		s.logger.Debug().
			Str("from", prev.String()).
			Str("to", st.String()).
			Msg("Connection state changed")
	}
}

// Messages returns the ordered inbound frame stream. Heartbeat control
// frames are filtered out.
func (s *Session) Messages() <-chan *protocol.Message { return s.recvChan }

// Errors returns the fatal error stream. ErrConnectionLost arrives
// here when the reconnect budget runs out.
func (s *Session) Errors() <-chan error { return s.errChan }

// Connect dials the service and completes the handshake. On success
// the read, write, and heartbeat loops are running and State is ready.
func (s *Session) Connect(ctx context.Context) error {
	switch s.State() {
	case StateDisconnected:
	case StateClosing:
		return ErrSessionClosed
	default:
		return ErrAlreadyConnected
	}

	l, err := s.establish(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.cur = l
	s.mu.Unlock()
	s.startLinkLoops(l)
	go s.supervise(l)
	return nil
}

// establish performs one dial plus handshake exchange.
func (s *Session) establish(ctx context.Context) (*link, error) {
	s.setState(StateConnecting)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	ws, err := s.dial(dctx, s.cfg.BaseURL, s.cfg.Credentials.headers())
	if err != nil {
		metrics.DefaultMetrics.HandshakeFailures.Inc()
		return nil, &HandshakeError{Reason: "dial", Err: err}
	}

	s.setState(StateAuthenticating)

	hello, err := json.Marshal(helloPayload{
		SessionID:          s.cfg.SessionID,
		CaptureSampleRate:  s.cfg.CaptureSampleRate,
		PlaybackSampleRate: s.cfg.PlaybackSampleRate,
		Format:             "s16le-mono",
	})
	if err != nil {
		_ = ws.Close()
		return nil, &HandshakeError{Reason: "encode hello", Err: err}
	}
	frame, err := s.codec.Encode(s.newMessage(protocol.KindHandshake, hello))
	if err != nil {
		_ = ws.Close()
		return nil, &HandshakeError{Reason: "frame hello", Err: err}
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		_ = ws.Close()
		metrics.DefaultMetrics.HandshakeFailures.Inc()
		return nil, &HandshakeError{Reason: "send hello", Err: err}
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		metrics.DefaultMetrics.HandshakeFailures.Inc()
		return nil, &HandshakeError{Reason: "read reply", Err: err}
	}
	_ = ws.SetReadDeadline(time.Time{})

	reply, err := s.codec.Decode(data)
	if err != nil {
		_ = ws.Close()
		metrics.DefaultMetrics.HandshakeFailures.Inc()
		return nil, &HandshakeError{Reason: "decode reply", Err: err}
	}
	switch reply.Kind {
	case protocol.KindHandshake:
	case protocol.KindError:
		_ = ws.Close()
		metrics.DefaultMetrics.HandshakeFailures.Inc()
		return nil, &HandshakeError{Reason: fmt.Sprintf("service rejected session: %s", reply.Payload)}
	default:
		_ = ws.Close()
		metrics.DefaultMetrics.HandshakeFailures.Inc()
		return nil, &HandshakeError{Reason: fmt.Sprintf("unexpected reply kind %s", reply.Kind)}
	}

	s.lastRecv.Store(time.Now().UnixNano())
	s.setState(StateReady)
	s.logger.Info().Str("url", s.cfg.BaseURL).Msg("Session established")
	return &link{ws: ws, failure: make(chan error, 1), closed: make(chan struct{})}, nil
}

func (s *Session) startLinkLoops(l *link) {
	go s.readLoop(l)
	go s.writeLoop(l)
	go s.heartbeatLoop(l)
}

// supervise owns the reconnect policy: on link failure, bounded
// exponential backoff up to MaxReconnects, then ErrConnectionLost.
func (s *Session) supervise(l *link) {
	for {
		select {
		case <-s.closeChan:
			return
		case err := <-l.failure:
			if s.State() == StateClosing {
				return
			}
			s.setState(StateDegraded)
			s.logger.Warn().Err(err).Msg("Connection degraded, attempting reconnect")

			nl := s.reconnect()
			if nl == nil {
				s.emitErr(ErrConnectionLost)
				_ = s.Close()
				return
			}
			s.mu.Lock()
			s.cur = nl
			s.mu.Unlock()
			s.startLinkLoops(nl)
			l = nl
		}
	}
}

func (s *Session) reconnect() *link {
	backoff := s.cfg.ReconnectBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for attempt := 1; attempt <= s.cfg.MaxReconnects; attempt++ {
		select {
		case <-s.closeChan:
			return nil
		case <-time.After(backoff):
		}

		metrics.DefaultMetrics.Reconnects.Inc()
		l, err := s.establish(context.Background())
		if err == nil {
			s.logger.Info().Int("attempt", attempt).Msg("Reconnected")
			return l
		}
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.MaxReconnects).
			Msg("Reconnect attempt failed")

		backoff *= 2
		if s.cfg.ReconnectMax > 0 && backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
	return nil
}

func (s *Session) readLoop(l *link) {
	rw := newReorderWindow(s.cfg.ReorderWindow)
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			l.fail(err)
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())

		msg, err := s.codec.Decode(data)
		if err != nil {
			// Silence beats bad data: drop the frame, keep the stream.
			metrics.DefaultMetrics.DecodeErrors.Inc()
			s.logger.Warn().Err(err).Msg("Dropped undecodable frame")
			continue
		}
		metrics.DefaultMetrics.FramesDecoded.Inc()

		res := rw.admit(msg)
		if res.stale {
			metrics.DefaultMetrics.StaleFramesDropped.Inc()
			continue
		}
		if res.gap > 0 {
			metrics.DefaultMetrics.SequenceGaps.Inc()
			s.logger.Warn().
				Int("gap", res.gap).
				Uint32("sequence", msg.Sequence).
				Msg("Sequence gap, frames abandoned")
		}
		if len(res.deliver) == 0 {
			metrics.DefaultMetrics.ReorderedFrames.Inc()
			continue
		}
		for _, m := range res.deliver {
			if isHeartbeat(m) {
				continue
			}
			select {
			case s.recvChan <- m:
			case <-s.closeChan:
				return
			}
		}
	}
}

func (s *Session) writeLoop(l *link) {
	for {
		// Control frames take priority over queued audio.
		select {
		case <-s.closeChan:
			return
		case <-l.closed:
			return
		case msg := <-s.ctrlQueue:
			s.writeFrame(l, msg)
			continue
		default:
		}
		select {
		case <-s.closeChan:
			return
		case <-l.closed:
			return
		case msg := <-s.ctrlQueue:
			s.writeFrame(l, msg)
		case msg := <-s.audioQueue:
			s.writeFrame(l, msg)
		}
	}
}

func (s *Session) writeFrame(l *link, msg *protocol.Message) {
	frame, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", msg.Kind.String()).Msg("Dropped unencodable frame")
		return
	}
	l.wmu.Lock()
	err = l.ws.WriteMessage(websocket.BinaryMessage, frame)
	l.wmu.Unlock()
	if err != nil {
		l.fail(err)
		return
	}
	metrics.DefaultMetrics.FramesEncoded.Inc()
}

func (s *Session) heartbeatLoop(l *link) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeChan:
			return
		case <-l.closed:
			return
		case <-ticker.C:
			if s.cfg.HeartbeatGrace > 0 {
				idle := time.Since(time.Unix(0, s.lastRecv.Load()))
				if idle > s.cfg.HeartbeatGrace {
					metrics.DefaultMetrics.HeartbeatsMissed.Inc()
					l.fail(fmt.Errorf("no frames for %s, heartbeat grace %s exceeded", idle.Round(time.Millisecond), s.cfg.HeartbeatGrace))
					return
				}
			}
			hb, _ := json.Marshal(controlPayload{Type: "heartbeat"})
			select {
			case s.ctrlQueue <- s.newMessage(protocol.KindControl, hb):
			default:
				// Queue full of pending control frames; skip this beat.
			}
		}
	}
}

func (s *Session) emitErr(err error) {
	select {
	case s.errChan <- err:
	default:
		s.logger.Error().Err(err).Msg("Error channel full, error dropped")
	}
}

func (s *Session) newMessage(kind protocol.Kind, payload []byte) *protocol.Message {
	return &protocol.Message{
		Kind:      kind,
		Sequence:  s.seq.Add(1),
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Send enqueues a non-audio frame. Blocks until queued; these frames
// are never dropped.
func (s *Session) Send(ctx context.Context, kind protocol.Kind, payload []byte) error {
	if s.State() == StateClosing || s.State() == StateDisconnected {
		return ErrSessionClosed
	}
	select {
	case s.ctrlQueue <- s.newMessage(kind, payload):
		return nil
	case <-s.closeChan:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio enqueues a capture chunk. When the outbound queue is full
// the oldest queued chunk is dropped to admit this one.
func (s *Session) SendAudio(data []byte) {
	if s.State() == StateClosing || s.State() == StateDisconnected {
		return
	}
	msg := s.newMessage(protocol.KindAudioChunk, data)
	for {
		select {
		case s.audioQueue <- msg:
			return
		case <-s.closeChan:
			return
		default:
		}
		select {
		case <-s.audioQueue:
			metrics.DefaultMetrics.OutboundAudioDrops.Inc()
		default:
		}
	}
}

// Close tears the session down. Idempotent; safe from any state. A
// ready session first announces the close with a finish control frame,
// then tears down whether or not the service acknowledges it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		l := s.cur
		s.mu.Unlock()
		if s.State() == StateReady && l != nil {
			s.sendFinish(l)
		}
		s.setState(StateClosing)
		close(s.closeChan)
		if l != nil {
			l.fail(ErrSessionClosed)
		}
		s.setState(StateDisconnected)
		s.released.Store(true)
		s.logger.Info().Msg("Session closed")
	})
	return nil
}

// sendFinish writes the graceful termination frame directly on the
// link; the write loop is about to exit so the queues cannot carry it.
// Best effort only.
func (s *Session) sendFinish(l *link) {
	body, _ := json.Marshal(controlPayload{Type: "finish"})
	frame, err := s.codec.Encode(s.newMessage(protocol.KindControl, body))
	if err != nil {
		return
	}
	l.wmu.Lock()
	err = l.ws.WriteMessage(websocket.BinaryMessage, frame)
	l.wmu.Unlock()
	if err != nil {
		s.logger.Debug().Err(err).Msg("Finish frame not delivered")
	}
}

// Released reports whether the socket has been torn down.
func (s *Session) Released() bool { return s.released.Load() }

func isHeartbeat(m *protocol.Message) bool {
	if m.Kind != protocol.KindControl {
		return false
	}
	var p controlPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return false
	}
	return p.Type == "heartbeat"
}
