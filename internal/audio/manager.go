package audio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-interview-bridge/internal/observability/logging"
	"ai-voice-interview-bridge/internal/observability/metrics"
)

// Config holds the audio timing and queue parameters.
type Config struct {
	// ChunkDuration is the fixed span of every emitted capture chunk.
	ChunkDuration time.Duration

	// CaptureSampleRate is the input rate in Hz (s16le mono).
	CaptureSampleRate int

	// PlaybackSampleRate is the output rate in Hz (s16le mono).
	PlaybackSampleRate int

	// PlaybackQueue bounds the number of chunks waiting for playback.
	// When full, the oldest chunk is dropped to admit the newest.
	PlaybackQueue int
}

// Manager owns the capture and playback paths for one session. It
// re-slices irregular source buffers into fixed-duration chunks and
// runs a bounded drop-oldest playback queue so a stalled output device
// can never block the pipeline.
type Manager struct {
	cfg    Config
	mode   Mode
	source Source
	sink   Sink
	logger zerolog.Logger

	mu        sync.Mutex
	capturing bool
	playing   bool
	released  bool
	cancel    context.CancelFunc

	playQueue chan Chunk
	playStop  chan struct{}
	playDone  chan struct{}
	captDone  chan struct{}
}

// NewManager builds a manager over the given source and sink. The mode
// is informational only; callers pick it when choosing implementations.
func NewManager(cfg Config, mode Mode, source Source, sink Sink) *Manager {
	if cfg.PlaybackQueue <= 0 {
		cfg.PlaybackQueue = 32
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 100 * time.Millisecond
	}
	return &Manager{
		cfg:       cfg,
		mode:      mode,
		source:    source,
		sink:      sink,
		logger:    logging.WithComponent("audio-manager"),
		playQueue: make(chan Chunk, cfg.PlaybackQueue),
	}
}

// Mode reports whether the manager runs on hardware or simulated audio.
func (m *Manager) Mode() Mode { return m.mode }

// chunkBytes is the byte length of one fixed-duration capture chunk.
func (m *Manager) chunkBytes() int {
	n := int(int64(m.cfg.CaptureSampleRate) * 2 * int64(m.cfg.ChunkDuration) / int64(time.Second))
	if n < 2 {
		n = 2
	}
	if n%2 != 0 {
		n++
	}
	return n
}

// StartCapture starts the source and returns the fixed-duration chunk
// stream. Irregular source buffers are accumulated and re-sliced; the
// channel closes when capture stops.
func (m *Manager) StartCapture(ctx context.Context) (<-chan Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capturing {
		return nil, ErrCaptureStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	raw, err := m.source.Start(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	m.capturing = true
	m.released = false
	m.cancel = cancel
	m.captDone = make(chan struct{})

	out := make(chan Chunk, 4)
	size := m.chunkBytes()

	go func() {
		defer close(out)
		defer close(m.captDone)

		pending := make([]byte, 0, size*2)
		for buf := range raw {
			pending = append(pending, buf...)
			for len(pending) >= size {
				chunk := make([]byte, size)
				copy(chunk, pending[:size])
				pending = pending[size:]
				metrics.DefaultMetrics.ChunksCaptured.Inc()
				select {
				case out <- Chunk{Data: chunk, CapturedAt: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	m.logger.Info().
		Str("mode", string(m.mode)).
		Int("chunk_bytes", size).
		Dur("chunk_duration", m.cfg.ChunkDuration).
		Msg("Capture started")
	return out, nil
}

// StartPlayback starts the sink and the queue drain loop.
func (m *Manager) StartPlayback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		return nil
	}
	if err := m.sink.Start(ctx); err != nil {
		return err
	}
	m.playing = true
	m.playStop = make(chan struct{})
	m.playDone = make(chan struct{})

	go func() {
		defer close(m.playDone)
		for {
			select {
			case <-m.playStop:
				return
			case chunk := <-m.playQueue:
				if err := m.sink.Write(chunk.Data); err != nil {
					m.logger.Warn().Err(err).Msg("Playback write failed, dropping chunk")
					metrics.DefaultMetrics.PlaybackDrops.Inc()
					continue
				}
				metrics.DefaultMetrics.ChunksPlayed.Inc()
			}
		}
	}()
	return nil
}

// EnqueuePlayback admits a chunk to the playback queue. When the queue
// is full the oldest chunk is discarded so the newest audio always
// lands. Silence beats stale speech.
func (m *Manager) EnqueuePlayback(chunk Chunk) {
	m.mu.Lock()
	if !m.playing {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	for {
		select {
		case m.playQueue <- chunk:
			return
		default:
		}
		select {
		case <-m.playQueue:
			metrics.DefaultMetrics.PlaybackDrops.Inc()
			m.logger.Debug().Msg("Playback queue full, dropped oldest chunk")
		default:
		}
	}
}

// FlushPlayback discards every queued chunk without playing it. Used on
// barge-in so the agent stops speaking promptly.
func (m *Manager) FlushPlayback() {
	for {
		select {
		case <-m.playQueue:
			metrics.DefaultMetrics.PlaybackDrops.Inc()
		default:
			return
		}
	}
}

// Stop ends capture and playback and releases both devices. Safe to
// call repeatedly and from any state.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	capturing := m.capturing
	playing := m.playing
	m.capturing = false
	m.playing = false
	cancel := m.cancel
	m.cancel = nil
	captDone := m.captDone
	playDone := m.playDone
	m.mu.Unlock()

	var firstErr error
	if capturing {
		if cancel != nil {
			cancel()
		}
		if err := m.source.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if captDone != nil {
			<-captDone
		}
	}
	if playing {
		close(m.playStop)
		if playDone != nil {
			<-playDone
		}
		if err := m.sink.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.logger.Info().Str("mode", string(m.mode)).Msg("Audio stopped, devices released")
	return firstErr
}

// Released reports whether Stop has completed and the devices are free.
func (m *Manager) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
