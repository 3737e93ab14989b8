// Package sim provides simulated audio capture and playback for
// environments without sound hardware (CI, containers, headless
// hosts). The source emits silence buffers on the same cadence a real
// microphone would; the sink accepts and discards playback. Sessions
// running on sim audio exercise the full pipeline end to end.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-interview-bridge/internal/observability/logging"
	"ai-voice-interview-bridge/internal/observability/metrics"
)

// Source is a ticker-driven silence generator. One buffer per tick,
// sized to match the configured sample rate and interval, so the
// downstream chunk cadence is identical to hardware capture.
type Source struct {
	sampleRate int
	interval   time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewSource builds a silence source emitting s16le mono buffers at the
// given rate, one per interval.
func NewSource(sampleRateHz int, interval time.Duration) *Source {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Source{
		sampleRate: sampleRateHz,
		interval:   interval,
		logger:     logging.WithComponent("sim-audio-source"),
	}
}

// Start begins silence emission. The returned channel closes when ctx
// is cancelled or Stop is called.
func (s *Source) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	size := int(int64(s.sampleRate) * 2 * int64(s.interval) / int64(time.Second))
	if size < 2 {
		size = 2
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				buf := make([]byte, size)
				select {
				case out <- buf:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	metrics.DefaultMetrics.SimulatedSessions.Inc()
	s.logger.Info().
		Int("sample_rate_hz", s.sampleRate).
		Dur("interval", s.interval).
		Int("buffer_bytes", size).
		Msg("Simulated capture started")
	return out, nil
}

// Stop ends emission. Safe to call repeatedly.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// Sink accepts playback buffers and discards them, tracking counts for
// inspection in tests.
type Sink struct {
	mu      sync.Mutex
	started bool
	writes  int
	bytes   int
}

// NewSink builds a discard sink.
func NewSink() *Sink { return &Sink{} }

func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *Sink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.bytes += len(data)
	return nil
}

func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Writes reports how many buffers have been accepted.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Bytes reports the total accepted payload size.
func (s *Sink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
