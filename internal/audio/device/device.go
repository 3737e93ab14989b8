// Package device implements audio capture and playback on real sound
// hardware: miniaudio (malgo) for the microphone and oto for the
// speaker. Construction probes the hardware; callers treat
// audio.ErrDeviceUnavailable as the signal to fall back to simulated
// audio.
package device

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"ai-voice-interview-bridge/internal/audio"
	"ai-voice-interview-bridge/internal/observability/logging"
)

// Source captures s16le mono audio from the default input device.
type Source struct {
	sampleRate int
	logger     zerolog.Logger

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	out    chan []byte
	done   bool
}

// NewSource probes the default capture device at the given rate.
// Returns audio.ErrDeviceUnavailable when no input device can be
// initialized.
func NewSource(sampleRateHz int) (*Source, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	return &Source{
		sampleRate: sampleRateHz,
		logger:     logging.WithComponent("device-audio-source"),
		mctx:       mctx,
	}, nil
}

// Start opens the capture device and begins streaming raw buffers.
func (s *Source) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(s.sampleRate)
	cfg.Alsa.NoMMap = 1

	out := make(chan []byte, 8)
	s.out = out

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			buf := make([]byte, len(in))
			copy(buf, in)
			select {
			case out <- buf:
			default:
				// Capture must never block inside the device callback.
			}
		},
	}

	device, err := malgo.InitDevice(s.mctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: init capture: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: start capture: %v", audio.ErrDeviceUnavailable, err)
	}
	s.device = device

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info().Int("sample_rate_hz", s.sampleRate).Msg("Hardware capture started")
	return out, nil
}

// Stop closes the capture device and the buffer stream. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.mctx != nil {
		_ = s.mctx.Uninit()
		s.mctx.Free()
		s.mctx = nil
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	return nil
}

// Sink plays s16le mono audio on the default output device.
type Sink struct {
	sampleRate int
	logger     zerolog.Logger

	mu     sync.Mutex
	otoCtx *oto.Context
	player *oto.Player
	pw     *io.PipeWriter
	done   bool
}

// NewSink prepares a playback sink at the given rate. The device is
// opened on Start.
func NewSink(sampleRateHz int) *Sink {
	return &Sink{
		sampleRate: sampleRateHz,
		logger:     logging.WithComponent("device-audio-sink"),
	}
}

// Start opens the output device. Returns audio.ErrDeviceUnavailable
// when no output device can be initialized.
func (k *Sink) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	op := &oto.NewContextOptions{
		SampleRate:   k.sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("%w: init playback: %v", audio.ErrDeviceUnavailable, err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	pr, pw := io.Pipe()
	player := otoCtx.NewPlayer(pr)
	player.Play()

	k.otoCtx = otoCtx
	k.player = player
	k.pw = pw
	k.logger.Info().Int("sample_rate_hz", k.sampleRate).Msg("Hardware playback started")
	return nil
}

// Write feeds one buffer to the player.
func (k *Sink) Write(data []byte) error {
	k.mu.Lock()
	pw := k.pw
	k.mu.Unlock()
	if pw == nil {
		return audio.ErrDeviceUnavailable
	}
	_, err := pw.Write(data)
	return err
}

// Stop closes the player and releases the output device. Idempotent.
func (k *Sink) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done {
		return nil
	}
	k.done = true
	if k.pw != nil {
		_ = k.pw.Close()
		k.pw = nil
	}
	if k.player != nil {
		_ = k.player.Close()
		k.player = nil
	}
	k.otoCtx = nil
	return nil
}
