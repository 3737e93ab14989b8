// Package audio defines the capture/playback capability interfaces and
// the manager that enforces the chunk-timing contract. Hardware and
// simulated audio are two implementations of the same interfaces,
// selected at construction; the rest of the pipeline cannot tell them
// apart.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable reports that no usable capture or playback
// device exists (enumeration failure, missing driver, permission
// error). The session adapter interprets it as "fall back to simulated
// mode", never as a fatal session error.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// ErrCaptureStopped reports a read from a capture stream that has been
// stopped.
var ErrCaptureStopped = errors.New("capture stopped")

// Mode selects hardware or simulated audio for the session lifetime.
type Mode string

const (
	ModeHardware  Mode = "hardware"
	ModeSimulated Mode = "simulated"
)

// Chunk is one fixed-duration span of audio.
type Chunk struct {
	Data       []byte
	CapturedAt time.Time
}

// Source produces raw audio buffers from an input device. Buffer sizes
// may be irregular; the manager accumulates and re-slices them into
// fixed-duration chunks.
type Source interface {
	// Start begins capture and returns the raw buffer stream. The
	// channel closes when capture stops or ctx is cancelled.
	Start(ctx context.Context) (<-chan []byte, error)

	// Stop ends capture and releases the input device.
	Stop() error
}

// Sink consumes audio buffers for playback on an output device.
type Sink interface {
	// Start prepares the output device.
	Start(ctx context.Context) error

	// Write plays one buffer. Blocking is bounded by the device's own
	// internal buffering.
	Write(data []byte) error

	// Stop ends playback and releases the output device.
	Stop() error
}

// Energy returns the mean absolute amplitude of little-endian signed
// 16-bit mono samples. Used for barge-in detection against a
// configured threshold.
func Energy(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	var sum int64
	n := len(data) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		if s < 0 {
			s = -s
		}
		sum += int64(s)
	}
	return int(sum / int64(n))
}
