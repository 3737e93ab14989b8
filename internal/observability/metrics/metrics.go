// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_interview_bridge"

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Protocol metrics
	FramesEncoded prometheus.Counter
	FramesDecoded prometheus.Counter
	DecodeErrors  prometheus.Counter
	SequenceGaps  prometheus.Counter

	// Transport metrics
	Reconnects         prometheus.Counter
	HandshakeFailures  prometheus.Counter
	HeartbeatsMissed   prometheus.Counter
	OutboundAudioDrops prometheus.Counter
	ReorderedFrames    prometheus.Counter
	StaleFramesDropped prometheus.Counter
	ConnectionState    prometheus.Gauge

	// Audio metrics
	ChunksCaptured     prometheus.Counter
	ChunksPlayed       prometheus.Counter
	PlaybackDrops      prometheus.Counter
	SimulatedSessions  prometheus.Counter

	// Dialog metrics
	TurnsRecorded         *prometheus.CounterVec
	BargeIns              prometheus.Counter
	SilenceTimeouts       prometheus.Counter
	FollowUpsAsked        prometheus.Counter
	InstructionsInjected  prometheus.Counter
	InstructionsApplied   prometheus.Counter
	InstructionsDropped   prometheus.Counter

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Publisher metrics
	PublishTotal   *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesEncoded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "Total number of frames encoded for the wire",
		}),
		FramesDecoded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Total number of inbound frames decoded",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_decode_errors_total",
			Help:      "Total number of inbound frames that failed to decode and were dropped",
		}),
		SequenceGaps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Total number of sequence gaps observed on the inbound stream",
		}),

		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnection attempts",
		}),
		HandshakeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed handshake attempts",
		}),
		HeartbeatsMissed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_missed_total",
			Help:      "Total number of heartbeat grace expirations",
		}),
		OutboundAudioDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_audio_drops_total",
			Help:      "Total number of stale outbound audio chunks dropped on queue overflow",
		}),
		ReorderedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reordered_frames_total",
			Help:      "Total number of inbound frames released out of arrival order",
		}),
		StaleFramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_frames_dropped_total",
			Help:      "Total number of inbound frames older than the reorder window",
		}),
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current transport connection state (enumerated)",
		}),

		ChunksCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_captured_total",
			Help:      "Total number of fixed-duration audio chunks captured",
		}),
		ChunksPlayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_played_total",
			Help:      "Total number of audio chunks handed to playback",
		}),
		PlaybackDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_drops_total",
			Help:      "Total number of unplayed chunks dropped on playback queue overflow",
		}),
		SimulatedSessions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulated_audio_sessions_total",
			Help:      "Total number of sessions that fell back to simulated audio",
		}),

		TurnsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_recorded_total",
			Help:      "Total number of turns appended to the transcript",
		}, []string{"speaker"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of candidate barge-ins during agent speech",
		}),
		SilenceTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_timeouts_total",
			Help:      "Total number of listening windows that elapsed with no speech",
		}),
		FollowUpsAsked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "follow_ups_asked_total",
			Help:      "Total number of follow-up questions asked",
		}),
		InstructionsInjected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_instructions_injected_total",
			Help:      "Total number of supervisor instructions received",
		}),
		InstructionsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_instructions_applied_total",
			Help:      "Total number of supervisor instructions applied at a safe point",
		}),
		InstructionsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_instructions_dropped_total",
			Help:      "Total number of supervisor instructions dropped at session end",
		}),

		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of interview sessions started",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of interview sessions ended",
		}, []string{"reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of interview sessions in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of events published by topic",
		}, []string{"topic"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of event publish failures by topic",
		}, []string{"topic"}),
		PublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Latency of event publishes in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// RecordPublish records one publish attempt for a topic.
func (m *Metrics) RecordPublish(topic string, err error, seconds float64) {
	m.PublishTotal.WithLabelValues(topic).Inc()
	if err != nil {
		m.PublishErrors.WithLabelValues(topic).Inc()
	}
	m.PublishLatency.WithLabelValues(topic).Observe(seconds)
}
