// Package config loads service configuration from environment
// variables with conservative defaults. Every timeout and bound the
// bridge uses is explicit here: no unbounded wait exists anywhere.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration holds all recognized options, grouped by concern.
type Configuration struct {
	Service       ServiceConfig
	Transport     TransportConfig
	Audio         AudioConfig
	Dialog        DialogConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Principal string
}

// TransportConfig bounds the duplex connection to the dialog service.
type TransportConfig struct {
	BaseURL           string
	AppID             string
	AccessKey         string
	ResourceID        string
	AppKey            string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
	OutboundQueue     int
	ReorderWindow     int
	MaxPayloadSize    int
}

// AudioConfig fixes the chunk-timing contract for both modes.
type AudioConfig struct {
	ChunkDuration      time.Duration
	CaptureSampleRate  int
	PlaybackSampleRate int
	PlaybackQueue      int
	ForceSimulated     bool
	BargeInThreshold   int
}

// DialogConfig bounds the interview flow.
type DialogConfig struct {
	SilenceTimeout   time.Duration
	MaxFollowUps     int
	GreetingTemplate string
	ClosingTemplate  string
}

// KafkaConfig configures the reporting event publisher.
type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicTurn       string
	TopicTranscript string
}

// ObservabilityConfig configures logging and the metrics endpoint.
type ObservabilityConfig struct {
	LogLevel string
	HTTPPort string
}

// Load reads the configuration from the environment.
func Load() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal: envOrDefault("SERVICE_PRINCIPAL", "svc-voice-interview-bridge"),
		},
		Transport: TransportConfig{
			BaseURL:           envOrDefault("DIALOG_BASE_URL", "wss://openspeech.bytedance.com/api/v3/realtime/dialogue"),
			AppID:             envOrDefault("DIALOG_APP_ID", ""),
			AccessKey:         envOrDefault("DIALOG_ACCESS_KEY", ""),
			ResourceID:        envOrDefault("DIALOG_RESOURCE_ID", "volc.speech.dialog"),
			AppKey:            envOrDefault("DIALOG_APP_KEY", ""),
			HandshakeTimeout:  envDuration("TRANSPORT_HANDSHAKE_TIMEOUT", 10*time.Second),
			HeartbeatInterval: envDuration("TRANSPORT_HEARTBEAT_INTERVAL", 5*time.Second),
			HeartbeatGrace:    envDuration("TRANSPORT_HEARTBEAT_GRACE", 20*time.Second),
			ReconnectBase:     envDuration("TRANSPORT_RECONNECT_BASE", 500*time.Millisecond),
			ReconnectMax:      envDuration("TRANSPORT_RECONNECT_MAX", 8*time.Second),
			MaxReconnects:     envInt("TRANSPORT_MAX_RECONNECTS", 3),
			OutboundQueue:     envInt("TRANSPORT_OUTBOUND_QUEUE", 64),
			ReorderWindow:     envInt("TRANSPORT_REORDER_WINDOW", 8),
			MaxPayloadSize:    envInt("TRANSPORT_MAX_PAYLOAD_BYTES", 512*1024),
		},
		Audio: AudioConfig{
			ChunkDuration:      envDuration("AUDIO_CHUNK_DURATION", 100*time.Millisecond),
			CaptureSampleRate:  envInt("AUDIO_CAPTURE_SAMPLE_RATE_HZ", 16000),
			PlaybackSampleRate: envInt("AUDIO_PLAYBACK_SAMPLE_RATE_HZ", 24000),
			PlaybackQueue:      envInt("AUDIO_PLAYBACK_QUEUE", 32),
			ForceSimulated:     envBool("AUDIO_FORCE_SIMULATED", false),
			BargeInThreshold:   envInt("AUDIO_BARGE_IN_THRESHOLD", 1000),
		},
		Dialog: DialogConfig{
			SilenceTimeout:   envDuration("DIALOG_SILENCE_TIMEOUT", 15*time.Second),
			MaxFollowUps:     envInt("DIALOG_MAX_FOLLOW_UPS", 2),
			GreetingTemplate: envOrDefault("DIALOG_GREETING_TEMPLATE", "Hello %s, welcome to the interview. Let's begin."),
			ClosingTemplate:  envOrDefault("DIALOG_CLOSING_TEMPLATE", "Thank you for your time, %s. That concludes the interview."),
		},
		Kafka: KafkaConfig{
			Enabled:         envBool("KAFKA_ENABLED", false),
			Brokers:         envStrings("KAFKA_BROKERS", nil),
			TopicTurn:       envOrDefault("KAFKA_TOPIC_TURN", "interview.turn.recorded"),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "interview.transcript.final"),
		},
		Observability: ObservabilityConfig{
			LogLevel: envOrDefault("LOG_LEVEL", "info"),
			HTTPPort: envOrDefault("HTTP_PORT", "9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envStrings(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
