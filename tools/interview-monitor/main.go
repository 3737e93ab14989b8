// Interview Monitor - live interview display
// Consumes the turn and transcript Kafka topics and pushes events to
// browsers over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

// TurnEvent mirrors the bridge's published turn record.
type TurnEvent struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	Speaker    string `json:"speaker"`
	Text       string `json:"text"`
	StageIndex int    `json:"stageIndex"`
	Timestamp  int64  `json:"timestamp"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Hub manages WebSocket connections
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan json.RawMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan json.RawMessage, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("Client connected. Total: %d", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Printf("Client disconnected. Total: %d", len(h.clients))

		case event := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				err := conn.WriteMessage(websocket.TextMessage, event)
				if err != nil {
					log.Printf("Write error: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		hub.register <- conn

		// Keep connection alive, handle disconnects
		go func() {
			defer func() {
				hub.unregister <- conn
			}()
			for {
				_, _, err := conn.ReadMessage()
				if err != nil {
					break
				}
			}
		}()
	}
}

func consumeKafka(ctx context.Context, hub *Hub, brokers, topic string) {
	// Partition reader without a consumer group; simplest for a local
	// monitor running through a port-forward.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	// Only show recent messages.
	reader.SetOffsetAt(ctx, time.Now().Add(-1*time.Hour))

	log.Printf("Consuming from Kafka topic: %s partition 0 (last hour)", topic)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Kafka read error on %s: %v", topic, err)
				time.Sleep(time.Second)
				continue
			}

			var turn TurnEvent
			if err := json.Unmarshal(msg.Value, &turn); err == nil && turn.EventType != "" {
				log.Printf("Received %s: [%s] %s", turn.EventType, turn.Speaker, truncate(turn.Text, 40))
			}
			hub.broadcast <- json.RawMessage(msg.Value)
		}
	}
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Interview Monitor</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2em; }
.agent { color: #6cf; }
.candidate { color: #fc6; }
.supervisor-override { color: #f66; }
</style>
</head>
<body>
<h2>Interview Monitor</h2>
<div id="turns"></div>
<script>
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (e) => {
  const ev = JSON.parse(e.data);
  if (!ev.speaker) return;
  const div = document.createElement("div");
  div.className = ev.speaker;
  div.textContent = "[stage " + ev.stageIndex + "] " + ev.speaker + ": " + (ev.text || "(silence)");
  document.getElementById("turns").appendChild(div);
};
</script>
</body>
</html>`

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicTurn := flag.String("topic-turn", "interview.turn.recorded", "Turn event topic")
	topicTranscript := flag.String("topic-transcript", "interview.transcript.final", "Final transcript topic")
	flag.Parse()

	hub := newHub()
	go hub.run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start Kafka consumers
	go consumeKafka(ctx, hub, *brokers, *topicTurn)
	go consumeKafka(ctx, hub, *brokers, *topicTranscript)

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexPage))
	})
	http.HandleFunc("/ws", wsHandler(hub))

	log.Printf("Interview Monitor starting on http://localhost:%s", *port)
	log.Printf("   Kafka brokers: %s", *brokers)
	log.Printf("   Topics: %s, %s", *topicTurn, *topicTranscript)

	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
