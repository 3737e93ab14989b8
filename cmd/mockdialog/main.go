// mockdialog is a local stand-in for the dialog service: it speaks the
// framed websocket protocol, acks agent utterances, and answers each
// question with a canned candidate turn. Point the bridge at it with
// DIALOG_BASE_URL=ws://localhost:8091/dialog for end-to-end runs
// without the real service.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ai-voice-interview-bridge/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var cannedAnswers = []string{
	"I have spent the last four years building streaming data platforms.",
	"The most interesting problem was keeping latency flat while traffic tripled.",
	"I would introduce contract tests between the producer and consumer teams.",
	"I usually pair on the design first and split the implementation after.",
}

type textPayload struct {
	Text string `json:"text"`
}

type turnPayload struct {
	Speaker string `json:"speaker"`
}

type controlPayload struct {
	Type string `json:"type"`
}

func main() {
	addr := flag.String("addr", ":8091", "listen address")
	flag.Parse()

	http.HandleFunc("/dialog", handleDialog)
	log.Printf("mock dialog service listening on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("listen failed: %v", err)
	}
}

func handleDialog(w http.ResponseWriter, r *http.Request) {
	log.Printf("session connect: app_id=%s connect_id=%s",
		r.Header.Get("X-Api-App-ID"), r.Header.Get("X-Api-Connect-Id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	codec := protocol.NewCodec(0)
	var seq uint32
	send := func(kind protocol.Kind, payload []byte) {
		seq++
		frame, err := codec.Encode(&protocol.Message{
			Kind:      kind,
			Sequence:  seq,
			Payload:   payload,
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			log.Printf("encode failed: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Printf("write failed: %v", err)
		}
	}

	answerIdx := 0
	audioFrames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("session closed after %d audio frames: %v", audioFrames, err)
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			log.Printf("dropping undecodable frame: %v", err)
			continue
		}

		switch msg.Kind {
		case protocol.KindHandshake:
			log.Printf("handshake: %s", msg.Payload)
			send(protocol.KindHandshake, []byte(`{"status":"ok"}`))

		case protocol.KindAudioChunk:
			audioFrames++

		case protocol.KindTextChunk:
			var p textPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			log.Printf("agent: %s", p.Text)

			// A short burst of synthesized agent audio, then the turn
			// boundary.
			for i := 0; i < 3; i++ {
				send(protocol.KindAudioChunk, make([]byte, 640))
			}
			agentEnd, _ := json.Marshal(turnPayload{Speaker: "agent"})
			send(protocol.KindTurnEnd, agentEnd)

			if strings.Contains(p.Text, "concludes") || strings.Contains(p.Text, "welcome") {
				continue
			}
			answer := cannedAnswers[answerIdx%len(cannedAnswers)]
			answerIdx++
			log.Printf("candidate: %s", answer)
			candTurn, _ := json.Marshal(turnPayload{Speaker: "candidate"})
			answerBody, _ := json.Marshal(textPayload{Text: answer})
			send(protocol.KindTurnStart, candTurn)
			send(protocol.KindTextChunk, answerBody)
			send(protocol.KindTurnEnd, candTurn)

		case protocol.KindControl:
			var p controlPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			switch p.Type {
			case "heartbeat":
				hb, _ := json.Marshal(controlPayload{Type: "heartbeat"})
				send(protocol.KindControl, hb)
			case "stop-speak":
				log.Printf("barge-in: agent cut off")
			}
		}
	}
}
