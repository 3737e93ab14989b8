package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-voice-interview-bridge/internal/app"
	"ai-voice-interview-bridge/internal/bridge"
	"ai-voice-interview-bridge/internal/config"
	"ai-voice-interview-bridge/internal/events"
	"ai-voice-interview-bridge/internal/observability"
	"ai-voice-interview-bridge/internal/plan"
)

func main() {
	planPath := flag.String("plan", "", "path to the interview plan JSON")
	candidateName := flag.String("candidate", "", "candidate display name")
	candidateID := flag.String("candidate-id", "", "candidate identifier")
	outPath := flag.String("out", "", "write the final transcript JSON here (default stdout)")
	flag.Parse()

	if *planPath == "" {
		log.Fatal("missing required flag: -plan")
	}
	if *candidateName == "" {
		log.Fatal("missing required flag: -candidate")
	}

	cfg := config.Load()
	application := app.New(cfg)
	if err := application.Start(); err != nil {
		log.Fatalf("application start failed: %v", err)
	}

	p, err := loadPlan(*planPath)
	if err != nil {
		log.Fatalf("failed to load plan: %v", err)
	}

	// Publisher for turn and transcript events; log-only when Kafka is
	// disabled.
	publisher := events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicTurn:       cfg.Kafka.TopicTurn,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		Principal:       cfg.Service.Principal,
	})
	defer publisher.Close()

	br := bridge.New(cfg, publisher)

	obs := observability.NewServer(":"+cfg.Observability.HTTPPort, br.Status, br.InjectSupervisorInstruction)
	obs.Start()

	ctx := context.Background()
	if err := br.Start(ctx, p, plan.Candidate{Name: *candidateName, Identifier: *candidateID}); err != nil {
		log.Fatalf("failed to start interview session: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-sig:
			log.Println("signal received, stopping interview")
			break wait
		case <-ticker.C:
			if !br.Running() {
				break wait
			}
		}
	}

	transcript, err := br.Stop(ctx)
	if err != nil {
		log.Printf("stop failed: %v", err)
	}
	if err := writeTranscript(*outPath, transcript); err != nil {
		log.Printf("failed to write transcript: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("observability shutdown failed: %v", err)
	}
	application.Shutdown()
}

func loadPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func writeTranscript(path string, transcript any) error {
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
