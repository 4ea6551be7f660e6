package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	fetcher, err := NewFetcher(cfg)
	if err != nil {
		log.Fatalf("Error initializing fetcher: %v", err)
	}

	researcher := NewResearcher(cfg, NewSerperClient(cfg.SerperAPIKey), fetcher, NewCompletionClient(cfg))
	jobs := NewJobManager(cfg, db, researcher)
	notifier := NewNotifier(cfg)
	triage := NewTriageScheduler(cfg, db, jobs, notifier)

	// One-shot modes: "research <case-id>" runs a single case to completion
	// and prints the result; "triage" runs one sweep. Both exit afterwards.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "research":
			if len(os.Args) < 3 {
				log.Fatalf("usage: %s research <case-id>", os.Args[0])
			}
			id, err := strconv.ParseInt(os.Args[2], 10, 64)
			if err != nil {
				log.Fatalf("invalid case id '%s': %v", os.Args[2], err)
			}
			result, err := jobs.RunCase(context.Background(), id)
			if err != nil {
				log.Fatalf("Research failed: %v", err)
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			os.Stdout.Write(append(out, '\n'))
			return
		case "triage":
			triage.RunSweep(context.Background())
			return
		default:
			log.Fatalf("unknown command '%s' (expected 'research' or 'triage')", os.Args[1])
		}
	}

	if err := triage.Start(context.Background()); err != nil {
		log.Fatalf("Error starting triage scheduler (schedule '%s'): %v", cfg.TriageSchedule, err)
	}

	log.Println("Starting case research service...")
	server := NewServer(db, jobs, triage)
	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}
