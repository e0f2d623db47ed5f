// Command railfair-stats recomputes the cached route, operator and
// time-slot statistics from the raw service records. It is designed to run
// on a schedule after each ingestion phase.
//
// Usage:
//
//	railfair-stats [-db data/railfair.db] [-nats-url nats://...]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"railfair/internal/config"
	"railfair/internal/events"
	"railfair/internal/stats"
	"railfair/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dbPath := flag.String("db", config.EnvOrDefault("RAILFAIR_DB", "data/railfair.db"), "SQLite database path")
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS server URL (optional)")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-stats: open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	bus, err := events.Connect(*natsURL)
	if err != nil {
		log.Printf("stats: events disabled: %v", err)
	}
	defer bus.Close()

	var publisher stats.Publisher
	if bus != nil {
		publisher = bus
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routes, tocs, err := stats.New(db, publisher).Recompute(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-stats: %v\n", err)
		os.Exit(1)
	}
	log.Printf("stats: processed %d routes, %d operators", routes, tocs)
}
