// Command railfair-ingest runs one HSP ingestion phase.
//
// The phase configuration (routes, date range, day types, pacing) comes from
// a YAML document; credentials and endpoints come from flags or the
// environment:
//
//	railfair-ingest -config configs/phase1.yaml [options]
//
// Options:
//
//	-config PATH     Phase configuration document (required)
//	-db PATH         SQLite database path (default: data/railfair.db, env: RAILFAIR_DB)
//	-progress DIR    Progress journal directory (default: data/progress)
//	-base-url URL    HSP API base URL (env: HSP_BASE_URL)
//	-nats-url URL    Optional NATS server for ingest events (env: NATS_URL)
//	-ch-host HOST    Optional ClickHouse host for the analytics archive
//	-ch-port N       ClickHouse port (default: 9000)
//	-ch-database DB  ClickHouse database (default: railfair)
//	-ch-user USER    ClickHouse user (default: default)
//	-ch-password PW  ClickHouse password
//
// Credentials are read from HSP_EMAIL and HSP_PASSWORD.
//
// SIGINT/SIGTERM trigger a clean shutdown: the in-flight request finishes,
// its records commit, progress is persisted, and the process exits. A
// second deadline force-exits after 30 seconds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"railfair/internal/archive"
	"railfair/internal/config"
	"railfair/internal/events"
	"railfair/internal/hsp"
	"railfair/internal/ingest"
	"railfair/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "", "phase configuration YAML (required)")
	dbPath := flag.String("db", config.EnvOrDefault("RAILFAIR_DB", "data/railfair.db"), "SQLite database path")
	progressDir := flag.String("progress", "data/progress", "progress journal directory")
	baseURL := flag.String("base-url", config.EnvOrDefault("HSP_BASE_URL", "https://hsp-prod.rockshore.net/api/v1"), "HSP API base URL")
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS server URL (optional)")

	chHost := flag.String("ch-host", os.Getenv("CLICKHOUSE_HOST"), "ClickHouse host for the analytics archive (optional)")
	chPort := flag.Int("ch-port", 9000, "ClickHouse port")
	chDatabase := flag.String("ch-database", "railfair", "ClickHouse database")
	chUser := flag.String("ch-user", "default", "ClickHouse user")
	chPassword := flag.String("ch-password", os.Getenv("CLICKHOUSE_PASSWORD"), "ClickHouse password")

	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "railfair-ingest: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	email := os.Getenv("HSP_EMAIL")
	password := os.Getenv("HSP_PASSWORD")
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "railfair-ingest: HSP_EMAIL and HSP_PASSWORD must be set")
		os.Exit(2)
	}

	phase, err := config.LoadPhase(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-ingest: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-ingest: open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	progress, err := ingest.LoadProgress(*progressDir, phase.PhaseName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-ingest: %v\n", err)
		os.Exit(1)
	}

	client := hsp.NewClient(hsp.Config{
		BaseURL:      *baseURL,
		Username:     email,
		Password:     password,
		MinInterval:  phase.RequestInterval.Min.Std(),
		MaxInterval:  phase.RequestInterval.Max.Std(),
		MaxAttempts:  phase.Retry.MaxAttempts,
		InitialDelay: phase.Retry.InitialDelay.Std(),
		MaxDelay:     phase.Retry.MaxDelay.Std(),
		Multiplier:   phase.Retry.BackoffMultiplier,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail fast on bad credentials before walking the task list.
	if err := client.Authenticate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "railfair-ingest: authentication failed: %v\n", err)
		os.Exit(1)
	}

	bus, err := events.Connect(*natsURL)
	if err != nil {
		log.Printf("ingest: events disabled: %v", err)
	}
	defer bus.Close()

	var sink ingest.Sink = db
	if *chHost != "" {
		ch, err := archive.Open(ctx, archive.Config{
			Host: *chHost, Port: *chPort, Database: *chDatabase,
			User: *chUser, Password: *chPassword,
		})
		if err != nil {
			log.Printf("ingest: archive disabled: %v", err)
		} else {
			defer func() { _ = ch.Close() }()
			sink = &archivingSink{DB: db, ch: ch}
		}
	}

	var publisher ingest.Publisher
	if bus != nil {
		publisher = bus
	}

	sched, err := ingest.NewScheduler(phase, client, sink, progress, publisher)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-ingest: %v\n", err)
		os.Exit(1)
	}

	// Force-exit guard: if shutdown takes longer than 30 s, bail out.
	go func() {
		<-ctx.Done()
		t := time.NewTimer(30 * time.Second)
		defer t.Stop()
		<-t.C
		log.Printf("ingest: shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	}()

	sum, err := sched.RunPhase(ctx)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "railfair-ingest: %v\n", err)
		os.Exit(1)
	}
	log.Printf("ingest: %d/%d tasks completed (%d skipped, %d failed), %d records",
		sum.Completed, sum.Total, sum.Skipped, sum.Failed, sum.Records)
}

// archivingSink mirrors committed stops and drop counters into ClickHouse
// alongside the primary store.
type archivingSink struct {
	*store.DB
	ch *archive.Sink
}

func (s *archivingSink) InsertServiceStops(ctx context.Context, stops []store.ServiceStop) error {
	if err := s.DB.InsertServiceStops(ctx, stops); err != nil {
		return err
	}
	if err := s.ch.ArchiveStops(ctx, stops); err != nil {
		// The archive is advisory; never fail the task for it.
		log.Printf("ingest: archive stops: %v", err)
	}
	return nil
}

func (s *archivingSink) RecordDrops(ctx context.Context, taskKey string, counts map[string]int) error {
	if err := s.DB.RecordDrops(ctx, taskKey, counts); err != nil {
		return err
	}
	if err := s.ch.ArchiveDrops(ctx, taskKey, counts, time.Now().UTC()); err != nil {
		log.Printf("ingest: archive drops: %v", err)
	}
	return nil
}
