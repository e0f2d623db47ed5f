// Command railfair-api serves the delay prediction and fare comparison API.
//
// Usage:
//
//	railfair-api [options]
//
// Options:
//
//	-db PATH          SQLite database path (env: RAILFAIR_DB)
//	-port N           HTTP port (default: 8000, env: PORT)
//	-cache-url URL    Shared cache endpoint; a postgres:// URL enables the
//	                  PostgreSQL-backed cache, empty keeps the in-memory
//	                  cache (env: CACHE_URL)
//	-admin-token TOK  Token for /api/reset-rate-limit (env: ADMIN_TOKEN)
//	-fares-base-url   Fares feed base URL for on-demand refresh; needs
//	                  NRDP_EMAIL and NRDP_PASSWORD (optional)
//	-nats-url URL     NATS server for statistics-recompute events that
//	                  re-warm the popular-route summaries (optional)
//
// Endpoints:
//
//	GET  /health
//	POST /api/predict
//	POST /api/feedback
//	GET  /api/stats
//	POST /api/reset-rate-limit
//	GET  /api/routes/{origin}/{destination}/stops
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"railfair/internal/api"
	"railfair/internal/cache"
	"railfair/internal/config"
	"railfair/internal/events"
	"railfair/internal/fares"
	"railfair/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dbPath := flag.String("db", config.EnvOrDefault("RAILFAIR_DB", "data/railfair.db"), "SQLite database path")
	port := flag.Int("port", envOrDefaultInt("PORT", 8000), "HTTP port")
	cacheURL := flag.String("cache-url", os.Getenv("CACHE_URL"), "shared cache endpoint (postgres:// URL, optional)")
	adminToken := flag.String("admin-token", os.Getenv("ADMIN_TOKEN"), "admin token for rate-limit reset")
	faresBaseURL := flag.String("fares-base-url", os.Getenv("NRDP_BASE_URL"), "fares feed base URL (optional)")
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS server URL (optional)")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-api: open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	var backend cache.Cache
	if strings.HasPrefix(*cacheURL, "postgres://") || strings.HasPrefix(*cacheURL, "postgresql://") {
		pg, err := cache.OpenPostgres(ctx, *cacheURL)
		if err != nil {
			// The serving layer still answers from the database path.
			log.Printf("api: shared cache unavailable, using in-memory: %v", err)
		} else {
			defer pg.Close()
			backend = pg
		}
	}
	if backend == nil {
		backend = cache.NewMemory()
	}

	var fareIng *fares.Ingester
	if *faresBaseURL != "" {
		email := os.Getenv("NRDP_EMAIL")
		password := os.Getenv("NRDP_PASSWORD")
		if email == "" || password == "" {
			log.Printf("api: fares refresh disabled, NRDP credentials not set")
		} else {
			client := fares.NewClient(fares.ClientConfig{
				BaseURL: *faresBaseURL, Email: email, Password: password,
			})
			fareIng = fares.NewIngester(client, fares.JSONLinesDecoder(), db)
		}
	}

	srv := api.NewServer(api.Config{Port: *port, AdminToken: *adminToken}, db, backend, fareIng)

	// Recompute events from the aggregator re-warm the popular-route summaries.
	bus, err := events.Connect(*natsURL)
	if err != nil {
		log.Printf("api: events disabled: %v", err)
	}
	defer bus.Close()
	if bus != nil {
		_, err := bus.SubscribeStatsRecomputed(func(ev events.StatsRecomputedEvent) {
			log.Printf("api: statistics recomputed for %s (%d routes), rewarming", ev.CalculationDate, ev.Routes)
			srv.Rewarm()
		})
		if err != nil {
			log.Printf("api: subscribe stats events: %v", err)
		}
	}

	if err := srv.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "railfair-api: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
