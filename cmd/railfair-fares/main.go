// Command railfair-fares refreshes the fare cache from the upstream fares
// feed. By default it respects the 24-hour freshness window; -force always
// re-downloads.
//
// Usage:
//
//	railfair-fares [-db data/railfair.db] [-force]
//
// Options:
//
//	-db PATH        SQLite database path (env: RAILFAIR_DB)
//	-base-url URL   Fares feed base URL (env: NRDP_BASE_URL)
//	-archive PATH   Decode a local archive file instead of downloading
//	-force          Ignore the freshness window and refresh now
//
// Credentials are read from NRDP_EMAIL and NRDP_PASSWORD.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"railfair/internal/config"
	"railfair/internal/fares"
	"railfair/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dbPath := flag.String("db", config.EnvOrDefault("RAILFAIR_DB", "data/railfair.db"), "SQLite database path")
	baseURL := flag.String("base-url", config.EnvOrDefault("NRDP_BASE_URL", "https://opendata.nationalrail.co.uk"), "fares feed base URL")
	archivePath := flag.String("archive", "", "decode a local archive file instead of downloading")
	force := flag.Bool("force", false, "refresh even when the cache is fresh")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-fares: open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var downloader fares.Downloader
	if *archivePath != "" {
		downloader = localArchive(*archivePath)
	} else {
		email := os.Getenv("NRDP_EMAIL")
		password := os.Getenv("NRDP_PASSWORD")
		if email == "" || password == "" {
			fmt.Fprintln(os.Stderr, "railfair-fares: NRDP_EMAIL and NRDP_PASSWORD must be set")
			os.Exit(2)
		}
		downloader = fares.NewClient(fares.ClientConfig{
			BaseURL: *baseURL, Email: email, Password: password,
		})
	}

	ing := fares.NewIngester(downloader, fares.JSONLinesDecoder(), db)
	ctx := context.Background()

	if *force {
		if err := ing.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "railfair-fares: %v\n", err)
			os.Exit(1)
		}
		return
	}

	refreshed, err := ing.EnsureFresh(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "railfair-fares: %v\n", err)
		os.Exit(1)
	}
	if !refreshed {
		log.Printf("fares: cache is fresh, nothing to do")
	}
}

// localArchive adapts a file on disk to the Downloader interface, for
// air-gapped refreshes.
func localArchive(path string) fares.Downloader {
	return downloaderFunc(func(ctx context.Context) (*fares.Archive, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return &fares.Archive{Data: data, LastModified: info.ModTime()}, nil
	})
}

type downloaderFunc func(ctx context.Context) (*fares.Archive, error)

func (f downloaderFunc) Download(ctx context.Context) (*fares.Archive, error) { return f(ctx) }
