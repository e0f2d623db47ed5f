package fares

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"railfair/internal/store"
)

// Admissibility window for adult fares, pence.
const (
	minAdultPence = 1
	maxAdultPence = 100000 // £1000; anything above is a sentinel or junk
)

// RefreshAge is how old the fare cache may grow before a re-download.
const RefreshAge = 24 * time.Hour

// Decoder converts the opaque feed archive into fare records. The fixed
// width file layout lives behind this seam.
type Decoder interface {
	Decode(archive []byte) ([]store.FareOffer, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(archive []byte) ([]store.FareOffer, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(archive []byte) ([]store.FareOffer, error) { return f(archive) }

// JSONLinesDecoder decodes archives that are already flattened to one fare
// record per JSON line, the format produced by the external feed converter.
func JSONLinesDecoder() Decoder {
	return DecoderFunc(func(archive []byte) ([]store.FareOffer, error) {
		var out []store.FareOffer
		sc := bufio.NewScanner(bytes.NewReader(archive))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var f store.FareOffer
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("fare archive line %d: %w", line, err)
			}
			out = append(out, f)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read fare archive: %w", err)
		}
		return out, nil
	})
}

// FareStore is the slice of the store the ingester writes through.
type FareStore interface {
	ReplaceFares(ctx context.Context, fares []store.FareOffer) error
	FareCacheAge(ctx context.Context) (time.Time, error)
	FaresForRoute(ctx context.Context, origin, destination string) ([]store.FareOffer, error)
}

// Downloader is the slice of the feed client the ingester needs.
type Downloader interface {
	Download(ctx context.Context) (*Archive, error)
}

// Ingester keeps the fare cache fresh.
type Ingester struct {
	Client  Downloader
	Decoder Decoder
	Store   FareStore

	now func() time.Time
}

// NewIngester wires a fare ingester.
func NewIngester(client Downloader, dec Decoder, st FareStore) *Ingester {
	return &Ingester{Client: client, Decoder: dec, Store: st, now: time.Now}
}

// EnsureFresh re-downloads the archive when the cached rows are absent or
// older than RefreshAge; otherwise the cache is reused untouched. Returns
// true when a refresh ran.
func (i *Ingester) EnsureFresh(ctx context.Context) (bool, error) {
	age, err := i.Store.FareCacheAge(ctx)
	if err != nil {
		return false, err
	}
	if !age.IsZero() && i.now().Sub(age) < RefreshAge {
		return false, nil
	}
	return true, i.Refresh(ctx)
}

// Refresh unconditionally downloads, decodes, filters and swaps in a new
// fare set.
func (i *Ingester) Refresh(ctx context.Context) error {
	arch, err := i.Client.Download(ctx)
	if err != nil {
		return fmt.Errorf("fares refresh: %w", err)
	}

	raw, err := i.Decoder.Decode(arch.Data)
	if err != nil {
		return fmt.Errorf("fares decode: %w", err)
	}

	fares, dropped := Filter(raw)
	now := i.now().UTC()
	for idx := range fares {
		fares[idx].CachedAt = now
	}

	if err := i.Store.ReplaceFares(ctx, fares); err != nil {
		return fmt.Errorf("fares store: %w", err)
	}
	log.Printf("fares: ingested %d offers (%d dropped), feed modified %s",
		len(fares), dropped, arch.LastModified.Format(time.RFC3339))
	return nil
}

// Filter applies the admissibility window and drops every
// (route, ticket_type) group whose members disagree on data_source.
// Returns the kept fares and the dropped count.
func Filter(raw []store.FareOffer) ([]store.FareOffer, int) {
	type groupKey struct{ origin, destination, ticketType string }

	sources := map[groupKey]map[string]bool{}
	var admissible []store.FareOffer
	dropped := 0

	for _, f := range raw {
		if f.AdultPence < minAdultPence || f.AdultPence > maxAdultPence {
			dropped++
			continue
		}
		k := groupKey{f.Origin, f.Destination, f.TicketType}
		if sources[k] == nil {
			sources[k] = map[string]bool{}
		}
		sources[k][f.DataSource] = true
		admissible = append(admissible, f)
	}

	var out []store.FareOffer
	for _, f := range admissible {
		k := groupKey{f.Origin, f.Destination, f.TicketType}
		if len(sources[k]) > 1 {
			dropped++
			continue
		}
		out = append(out, f)
	}
	return out, dropped
}
