package fares

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"railfair/internal/store"
)

func offer(origin, dest, ticketType string, pence int, source string) store.FareOffer {
	return store.FareOffer{
		Origin: origin, Destination: dest,
		TicketType: ticketType, TicketClass: store.ClassStandard,
		AdultPence: pence, DataSource: source,
	}
}

func TestFilterAdmissibilityWindow(t *testing.T) {
	raw := []store.FareOffer{
		offer("EUS", "MAN", store.TicketAdvance, 2550, "NRDP"),
		offer("EUS", "MAN", store.TicketAnytime, 0, "NRDP"),        // below window
		offer("EUS", "MAN", store.TicketOffPeak, 99999999, "NRDP"), // sentinel price
		offer("EUS", "MAN", store.TicketSeason, 100000, "NRDP"),    // at the cap, kept
	}
	kept, dropped := Filter(raw)
	if len(kept) != 2 || dropped != 2 {
		t.Errorf("kept=%d dropped=%d, want 2/2", len(kept), dropped)
	}
}

func TestFilterDropsMixedSources(t *testing.T) {
	raw := []store.FareOffer{
		offer("EUS", "MAN", store.TicketAdvance, 2550, "NRDP"),
		offer("EUS", "MAN", store.TicketAdvance, 2600, "SIMULATED"), // mixes the key
		offer("EUS", "MAN", store.TicketAnytime, 8900, "NRDP"),
	}
	kept, dropped := Filter(raw)
	if len(kept) != 1 || kept[0].TicketType != store.TicketAnytime {
		t.Errorf("kept = %+v, want only the anytime fare", kept)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

// fakeDownloader serves a fixed archive and counts downloads.
type fakeDownloader struct {
	calls   int32
	archive string
}

func (f *fakeDownloader) Download(ctx context.Context) (*Archive, error) {
	atomic.AddInt32(&f.calls, 1)
	return &Archive{Data: []byte(f.archive), LastModified: time.Now()}, nil
}

const archiveJSONL = `
{"origin":"EUS","destination":"MAN","ticket_type":"advance","ticket_class":"standard","adult_pence":2550,"data_source":"NRDP"}
{"origin":"EUS","destination":"MAN","ticket_type":"anytime","ticket_class":"standard","adult_pence":8900,"data_source":"NRDP"}
`

func TestEnsureFreshHonoursAge(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	dl := &fakeDownloader{archive: strings.TrimSpace(archiveJSONL)}
	ing := NewIngester(dl, JSONLinesDecoder(), db)

	// Empty cache: first call refreshes.
	refreshed, err := ing.EnsureFresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed || dl.calls != 1 {
		t.Fatalf("refreshed=%v calls=%d, want refresh on empty cache", refreshed, dl.calls)
	}

	// 23 hours old: reuse.
	ing.now = func() time.Time { return time.Now().Add(23 * time.Hour) }
	refreshed, err = ing.EnsureFresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refreshed || dl.calls != 1 {
		t.Errorf("refreshed=%v calls=%d, want cached reuse at 23h", refreshed, dl.calls)
	}

	// 25 hours old: re-download.
	ing.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	refreshed, err = ing.EnsureFresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed || dl.calls != 2 {
		t.Errorf("refreshed=%v calls=%d, want re-download at 25h", refreshed, dl.calls)
	}
}

func TestJSONLinesDecoderRejectsGarbage(t *testing.T) {
	if _, err := JSONLinesDecoder().Decode([]byte("not json\n")); err == nil {
		t.Error("expected decode error")
	}
}

func TestCompareOffers(t *testing.T) {
	offers := []store.FareOffer{
		offer("EUS", "MAN", store.TicketAdvance, 2550, "NRDP"),
		offer("EUS", "MAN", store.TicketOffPeak, 4500, "NRDP"),
		offer("EUS", "MAN", store.TicketAnytime, 8900, "NRDP"),
		{Origin: "EUS", Destination: "MAN", TicketType: store.TicketAnytime,
			TicketClass: store.ClassFirst, AdultPence: 15000, DataSource: "NRDP"},
	}
	c := CompareOffers("EUS", "MAN", offers)
	if c == nil {
		t.Fatal("expected comparison")
	}
	if c.CheapestType != store.TicketAdvance || c.CheapestPence != 2550 {
		t.Errorf("cheapest = %s/%d", c.CheapestType, c.CheapestPence)
	}
	// Savings vs the dearest standard-class fare, not first class.
	if c.SavingsPence != 8900-2550 {
		t.Errorf("savings = %d", c.SavingsPence)
	}
	wantPct := float64(8900-2550) / 8900 * 100
	if c.SavingsPct != wantPct {
		t.Errorf("savings pct = %v, want %v", c.SavingsPct, wantPct)
	}
	if len(c.Fares) != 3 {
		t.Errorf("standard fares = %d, want 3", len(c.Fares))
	}
}

func TestCompareOffersEmpty(t *testing.T) {
	if c := CompareOffers("EUS", "MAN", nil); c != nil {
		t.Errorf("expected nil comparison, got %+v", c)
	}
}
