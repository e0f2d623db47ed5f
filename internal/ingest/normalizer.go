package ingest

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"railfair/internal/hsp"
	"railfair/internal/store"
)

// Drop reasons counted into data_quality_metrics.
const (
	DropMissingRID   = "missing_rid"
	DropMalformedCRS = "malformed_crs"
	DropBadTime      = "unparseable_time"
	DropEarlyActual  = "actual_before_scheduled"
	DropDelayRange   = "delay_out_of_range"
)

// Delay sanity window, minutes.
const (
	minDelayMinutes = -180
	maxDelayMinutes = 720
)

var crsPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Normalizer converts raw HSP responses into store rows. Times arrive as
// HHMM strings in UK civil time; they are interpreted in Europe/London
// (DST-aware) and stored in UTC. Delays are computed once here and never
// recomputed downstream.
type Normalizer struct {
	loc *time.Location

	// An actual time earlier than scheduled by more than this (after
	// roll-over correction) marks the record as corrupt.
	earlyThreshold time.Duration
}

// NewNormalizer builds a normalizer. It fails only when the host has no
// timezone database.
func NewNormalizer() (*Normalizer, error) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		return nil, fmt.Errorf("load Europe/London: %w", err)
	}
	return &Normalizer{loc: loc, earlyThreshold: 3 * time.Hour}, nil
}

// parseHHMM interprets an HHMM string on the given service date in UK civil
// time and converts to UTC. Returns zero time for empty input.
func (n *Normalizer) parseHHMM(date, hhmm string) (time.Time, error) {
	if hhmm == "" {
		return time.Time{}, nil
	}
	if len(hhmm) != 4 {
		return time.Time{}, fmt.Errorf("bad HHMM %q", hhmm)
	}
	local, err := time.ParseInLocation("2006-01-02 1504", date+" "+hhmm, n.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %s: %w", date, hhmm, err)
	}
	return local.UTC(), nil
}

// delayMinutes computes the rounded delay between scheduled and actual.
// An actual more than twelve hours before scheduled is a next-day roll-over
// and is corrected by adding 24 hours.
func delayMinutes(scheduled, actual time.Time) (int, time.Time) {
	if actual.Before(scheduled) && scheduled.Sub(actual) > 12*time.Hour {
		actual = actual.Add(24 * time.Hour)
	}
	d := actual.Sub(scheduled)
	mins := int((d + signAdjust(d)) / time.Minute)
	return mins, actual
}

// signAdjust gives round-half-away-from-zero behaviour for durations.
func signAdjust(d time.Duration) time.Duration {
	if d < 0 {
		return -30 * time.Second
	}
	return 30 * time.Second
}

// NormalizeMetrics converts a serviceMetrics response into service_metrics
// rows. Structurally invalid services are dropped and counted.
func (n *Normalizer) NormalizeMetrics(resp *hsp.MetricsResponse, fetchedAt time.Time) ([]store.ServiceMetric, map[string]int) {
	drops := make(map[string]int)
	var out []store.ServiceMetric
	for _, svc := range resp.Services {
		a := svc.Attributes
		if !crsPattern.MatchString(a.OriginLocation) || !crsPattern.MatchString(a.DestinationLocation) {
			drops[DropMalformedCRS]++
			continue
		}
		if a.TOCCode == "" {
			drops[DropMalformedCRS]++
			continue
		}
		out = append(out, store.ServiceMetric{
			Origin:             a.OriginLocation,
			Destination:        a.DestinationLocation,
			ScheduledDeparture: a.GBTTPTD,
			ScheduledArrival:   a.GBTTPTA,
			TOCCode:            a.TOCCode,
			MatchedServices:    atoiOrZero(a.MatchedServices),
			FetchedAt:          fetchedAt,
		})
	}
	return out, drops
}

// NormalizeDetails converts a serviceDetails response into service_details
// rows, computing per-stop delays. Invalid stops are dropped and counted.
func (n *Normalizer) NormalizeDetails(resp *hsp.DetailsResponse, fetchedAt time.Time) ([]store.ServiceStop, map[string]int) {
	drops := make(map[string]int)
	a := resp.Attributes
	if a.RID == "" {
		drops[DropMissingRID]++
		return nil, drops
	}
	if a.DateOfService == "" || a.TOCCode == "" {
		drops[DropMissingRID]++
		return nil, drops
	}

	var out []store.ServiceStop
	for i, loc := range a.Locations {
		if !crsPattern.MatchString(loc.Location) {
			drops[DropMalformedCRS]++
			continue
		}

		stop := store.ServiceStop{
			RID:           a.RID,
			DateOfService: a.DateOfService,
			TOCCode:       a.TOCCode,
			Location:      loc.Location,
			Sequence:      i,
			Provenance:    store.ProvenanceObserved,
			FetchedAt:     fetchedAt,
		}

		schedDep, err1 := n.parseHHMM(a.DateOfService, loc.GBTTPTD)
		schedArr, err2 := n.parseHHMM(a.DateOfService, loc.GBTTPTA)
		actDep, err3 := n.parseHHMM(a.DateOfService, loc.ActualTD)
		actArr, err4 := n.parseHHMM(a.DateOfService, loc.ActualTA)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			drops[DropBadTime]++
			continue
		}

		// Arrival a little past midnight belongs to the next civil day.
		if !schedArr.IsZero() && !schedDep.IsZero() && schedArr.Before(schedDep) {
			schedArr = schedArr.Add(24 * time.Hour)
		}

		stop.ScheduledDeparture = nullTime(schedDep)
		stop.ScheduledArrival = nullTime(schedArr)

		ok := true
		if !schedDep.IsZero() && !actDep.IsZero() {
			mins, corrected := delayMinutes(schedDep, actDep)
			if !n.plausible(mins, schedDep, corrected, drops) {
				ok = false
			} else {
				stop.ActualDeparture = nullTime(corrected)
				stop.DepartureDelayMin = sql.NullInt64{Int64: int64(mins), Valid: true}
			}
		} else if !actDep.IsZero() {
			stop.ActualDeparture = nullTime(actDep)
		}

		if ok && !schedArr.IsZero() && !actArr.IsZero() {
			mins, corrected := delayMinutes(schedArr, actArr)
			if !n.plausible(mins, schedArr, corrected, drops) {
				ok = false
			} else {
				stop.ActualArrival = nullTime(corrected)
				stop.ArrivalDelayMin = sql.NullInt64{Int64: int64(mins), Valid: true}
			}
		} else if ok && !actArr.IsZero() {
			stop.ActualArrival = nullTime(actArr)
		}

		if !ok {
			continue
		}

		if loc.LateCancReason != "" {
			stop.CancellationReason = sql.NullString{String: loc.LateCancReason, Valid: true}
		}

		out = append(out, stop)
	}
	return out, drops
}

// plausible applies the structural delay checks, counting a drop reason on
// failure.
func (n *Normalizer) plausible(mins int, scheduled, actual time.Time, drops map[string]int) bool {
	if actual.Before(scheduled) && scheduled.Sub(actual) > n.earlyThreshold {
		drops[DropEarlyActual]++
		return false
	}
	if mins < minDelayMinutes || mins > maxDelayMinutes {
		drops[DropDelayRange]++
		return false
	}
	return true
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// mergeDrops accumulates src into dst.
func mergeDrops(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}
