// Package stats recomputes route, operator and time-slot reliability
// statistics from stored service records.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"railfair/internal/store"
)

// Source is the slice of the store the aggregator reads and writes.
type Source interface {
	DistinctRoutes(ctx context.Context) ([]store.RoutePair, error)
	DistinctTOCs(ctx context.Context) ([]string, error)
	ArrivalSamples(ctx context.Context, origin, destination string) ([]store.StopSample, error)
	OperatorSamples(ctx context.Context, toc string) ([]store.StopSample, error)
	OperatorRouteCount(ctx context.Context, toc string) (int, error)
	SaveRouteStat(ctx context.Context, rs store.RouteStat) error
	SaveOperatorStat(ctx context.Context, os store.OperatorStat) error
	SaveTimeSlotStats(ctx context.Context, origin, destination, calcDate string, slots []store.TimeSlotStat) error
}

// Publisher is notified when a recomputation lands; may be nil.
type Publisher interface {
	StatsRecomputed(calcDate string, routes, operators int)
}

// Aggregator recomputes the cached statistics tables. Each route is
// processed independently: a failure on one is logged and leaves that
// route's prior statistics canonical.
type Aggregator struct {
	DB     Source
	Events Publisher

	now func() time.Time
}

// New creates an aggregator over the given source.
func New(db Source, events Publisher) *Aggregator {
	return &Aggregator{DB: db, Events: events, now: time.Now}
}

// Recompute rebuilds route, operator and time-slot statistics for today's
// calculation date. Returns the number of routes and operators processed
// without error; one with no usable samples is counted but writes no row.
func (a *Aggregator) Recompute(ctx context.Context) (int, int, error) {
	calcDate := a.now().UTC().Format("2006-01-02")

	routes, err := a.DB.DistinctRoutes(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list routes: %w", err)
	}

	routesDone := 0
	for _, r := range routes {
		if err := ctx.Err(); err != nil {
			return routesDone, 0, err
		}
		if err := a.recomputeRoute(ctx, r, calcDate); err != nil {
			log.Printf("stats: route %s-%s failed: %v", r.Origin, r.Destination, err)
			continue
		}
		routesDone++
	}

	tocs, err := a.DB.DistinctTOCs(ctx)
	if err != nil {
		return routesDone, 0, fmt.Errorf("list operators: %w", err)
	}
	tocsDone := 0
	for _, toc := range tocs {
		if err := ctx.Err(); err != nil {
			return routesDone, tocsDone, err
		}
		if err := a.recomputeOperator(ctx, toc, calcDate); err != nil {
			log.Printf("stats: operator %s failed: %v", toc, err)
			continue
		}
		tocsDone++
	}

	if a.Events != nil {
		a.Events.StatsRecomputed(calcDate, routesDone, tocsDone)
	}
	log.Printf("stats: recomputed %d routes, %d operators for %s", routesDone, tocsDone, calcDate)
	return routesDone, tocsDone, nil
}

func (a *Aggregator) recomputeRoute(ctx context.Context, r store.RoutePair, calcDate string) error {
	samples, err := a.DB.ArrivalSamples(ctx, r.Origin, r.Destination)
	if err != nil {
		return err
	}
	rs, slots := ComputeRouteStat(r.Origin, r.Destination, calcDate, samples)
	if rs == nil {
		return nil // no usable data; prior statistics stay canonical
	}
	if err := a.DB.SaveRouteStat(ctx, *rs); err != nil {
		return err
	}
	return a.DB.SaveTimeSlotStats(ctx, r.Origin, r.Destination, calcDate, slots)
}

func (a *Aggregator) recomputeOperator(ctx context.Context, toc, calcDate string) error {
	samples, err := a.DB.OperatorSamples(ctx, toc)
	if err != nil {
		return err
	}
	routeCount, err := a.DB.OperatorRouteCount(ctx, toc)
	if err != nil {
		return err
	}
	os := ComputeOperatorStat(toc, calcDate, routeCount, samples)
	if os == nil {
		return nil
	}
	return a.DB.SaveOperatorStat(ctx, *os)
}

// bucketStats is the per-hour / per-weekday breakdown entry serialized into
// the JSON blobs.
type bucketStats struct {
	Count     int     `json:"count"`
	AvgDelay  float64 `json:"avg_delay"`
	OnTimePct float64 `json:"on_time_pct"`
	PPM5Pct   float64 `json:"ppm5_pct"`
}

// ComputeRouteStat derives the full RouteStat and its time-slot rows from
// destination arrival samples. Returns nil when no sample carries a delay.
// Percentile and median computations use ascending stable ordering so the
// output is reproducible.
func ComputeRouteStat(origin, destination, calcDate string, samples []store.StopSample) (*store.RouteStat, []store.TimeSlotStat) {
	type obs struct {
		delay int
		hour  int  // scheduled hour, -1 when unknown
		dow   int  // 0=Sunday..6=Saturday, -1 when unknown
		ok    bool // delay observed
	}

	var all []obs
	cancelled := 0
	services := map[string]bool{}
	var minDate, maxDate string

	for _, s := range samples {
		if s.Cancelled {
			cancelled++
		}
		if s.DateOfService != "" {
			if minDate == "" || s.DateOfService < minDate {
				minDate = s.DateOfService
			}
			if s.DateOfService > maxDate {
				maxDate = s.DateOfService
			}
		}

		o := obs{hour: -1, dow: -1}
		if s.ScheduledDeparture.Valid {
			o.hour = s.ScheduledDeparture.Time.Hour()
		} else if s.ScheduledArrival.Valid {
			o.hour = s.ScheduledArrival.Time.Hour()
		}
		if d, err := time.Parse("2006-01-02", s.DateOfService); err == nil {
			o.dow = int(d.Weekday())
		}
		if s.ArrivalDelayMin.Valid {
			o.delay = int(s.ArrivalDelayMin.Int64)
			o.ok = true
			services[s.RID] = true
		}
		all = append(all, o)
	}

	var delays []int
	for _, o := range all {
		if o.ok {
			delays = append(delays, o.delay)
		}
	}
	if len(delays) == 0 {
		return nil, nil
	}

	n := len(delays)
	pct := func(count int) float64 { return round2(float64(count) / float64(n) * 100) }

	count := func(pred func(int) bool) int {
		c := 0
		for _, d := range delays {
			if pred(d) {
				c++
			}
		}
		return c
	}

	onTime := count(func(d int) bool { return d <= 1 })
	t3 := count(func(d int) bool { return d <= 3 })
	t5 := count(func(d int) bool { return d <= 5 })
	t10 := count(func(d int) bool { return d <= 10 })
	t15 := count(func(d int) bool { return d <= 15 })
	t30 := count(func(d int) bool { return d <= 30 })

	// Histogram over [0,5) [5,15) [15,30) [30,60) [60,inf); early arrivals
	// land in the first bucket so counts always sum to the sample size.
	h05 := count(func(d int) bool { return d < 5 })
	h515 := count(func(d int) bool { return d >= 5 && d < 15 })
	h1530 := count(func(d int) bool { return d >= 15 && d < 30 })
	h3060 := count(func(d int) bool { return d >= 30 && d < 60 })
	h60 := count(func(d int) bool { return d >= 60 })

	sum := 0
	maxDelay := delays[0]
	for _, d := range delays {
		sum += d
		if d > maxDelay {
			maxDelay = d
		}
	}
	avg := float64(sum) / float64(n)

	sorted := append([]int(nil), delays...)
	sort.Stable(sort.IntSlice(sorted))
	median := sorted[n/2]

	variance := 0.0
	for _, d := range delays {
		variance += (float64(d) - avg) * (float64(d) - avg)
	}
	std := math.Sqrt(variance / float64(n))

	cancelledPct := 0.0
	if len(all) > 0 {
		cancelledPct = round2(float64(cancelled) / float64(len(all)) * 100)
	}

	severe := count(func(d int) bool { return d > 60 })
	severePct := float64(severe) / float64(n) * 100

	score := pct(t5)*0.4 + pct(t10)*0.3 + (100-cancelledPct)*0.2 + (100-severePct)*0.1
	score = clamp(score, 0, 100)

	hourly := map[string]*bucketStats{}
	weekday := map[string]*bucketStats{}
	for _, o := range all {
		if !o.ok {
			continue
		}
		if o.hour >= 0 {
			addBucket(hourly, fmt.Sprintf("%d", o.hour), o.delay)
		}
		if o.dow >= 0 {
			addBucket(weekday, fmt.Sprintf("%d", o.dow), o.delay)
		}
	}
	finishBuckets(hourly)
	finishBuckets(weekday)

	hourlyJSON, _ := json.Marshal(hourly)
	weekdayJSON, _ := json.Marshal(weekday)

	rs := &store.RouteStat{
		Origin:          origin,
		Destination:     destination,
		CalculationDate: calcDate,
		DataStartDate:   minDate,
		DataEndDate:     maxDate,

		TotalServices: len(services),
		TotalRecords:  len(all),

		OnTimeCount:      onTime,
		OnTimePct:        pct(onTime),
		TimeTo3Pct:       pct(t3),
		TimeTo5Pct:       pct(t5),
		TimeTo10Pct:      pct(t10),
		TimeTo15Pct:      pct(t15),
		TimeTo30Pct:      pct(t30),
		AvgDelayMinutes:  round2(avg),
		MedianDelayMin:   median,
		MaxDelayMinutes:  maxDelay,
		StdDelayMinutes:  round2(std),
		Delays0to5:       h05,
		Delays5to15:      h515,
		Delays15to30:     h1530,
		Delays30to60:     h3060,
		Delays60Plus:     h60,
		CancelledCount:   cancelled,
		CancelledPct:     cancelledPct,
		ReliabilityScore: round2(score),
		ReliabilityGrade: Grade(score),
		HourlyJSON:       string(hourlyJSON),
		WeekdayJSON:      string(weekdayJSON),
		SampleSize:       n,
	}

	// Time-slot rows: one per (hour, day-of-week) pairing plus an all-days
	// row per hour.
	type slotKey struct{ hour, dow int }
	slotDelays := map[slotKey][]int{}
	for _, o := range all {
		if !o.ok || o.hour < 0 {
			continue
		}
		slotDelays[slotKey{o.hour, store.AllDays}] = append(slotDelays[slotKey{o.hour, store.AllDays}], o.delay)
		if o.dow >= 0 {
			slotDelays[slotKey{o.hour, o.dow}] = append(slotDelays[slotKey{o.hour, o.dow}], o.delay)
		}
	}
	keys := make([]slotKey, 0, len(slotDelays))
	for k := range slotDelays {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].hour != keys[j].hour {
			return keys[i].hour < keys[j].hour
		}
		return keys[i].dow < keys[j].dow
	})

	var slots []store.TimeSlotStat
	for _, k := range keys {
		ds := slotDelays[k]
		s := 0
		ot := 0
		for _, d := range ds {
			s += d
			if d <= 1 {
				ot++
			}
		}
		slots = append(slots, store.TimeSlotStat{
			Origin:          origin,
			Destination:     destination,
			HourOfDay:       k.hour,
			DayOfWeek:       k.dow,
			CalculationDate: calcDate,
			SampleSize:      len(ds),
			OnTimePct:       round2(float64(ot) / float64(len(ds)) * 100),
			AvgDelayMinutes: round2(float64(s) / float64(len(ds))),
		})
	}

	return rs, slots
}

// ComputeOperatorStat derives the OperatorStat from an operator's arrival
// samples across all routes. Returns nil when no sample carries a delay.
func ComputeOperatorStat(toc, calcDate string, routeCount int, samples []store.StopSample) *store.OperatorStat {
	var delays []int
	cancelled := 0
	for _, s := range samples {
		if s.Cancelled {
			cancelled++
		}
		if s.ArrivalDelayMin.Valid {
			delays = append(delays, int(s.ArrivalDelayMin.Int64))
		}
	}
	if len(delays) == 0 {
		return nil
	}

	n := len(delays)
	pct := func(count int) float64 { return round2(float64(count) / float64(n) * 100) }
	count := func(pred func(int) bool) int {
		c := 0
		for _, d := range delays {
			if pred(d) {
				c++
			}
		}
		return c
	}

	onTime := count(func(d int) bool { return d <= 1 })
	ppm5 := count(func(d int) bool { return d <= 5 })
	ppm10 := count(func(d int) bool { return d <= 10 })
	severe := count(func(d int) bool { return d > 60 })

	sum := 0
	for _, d := range delays {
		sum += d
	}
	avg := float64(sum) / float64(n)

	sorted := append([]int(nil), delays...)
	sort.Stable(sort.IntSlice(sorted))
	median := sorted[n/2]

	cancelledPct := round2(float64(cancelled) / float64(len(samples)) * 100)
	severePct := float64(severe) / float64(n) * 100

	score := clamp(pct(ppm5)*0.4+pct(ppm10)*0.3+(100-cancelledPct)*0.2+(100-severePct)*0.1, 0, 100)

	return &store.OperatorStat{
		TOCCode:          toc,
		CalculationDate:  calcDate,
		TotalServices:    len(samples),
		RoutesServed:     routeCount,
		OnTimePct:        pct(onTime),
		PPM5Pct:          pct(ppm5),
		PPM10Pct:         pct(ppm10),
		AvgDelayMinutes:  round2(avg),
		MedianDelayMin:   median,
		CancelledPct:     cancelledPct,
		ReliabilityScore: round2(score),
		ReliabilityGrade: Grade(score),
		SampleSize:       n,
	}
}

// Grade maps a reliability score to its letter band.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func addBucket(m map[string]*bucketStats, key string, delay int) {
	b := m[key]
	if b == nil {
		b = &bucketStats{}
		m[key] = b
	}
	b.Count++
	b.AvgDelay += float64(delay) // running sum until finishBuckets
	if delay <= 1 {
		b.OnTimePct++
	}
	if delay <= 5 {
		b.PPM5Pct++
	}
}

func finishBuckets(m map[string]*bucketStats) {
	for _, b := range m {
		n := float64(b.Count)
		b.AvgDelay = round2(b.AvgDelay / n)
		b.OnTimePct = round2(b.OnTimePct / n * 100)
		b.PPM5Pct = round2(b.PPM5Pct / n * 100)
	}
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
