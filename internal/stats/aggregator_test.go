package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"railfair/internal/store"
)

func sample(rid string, date string, delay int, cancelled bool, hour int) store.StopSample {
	s := store.StopSample{
		RID:           rid,
		DateOfService: date,
		TOCCode:       "VT",
		Cancelled:     cancelled,
	}
	if hour >= 0 {
		s.ScheduledDeparture = sql.NullTime{
			Time:  time.Date(2025, 11, 3, hour, 30, 0, 0, time.UTC),
			Valid: true,
		}
	}
	if delay != -999 {
		s.ArrivalDelayMin = sql.NullInt64{Int64: int64(delay), Valid: true}
	}
	return s
}

func TestComputeRouteStatBasics(t *testing.T) {
	// 10 samples: delays 0,1,2,3,4,6,8,12,25,70.
	delays := []int{0, 1, 2, 3, 4, 6, 8, 12, 25, 70}
	var samples []store.StopSample
	for i, d := range delays {
		samples = append(samples, sample(fmt.Sprintf("r%d", i), "2025-11-03", d, false, 9))
	}

	rs, slots := ComputeRouteStat("EUS", "MAN", "2025-11-10", samples)
	if rs == nil {
		t.Fatal("expected stats")
	}

	if rs.SampleSize != 10 {
		t.Errorf("sample = %d", rs.SampleSize)
	}
	if rs.OnTimePct != 20 { // 0,1
		t.Errorf("on_time = %v, want 20", rs.OnTimePct)
	}
	if rs.TimeTo5Pct != 50 { // 0..4
		t.Errorf("ppm5 = %v, want 50", rs.TimeTo5Pct)
	}
	if rs.TimeTo10Pct != 70 { // + 6,8
		t.Errorf("ppm10 = %v, want 70", rs.TimeTo10Pct)
	}
	if rs.TimeTo30Pct != 90 {
		t.Errorf("t30 = %v, want 90", rs.TimeTo30Pct)
	}

	// Monotone percentages.
	if !(rs.OnTimePct <= rs.TimeTo5Pct && rs.TimeTo5Pct <= rs.TimeTo10Pct &&
		rs.TimeTo10Pct <= rs.TimeTo15Pct && rs.TimeTo15Pct <= rs.TimeTo30Pct &&
		rs.TimeTo30Pct <= 100) {
		t.Errorf("percentages not monotone: %+v", rs)
	}

	// Histogram sums to the sample size.
	total := rs.Delays0to5 + rs.Delays5to15 + rs.Delays15to30 + rs.Delays30to60 + rs.Delays60Plus
	if total != rs.SampleSize {
		t.Errorf("histogram sum = %d, want %d", total, rs.SampleSize)
	}

	if rs.MaxDelayMinutes != 70 {
		t.Errorf("max = %d", rs.MaxDelayMinutes)
	}
	if rs.MedianDelayMin != 6 { // sorted[10/2]
		t.Errorf("median = %d, want 6", rs.MedianDelayMin)
	}
	if rs.AvgDelayMinutes != 13.1 {
		t.Errorf("avg = %v, want 13.1", rs.AvgDelayMinutes)
	}

	// Reliability: 50*0.4 + 70*0.3 + 100*0.2 + 90*0.1 = 70 → C.
	if rs.ReliabilityScore != 70 || rs.ReliabilityGrade != "C" {
		t.Errorf("score = %v grade %s, want 70 C", rs.ReliabilityScore, rs.ReliabilityGrade)
	}

	// All samples were at hour 9, so there is one all-days slot plus the
	// Monday slot for that hour.
	if len(slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(slots))
	}
	if slots[0].HourOfDay != 9 || slots[0].DayOfWeek != store.AllDays {
		t.Errorf("first slot = %+v", slots[0])
	}
}

func TestComputeRouteStatGradeBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{95, "A"}, {90, "A"}, {85, "B"}, {80, "B"}, {75, "C"}, {65, "D"}, {10, "F"},
	}
	for _, tc := range cases {
		if got := Grade(tc.score); got != tc.want {
			t.Errorf("Grade(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestComputeRouteStatDeterministic(t *testing.T) {
	var samples []store.StopSample
	for i := 0; i < 100; i++ {
		samples = append(samples, sample(fmt.Sprintf("r%d", i), "2025-11-03", i%13, i%17 == 0, i%24))
	}
	a, slotsA := ComputeRouteStat("EUS", "MAN", "2025-11-10", samples)
	b, slotsB := ComputeRouteStat("EUS", "MAN", "2025-11-10", samples)

	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Error("route stat not reproducible on identical input")
	}
	sa, _ := json.Marshal(slotsA)
	sb, _ := json.Marshal(slotsB)
	if string(sa) != string(sb) {
		t.Error("slots not reproducible on identical input")
	}
}

func TestComputeRouteStatNoUsableData(t *testing.T) {
	samples := []store.StopSample{sample("r1", "2025-11-03", -999, true, 9)}
	rs, _ := ComputeRouteStat("EUS", "MAN", "2025-11-10", samples)
	if rs != nil {
		t.Errorf("expected nil stat when no delay is observed, got %+v", rs)
	}
}

func TestComputeOperatorStat(t *testing.T) {
	var samples []store.StopSample
	for i := 0; i < 20; i++ {
		samples = append(samples, sample(fmt.Sprintf("r%d", i), "2025-11-03", i, false, 9))
	}
	os := ComputeOperatorStat("VT", "2025-11-10", 3, samples)
	if os == nil {
		t.Fatal("expected stat")
	}
	if os.RoutesServed != 3 || os.SampleSize != 20 {
		t.Errorf("stat = %+v", os)
	}
	if os.PPM5Pct != 30 { // delays 0..5 of 0..19
		t.Errorf("ppm5 = %v, want 30", os.PPM5Pct)
	}
}

// End-to-end over a real store: seed raw records, recompute, read back.
func TestAggregatorRecomputeAgainstStore(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	if err := db.InsertServiceMetric(ctx, store.ServiceMetric{
		Origin: "EUS", Destination: "MAN", TOCCode: "VT",
		ScheduledDeparture: "0930", ScheduledArrival: "1135",
		FetchedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	var stops []store.ServiceStop
	for i := 0; i < 50; i++ {
		delay := int64(i % 10)
		stops = append(stops, store.ServiceStop{
			RID: fmt.Sprintf("rid%03d", i), DateOfService: "2025-11-03", TOCCode: "VT",
			Location: "MAN", Sequence: 1,
			ScheduledArrival: sql.NullTime{Time: time.Date(2025, 11, 3, 9+(i%3), 35, 0, 0, time.UTC), Valid: true},
			ActualArrival:    sql.NullTime{Time: time.Date(2025, 11, 3, 9+(i%3), 35+int(delay), 0, 0, time.UTC), Valid: true},
			ArrivalDelayMin:  sql.NullInt64{Int64: delay, Valid: true},
			Provenance:       store.ProvenanceObserved,
			FetchedAt:        time.Now().UTC(),
		})
	}
	if err := db.InsertServiceStops(ctx, stops); err != nil {
		t.Fatal(err)
	}

	agg := New(db, nil)
	routes, tocs, err := agg.Recompute(ctx)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if routes != 1 || tocs != 1 {
		t.Errorf("recomputed routes=%d tocs=%d, want 1/1", routes, tocs)
	}

	rs, err := db.LatestRouteStat(ctx, "EUS", "MAN")
	if err != nil {
		t.Fatal(err)
	}
	if rs == nil || rs.SampleSize != 50 {
		t.Fatalf("route stat = %+v, want 50 samples", rs)
	}

	// Rerunning on an unchanged store yields equal numeric fields.
	if _, _, err := agg.Recompute(ctx); err != nil {
		t.Fatal(err)
	}
	rs2, _ := db.LatestRouteStat(ctx, "EUS", "MAN")
	aj, _ := json.Marshal(rs)
	bj, _ := json.Marshal(rs2)
	if string(aj) != string(bj) {
		t.Error("recompute on unchanged store changed the statistics")
	}

	op, err := db.LatestOperatorStat(ctx, "VT")
	if err != nil {
		t.Fatal(err)
	}
	if op == nil || op.SampleSize != 50 {
		t.Fatalf("operator stat = %+v", op)
	}
}
