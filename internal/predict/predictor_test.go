package predict

import (
	"context"
	"testing"
	"time"

	"railfair/internal/store"
)

// fakeReader serves canned statistics rows.
type fakeReader struct {
	routes    map[string]*store.RouteStat
	operators map[string]*store.OperatorStat
	network   *store.RouteStat
}

func key(o, d string) string { return o + "-" + d }

func (f *fakeReader) LatestRouteStat(ctx context.Context, origin, destination string) (*store.RouteStat, error) {
	return f.routes[key(origin, destination)], nil
}

func (f *fakeReader) LatestOperatorStat(ctx context.Context, toc string) (*store.OperatorStat, error) {
	return f.operators[toc], nil
}

func (f *fakeReader) NetworkAverage(ctx context.Context) (*store.RouteStat, error) {
	return f.network, nil
}

func wellSampledRoute() *store.RouteStat {
	return &store.RouteStat{
		Origin: "EUS", Destination: "MAN",
		OnTimePct: 70, TimeTo5Pct: 70, TimeTo10Pct: 85, TimeTo15Pct: 92, TimeTo30Pct: 98,
		AvgDelayMinutes: 4.2, SampleSize: 1000,
	}
}

func tuesday0930() time.Time {
	return time.Date(2025, 12, 2, 9, 30, 0, 0, time.UTC) // Tuesday, morning peak
}

func saturday0930() time.Time {
	return time.Date(2025, 12, 6, 9, 30, 0, 0, time.UTC) // Saturday
}

func TestPredictWellSampledRoute(t *testing.T) {
	r := &fakeReader{routes: map[string]*store.RouteStat{key("EUS", "MAN"): wellSampledRoute()}}
	e := New(r)

	res, err := e.Predict(context.Background(), "EUS", "MAN", tuesday0930(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Level != int(LevelRoute) {
		t.Errorf("level = %d, want 2", res.Level)
	}
	if res.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %s, want HIGH", res.Confidence)
	}
	if res.IsDegraded {
		t.Error("well-sampled route must not be degraded")
	}
	// Morning peak on a weekday: delay 4.2 * 1.15 = 4.83 -> 4.8.
	if res.ExpectedDelayMin < 4.5 || res.ExpectedDelayMin > 5.5 {
		t.Errorf("expected delay = %v, want within [4.5, 5.5]", res.ExpectedDelayMin)
	}
	if res.TimeFactor != 1.15 || res.DayFactor != 1.0 {
		t.Errorf("factors = %v/%v", res.TimeFactor, res.DayFactor)
	}
	// p' = 0.70 * (2 - 1.15) = 0.595.
	if res.OnTimeProbability != 0.595 {
		t.Errorf("on-time = %v, want 0.595", res.OnTimeProbability)
	}
	if res.SampleSize != 1000 {
		t.Errorf("sample = %d", res.SampleSize)
	}
}

func TestPredictWeekendScalesDelay(t *testing.T) {
	r := &fakeReader{routes: map[string]*store.RouteStat{key("EUS", "MAN"): wellSampledRoute()}}
	e := New(r)

	wk, err := e.Predict(context.Background(), "EUS", "MAN", tuesday0930(), "")
	if err != nil {
		t.Fatal(err)
	}
	sat, err := e.Predict(context.Background(), "EUS", "MAN", saturday0930(), "")
	if err != nil {
		t.Fatal(err)
	}
	// Saturday 09:30: 4.2 * 1.15 * 0.90 = 4.347 -> 4.3; the weekday value
	// times 0.90 rounded to one decimal.
	want := round1(4.2 * 1.15 * 0.90)
	if sat.ExpectedDelayMin != want {
		t.Errorf("saturday delay = %v, want %v", sat.ExpectedDelayMin, want)
	}
	if sat.ExpectedDelayMin >= wk.ExpectedDelayMin {
		t.Errorf("saturday %v should be below weekday %v", sat.ExpectedDelayMin, wk.ExpectedDelayMin)
	}
	if sat.DayFactor != 0.90 {
		t.Errorf("day factor = %v", sat.DayFactor)
	}
}

func TestPredictDegradedUnknownRoute(t *testing.T) {
	e := New(&fakeReader{})
	res, err := e.Predict(context.Background(), "XXX", "YYY", tuesday0930(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsDegraded {
		t.Fatal("expected degraded prediction")
	}
	if res.DegradationReason != "no_route_data" {
		t.Errorf("reason = %q", res.DegradationReason)
	}
	if res.Confidence != ConfidenceVeryLow {
		t.Errorf("confidence = %s", res.Confidence)
	}
	if res.Level != int(LevelFloor) {
		t.Errorf("level = %d, want 5", res.Level)
	}
	// Floor on-time 0.64 adjusted for the morning peak: 0.64 * 0.85 = 0.544.
	if res.OnTimeProbability != round3(0.64*(2-1.15)) {
		t.Errorf("on-time = %v", res.OnTimeProbability)
	}
	if res.SampleSize != 0 {
		t.Errorf("sample = %d", res.SampleSize)
	}
}

func TestPredictLadderDescends(t *testing.T) {
	thin := wellSampledRoute()
	thin.SampleSize = 10 // below the floor

	op := &store.OperatorStat{
		TOCCode: "VT", OnTimePct: 60, PPM5Pct: 75, PPM10Pct: 88,
		AvgDelayMinutes: 5.0, SampleSize: 400,
	}
	r := &fakeReader{
		routes:    map[string]*store.RouteStat{key("EUS", "MAN"): thin},
		operators: map[string]*store.OperatorStat{"VT": op},
	}
	e := New(r)

	res, err := e.Predict(context.Background(), "EUS", "MAN", tuesday0930(), "VT")
	if err != nil {
		t.Fatal(err)
	}
	if res.Level != int(LevelOperator) {
		t.Errorf("level = %d, want 3 (route below sample floor)", res.Level)
	}
	// Level 3 caps out at MEDIUM even with a big sample.
	if res.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %s, want MEDIUM", res.Confidence)
	}
}

func TestPredictNetworkFallback(t *testing.T) {
	network := wellSampledRoute()
	network.SampleSize = 5000
	e := New(&fakeReader{network: network})

	res, err := e.Predict(context.Background(), "ABC", "DEF", tuesday0930(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Level != int(LevelNetwork) {
		t.Errorf("level = %d, want 4", res.Level)
	}
	if res.IsDegraded {
		t.Error("network average is not degraded")
	}
	// Level 4 never reaches HIGH regardless of sample size.
	if res.Confidence == ConfidenceHigh {
		t.Error("network-level prediction must not be HIGH confidence")
	}
}

func TestPredictOperatorJoinLevelOne(t *testing.T) {
	route := wellSampledRoute()
	op := &store.OperatorStat{
		TOCCode: "VT", OnTimePct: 80, PPM5Pct: 80, PPM10Pct: 90,
		AvgDelayMinutes: 3.0, SampleSize: 500,
	}
	r := &fakeReader{
		routes:    map[string]*store.RouteStat{key("EUS", "MAN"): route},
		operators: map[string]*store.OperatorStat{"VT": op},
	}
	e := New(r)

	res, err := e.Predict(context.Background(), "EUS", "MAN", tuesday0930(), "VT")
	if err != nil {
		t.Fatal(err)
	}
	if res.Level != int(LevelRouteOperator) {
		t.Errorf("level = %d, want 1", res.Level)
	}
	// Blended delay: (4.2*0.7 + 3.0*0.3) * 1.15 = 3.84 * 1.15 = 4.416 -> 4.4.
	if res.ExpectedDelayMin != 4.4 {
		t.Errorf("delay = %v, want 4.4", res.ExpectedDelayMin)
	}
	if res.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %s, want HIGH at level 1 with 1000 samples", res.Confidence)
	}
}

func TestConfidenceInvariants(t *testing.T) {
	// HIGH requires level <= 2 and sample >= 150.
	if confidence(LevelRoute, 149) == ConfidenceHigh {
		t.Error("149 samples must not be HIGH")
	}
	if confidence(LevelOperator, 10000) == ConfidenceHigh {
		t.Error("level 3 must not be HIGH")
	}
	if got := confidence(LevelRoute, 150); got != ConfidenceHigh {
		t.Errorf("level 2 / 150 = %s, want HIGH", got)
	}
	if got := confidence(LevelNetwork, 60); got != ConfidenceMedium {
		t.Errorf("sample 60 = %s, want MEDIUM", got)
	}
	if got := confidence(LevelNetwork, 31); got != ConfidenceLow {
		t.Errorf("sample 31 = %s, want LOW", got)
	}
}

func TestTimeFactorBands(t *testing.T) {
	cases := []struct {
		hour int
		want float64
	}{
		{0, 0.85}, {5, 0.85}, {6, 1.15}, {9, 1.15}, {10, 1.0},
		{15, 1.0}, {16, 1.2}, {18, 1.2}, {19, 1.05}, {23, 1.05},
	}
	for _, tc := range cases {
		if got := TimeFactor(tc.hour); got != tc.want {
			t.Errorf("TimeFactor(%d) = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestExplanationIsDeterministic(t *testing.T) {
	r := &fakeReader{routes: map[string]*store.RouteStat{key("EUS", "MAN"): wellSampledRoute()}}
	e := New(r)
	a, _ := e.Predict(context.Background(), "EUS", "MAN", tuesday0930(), "")
	b, _ := e.Predict(context.Background(), "EUS", "MAN", tuesday0930(), "")
	if a.Explanation != b.Explanation || a.Explanation == "" {
		t.Errorf("explanations differ or empty: %q vs %q", a.Explanation, b.Explanation)
	}
}
