package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"railfair/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewServer(Config{Port: 0, AdminToken: "sekrit"}, db, nil, nil)
	return s, db
}

func seedRouteStat(t *testing.T, db *store.DB, origin, dest string, sample int) {
	t.Helper()
	err := db.SaveRouteStat(context.Background(), store.RouteStat{
		Origin: origin, Destination: dest,
		CalculationDate: time.Now().UTC().Format("2006-01-02"),
		OnTimePct:       70, TimeTo5Pct: 70, TimeTo10Pct: 85,
		TimeTo15Pct: 92, TimeTo30Pct: 98,
		AvgDelayMinutes: 4.2, SampleSize: sample,
		ReliabilityGrade: "B", HourlyJSON: "{}", WeekdayJSON: "{}",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func predictBody(origin, dest string, includeFares bool) []byte {
	date := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")
	body, _ := json.Marshal(map[string]any{
		"origin":         origin,
		"destination":    dest,
		"departure_date": date,
		"departure_time": "09:30",
		"include_fares":  includeFares,
	})
	return body
}

func doPredict(t *testing.T, h http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.10:1234"
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPredictWellSampledRoute(t *testing.T) {
	s, db := newTestServer(t)
	seedRouteStat(t, db, "EUS", "MAN", 1000)
	h := s.Router()

	rec := doPredict(t, h, predictBody("EUS", "MAN", false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	if rec.Header().Get("X-Request-ID") == "" || len(rec.Header().Get("X-Request-ID")) != 16 {
		t.Errorf("X-Request-ID = %q, want 16 hex chars", rec.Header().Get("X-Request-ID"))
	}
	if rec.Header().Get("X-Process-Time") == "" {
		t.Error("missing X-Process-Time header")
	}

	var resp predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID == "" {
		t.Error("missing request_id")
	}
	if resp.Prediction == nil || resp.Prediction.Confidence != "HIGH" {
		t.Errorf("prediction = %+v, want HIGH confidence", resp.Prediction)
	}
	if resp.Prediction.IsDegraded {
		t.Error("well-sampled route must not be degraded")
	}
	if resp.Fares != nil {
		t.Error("fares requested false but present")
	}
	if resp.Metadata["cache_hit"] != false {
		t.Errorf("cache_hit = %v on first call", resp.Metadata["cache_hit"])
	}

	// A second identical request is served from the response cache.
	rec2 := doPredict(t, h, predictBody("EUS", "MAN", false))
	var resp2 predictResponse
	_ = json.Unmarshal(rec2.Body.Bytes(), &resp2)
	if resp2.Metadata["cache_hit"] != true {
		t.Errorf("cache_hit = %v on repeat call", resp2.Metadata["cache_hit"])
	}
	// Cached responses still get a fresh request id.
	if resp2.RequestID == resp.RequestID {
		t.Error("request ids must be unique per request")
	}
}

func TestPredictDegradedRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doPredict(t, s.Router(), predictBody("XXX", "YYY", false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp predictResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Prediction.IsDegraded {
		t.Error("expected degraded prediction")
	}
	if resp.Prediction.DegradationReason != "no_route_data" {
		t.Errorf("reason = %q", resp.Prediction.DegradationReason)
	}
	if resp.Prediction.Confidence != "VERY_LOW" {
		t.Errorf("confidence = %s", resp.Prediction.Confidence)
	}
}

func TestPredictWithFares(t *testing.T) {
	s, db := newTestServer(t)
	seedRouteStat(t, db, "EUS", "MAN", 1000)
	now := time.Now().UTC()
	err := db.ReplaceFares(context.Background(), []store.FareOffer{
		{Origin: "EUS", Destination: "MAN", TicketType: store.TicketAdvance,
			TicketClass: store.ClassStandard, AdultPence: 2550, DataSource: "NRDP", CachedAt: now},
		{Origin: "EUS", Destination: "MAN", TicketType: store.TicketAnytime,
			TicketClass: store.ClassStandard, AdultPence: 8900, DataSource: "NRDP", CachedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doPredict(t, s.Router(), predictBody("EUS", "MAN", true))
	var resp predictResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Fares == nil {
		t.Fatal("expected fares in response")
	}
	if resp.Fares.CheapestType != store.TicketAdvance {
		t.Errorf("cheapest = %s", resp.Fares.CheapestType)
	}
	if len(resp.Recommendations) == 0 {
		t.Error("expected recommendations with fares present")
	}
	// Money beats balanced on ties and should lead here (71% savings -> 7.1
	// vs time 4.83/6 capped).
	if resp.Recommendations[0].Tag != "money" {
		t.Errorf("first recommendation = %s", resp.Recommendations[0].Tag)
	}
}

func TestPredictValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	cases := map[string]map[string]any{
		"lowercase origin": {
			"origin": "eus", "destination": "MAN",
			"departure_date": time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02"),
			"departure_time": "09:30",
		},
		"past date": {
			"origin": "EUS", "destination": "MAN",
			"departure_date": "2020-01-01", "departure_time": "09:30",
		},
		"too far ahead": {
			"origin": "EUS", "destination": "MAN",
			"departure_date": time.Now().UTC().AddDate(0, 0, 120).Format("2006-01-02"),
			"departure_time": "09:30",
		},
		"bad time": {
			"origin": "EUS", "destination": "MAN",
			"departure_date": time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02"),
			"departure_time": "25:99",
		},
		"missing date": {
			"origin": "EUS", "destination": "MAN", "departure_time": "09:30",
		},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(payload)
			rec := doPredict(t, h, body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", rec.Code)
			}
			var env errorEnvelope
			_ = json.Unmarshal(rec.Body.Bytes(), &env)
			if len(env.Errors) == 0 {
				t.Error("expected field errors")
			}
		})
	}
}

func TestRateLimitBurst(t *testing.T) {
	s, db := newTestServer(t)
	seedRouteStat(t, db, "EUS", "MAN", 1000)
	h := s.Router()
	body := predictBody("EUS", "MAN", false)

	for i := 1; i <= 100; i++ {
		rec := doPredict(t, h, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := doPredict(t, h, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 101: status = %d, want 429", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry <= 0 || retry > 60 {
		t.Errorf("Retry-After = %q, want 1..60 seconds", rec.Header().Get("Retry-After"))
	}

	// A different client is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.7:4321"
	req.Header.Set("User-Agent", "other-agent")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("other client: status = %d", rec2.Code)
	}
}

func TestFeedbackLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	body, _ := json.Marshal(map[string]any{
		"request_id":           "req_abc",
		"actual_delay_minutes": 15,
		"was_cancelled":        false,
		"rating":               4,
		"comment":              "close enough",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.10:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["feedback_id"] == "" || resp["received_at"] == "" {
		t.Errorf("response = %v", resp)
	}

	// Invalid rating is a 422.
	bad, _ := json.Marshal(map[string]any{"request_id": "req_abc", "rating": 9})
	req2 := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewReader(bad))
	req2.RemoteAddr = "203.0.113.10:1234"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec2.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status     string            `json:"status"`
		Timestamp  string            `json:"timestamp"`
		Components map[string]string `json:"components"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %s", resp.Status)
	}
	if resp.Components["db"] != "healthy" || resp.Components["cache"] != "healthy" {
		t.Errorf("components = %v", resp.Components)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, db := newTestServer(t)
	seedRouteStat(t, db, "EUS", "MAN", 1000)
	h := s.Router()

	_ = doPredict(t, h, predictBody("EUS", "MAN", false))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["total_requests"].(float64) < 1 {
		t.Errorf("total_requests = %v", resp["total_requests"])
	}
	if _, ok := resp["avg_processing_ms"]; !ok {
		t.Error("missing avg_processing_ms")
	}
}

func TestResetRateLimitRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/reset-rate-limit", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("without token: status = %d, want 403", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/reset-rate-limit", nil)
	req2.Header.Set("X-Admin-Token", "sekrit")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", rec2.Code)
	}
}

func TestRouteStopsEndpoint(t *testing.T) {
	s, db := newTestServer(t)
	stops := []store.ServiceStop{
		{RID: "r1", DateOfService: "2025-11-01", TOCCode: "VT", Location: "EUS", Sequence: 0,
			Provenance: store.ProvenanceObserved, FetchedAt: time.Now().UTC()},
		{RID: "r1", DateOfService: "2025-11-01", TOCCode: "VT", Location: "MKC", Sequence: 1,
			Provenance: store.ProvenanceObserved, FetchedAt: time.Now().UTC()},
		{RID: "r1", DateOfService: "2025-11-01", TOCCode: "VT", Location: "SOT", Sequence: 2,
			Provenance: store.ProvenanceObserved, FetchedAt: time.Now().UTC()},
		{RID: "r1", DateOfService: "2025-11-01", TOCCode: "VT", Location: "MAN", Sequence: 3,
			Provenance: store.ProvenanceObserved, FetchedAt: time.Now().UTC()},
	}
	if err := db.InsertServiceStops(context.Background(), stops); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/routes/EUS/MAN/stops", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Stops []struct {
			CRS string `json:"crs"`
		} `json:"stops"`
		DataSource string `json:"data_source"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Stops) != 2 || resp.Stops[0].CRS != "MKC" || resp.Stops[1].CRS != "SOT" {
		t.Errorf("stops = %+v, want the intermediate calling points", resp.Stops)
	}
	if resp.DataSource != store.ProvenanceObserved {
		t.Errorf("data_source = %s", resp.DataSource)
	}

	// Unknown route is a 404; bad CRS a 422.
	req404 := httptest.NewRequest(http.MethodGet, "/api/routes/AAA/BBB/stops", nil)
	rec404 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec404, req404)
	if rec404.Code != http.StatusNotFound {
		t.Errorf("unknown route: status = %d", rec404.Code)
	}

	req422 := httptest.NewRequest(http.MethodGet, "/api/routes/eu1/MAN/stops", nil)
	rec422 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec422, req422)
	if rec422.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad crs: status = %d", rec422.Code)
	}
}

func TestLimiterSweep(t *testing.T) {
	l := NewLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }
	l.Allow("client-a")

	l.now = func() time.Time { return base.Add(25 * time.Hour) }
	if removed := l.Sweep(); removed != 1 {
		t.Errorf("swept = %d, want 1", removed)
	}
}

func TestLimiterMinuteWindowRecovers(t *testing.T) {
	l := NewLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < minuteLimit; i++ {
		if ok, _ := l.Allow("c"); !ok {
			t.Fatalf("request %d unexpectedly limited", i)
		}
	}
	ok, retry := l.Allow("c")
	if ok {
		t.Fatal("expected minute-window breach")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("retry = %v", retry)
	}

	// Monotonicity: still limited a few seconds later.
	l.now = func() time.Time { return base.Add(10 * time.Second) }
	if ok, _ := l.Allow("c"); ok {
		t.Error("must stay limited within the minute window")
	}

	// After the window rolls, the client recovers.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if ok, _ := l.Allow("c"); !ok {
		t.Error("should recover after the minute window")
	}
}
