package api

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"railfair/internal/cache"
	"railfair/internal/fares"
	"railfair/internal/predict"
	"railfair/internal/store"
)

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestIDKey, id))
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return newRequestID()
}

// ---------------------------------------------------------------------------
// Request / response shapes

type predictRequest struct {
	Origin        string `json:"origin"`
	Destination   string `json:"destination"`
	DepartureDate string `json:"departure_date"`
	DepartureTime string `json:"departure_time"`
	IncludeFares  bool   `json:"include_fares"`
	Operator      string `json:"operator,omitempty"`
}

// predictCore is the cacheable part of a predict response; the envelope
// adds per-request fields around it.
type predictCore struct {
	Prediction      *predict.Result   `json:"prediction"`
	Fares           *fares.Comparison `json:"fares"`
	Recommendations []Recommendation  `json:"recommendations"`
	Explanation     string            `json:"explanation"`
}

type predictResponse struct {
	RequestID       string            `json:"request_id"`
	Prediction      *predict.Result   `json:"prediction"`
	Fares           *fares.Comparison `json:"fares"`
	Recommendations []Recommendation  `json:"recommendations"`
	Explanation     string            `json:"explanation"`
	Metadata        map[string]any    `json:"metadata"`
}

type feedbackRequest struct {
	RequestID       string `json:"request_id"`
	ActualDelayMins *int   `json:"actual_delay_minutes,omitempty"`
	WasCancelled    bool   `json:"was_cancelled"`
	Rating          int    `json:"rating"`
	Comment         string `json:"comment,omitempty"`
}

type errorEnvelope struct {
	RequestID string       `json:"request_id"`
	Error     string       `json:"error"`
	Errors    []FieldError `json:"errors,omitempty"`
}

// ---------------------------------------------------------------------------
// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := s.db.Ping(r.Context()); err != nil {
		dbStatus = "unhealthy"
	}

	cacheStatus := "healthy"
	switch s.breaker.State() {
	case cache.StateOpen:
		cacheStatus = "unavailable"
	case cache.StateHalfOpen:
		cacheStatus = "recovering"
	}

	status := "healthy"
	if dbStatus != "healthy" {
		status = "unhealthy"
	} else if cacheStatus != "healthy" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"components": map[string]string{
			"db":    dbStatus,
			"cache": cacheStatus,
		},
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	if !s.admit(w, r) {
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{RequestID: reqID, Error: "invalid JSON body"})
		return
	}

	departure, fieldErrs := validatePredictRequest(&req, s.now().UTC())
	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{
			RequestID: reqID, Error: "validation failed", Errors: fieldErrs,
		})
		return
	}

	start := s.now()
	ctx := r.Context()

	// The response cache key covers the full input tuple in a fixed order.
	key := cache.Key("predict",
		req.Origin, req.Destination, req.DepartureDate, req.DepartureTime,
		req.Operator, strconv.FormatBool(req.IncludeFares))

	if data, found, _ := s.cache.Get(ctx, key); found {
		var core predictCore
		if err := json.Unmarshal(data, &core); err == nil {
			s.writePredictResponse(w, reqID, &core, start, true)
			return
		}
	}

	// Prediction and fare lookup run in parallel; results join before the
	// response is assembled.
	type fareResult struct {
		cmp *fares.Comparison
	}
	var fareCh chan fareResult
	if req.IncludeFares {
		fareCh = make(chan fareResult, 1)
		go func() {
			fareCh <- fareResult{cmp: s.lookupFares(ctx, req.Origin, req.Destination)}
		}()
	}

	prediction, err := s.engine.Predict(ctx, req.Origin, req.Destination, departure, req.Operator)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{
			RequestID: reqID, Error: "prediction failed",
		})
		return
	}

	var comparison *fares.Comparison
	if fareCh != nil {
		comparison = (<-fareCh).cmp
	}

	core := &predictCore{
		Prediction:      prediction,
		Fares:           comparison,
		Recommendations: buildRecommendations(prediction, comparison),
		Explanation:     prediction.Explanation,
	}

	s.persistPrediction(ctx, &req, prediction)
	if data, err := marshalJSON(core); err == nil {
		_ = s.cache.Set(ctx, key, data, cache.TTLPrediction)
	}

	s.writePredictResponse(w, reqID, core, start, false)
}

// lookupFares refreshes the fare cache when stale and reads the comparison,
// consulting the breaker-fronted response cache first. Failures degrade to
// a nil comparison; the prediction still answers.
func (s *Server) lookupFares(ctx context.Context, origin, destination string) *fares.Comparison {
	key := cache.Key("fares", origin, destination)
	if data, found, _ := s.cache.Get(ctx, key); found {
		var cmp fares.Comparison
		if err := json.Unmarshal(data, &cmp); err == nil {
			return &cmp
		}
	}

	if s.fareIng != nil {
		if _, err := s.fareIng.EnsureFresh(ctx); err != nil {
			log.Printf("api: fare refresh failed: %v", err)
		}
	}
	cmp, err := fares.Compare(ctx, s.db, origin, destination)
	if err != nil {
		log.Printf("api: fare lookup failed: %v", err)
		return nil
	}
	if cmp != nil {
		if data, err := marshalJSON(cmp); err == nil {
			_ = s.cache.Set(ctx, key, data, cache.TTLFares)
		}
	}
	return cmp
}

// persistPrediction records the computed prediction in the durable
// prediction cache table. Best-effort.
func (s *Server) persistPrediction(ctx context.Context, req *predictRequest, p *predict.Result) {
	now := s.now().UTC()
	fp := sha256.Sum256([]byte(strings.Join([]string{
		req.Origin, req.Destination, req.DepartureDate, req.DepartureTime,
	}, "|")))
	entry := store.PredictionCacheEntry{
		Fingerprint:     hex.EncodeToString(fp[:])[:32],
		Origin:          req.Origin,
		Destination:     req.Destination,
		DepartureDate:   req.DepartureDate,
		DepartureTime:   req.DepartureTime,
		PredictedDelay:  p.ExpectedDelayMin,
		OnTimeProb:      p.OnTimeProbability,
		PPM5Prob:        p.PPM5Probability,
		PPM15Prob:       p.PPM15Probability,
		SevereDelayProb: p.SevereProbability,
		Confidence:      p.Confidence,
		ModelVersion:    p.ModelVersion,
		CreatedAt:       now,
		ExpiresAt:       now.Add(cache.TTLPrediction),
	}
	if err := s.db.PutPredictionCache(ctx, entry); err != nil {
		log.Printf("api: persist prediction: %v", err)
	}
}

func (s *Server) writePredictResponse(w http.ResponseWriter, reqID string, core *predictCore, start time.Time, cacheHit bool) {
	writeJSON(w, http.StatusOK, predictResponse{
		RequestID:       reqID,
		Prediction:      core.Prediction,
		Fares:           core.Fares,
		Recommendations: core.Recommendations,
		Explanation:     core.Explanation,
		Metadata: map[string]any{
			"processing_time_ms": roundMS(s.now().Sub(start)),
			"cache_hit":          cacheHit,
			"model_version":      predict.ModelVersion,
		},
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	if !s.admit(w, r) {
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{RequestID: reqID, Error: "invalid JSON body"})
		return
	}
	if errs := validateFeedbackRequest(&req); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{
			RequestID: reqID, Error: "validation failed", Errors: errs,
		})
		return
	}

	fb := store.Feedback{
		FeedbackID:   "fb_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		RequestID:    req.RequestID,
		WasCancelled: req.WasCancelled,
		Rating:       req.Rating,
		ClientID:     Fingerprint(r),
		ReceivedAt:   s.now().UTC(),
	}
	if req.ActualDelayMins != nil {
		fb.ActualDelayMin = sql.NullInt64{Int64: int64(*req.ActualDelayMins), Valid: true}
	}
	if req.Comment != "" {
		fb.Comment = sql.NullString{String: req.Comment, Valid: true}
	}

	if err := s.db.InsertFeedback(r.Context(), fb); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{RequestID: reqID, Error: "could not store feedback"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"feedback_id": fb.FeedbackID,
		"received_at": fb.ReceivedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	total := s.totalReqs
	limited := s.rateLimited
	avg := 0.0
	if total > 0 {
		avg = s.totalMS / float64(total)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests":        total,
		"rate_limit_hits":       limited,
		"avg_processing_ms":     round2(avg),
		"uptime_seconds":        s.now().Sub(s.startedAt).Seconds(),
		"cache":                 s.breaker.Snapshot(),
	})
}

func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
		writeJSON(w, http.StatusForbidden, errorEnvelope{RequestID: reqID, Error: "admin token required"})
		return
	}
	s.limiter.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "rate limits cleared"})
}

func (s *Server) handleRouteStops(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	origin := chi.URLParam(r, "origin")
	destination := chi.URLParam(r, "destination")

	var errs []FieldError
	if !crsRe.MatchString(origin) {
		errs = append(errs, FieldError{"origin", "must be a 3-letter uppercase CRS code"})
	}
	if !crsRe.MatchString(destination) {
		errs = append(errs, FieldError{"destination", "must be a 3-letter uppercase CRS code"})
	}
	if len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{
			RequestID: reqID, Error: "validation failed", Errors: errs,
		})
		return
	}

	rows, source, err := s.db.RouteStops(r.Context(), origin, destination)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{RequestID: reqID, Error: "stop lookup failed"})
		return
	}
	if len(rows) == 0 {
		writeJSON(w, http.StatusNotFound, errorEnvelope{RequestID: reqID, Error: "no recorded service for this route"})
		return
	}

	// Only the calling points strictly between origin and destination.
	type stop struct {
		CRS      string `json:"crs"`
		Sequence int    `json:"sequence"`
	}
	var stops []stop
	inSpan := false
	for _, row := range rows {
		if row.Location == origin {
			inSpan = true
			continue
		}
		if row.Location == destination {
			break
		}
		if inSpan {
			stops = append(stops, stop{CRS: row.Location, Sequence: row.Sequence})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"origin":      origin,
		"destination": destination,
		"stops":       stops,
		"data_source": source,
	})
}

// admit applies the rate limiter, answering 429 on breach.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	allowed, retryAfter := s.limiter.Allow(Fingerprint(r))
	if allowed {
		return true
	}
	s.mu.Lock()
	s.rateLimited++
	s.mu.Unlock()

	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
		RequestID: requestID(r),
		Error:     "rate limit exceeded",
	})
	return false
}

// ---------------------------------------------------------------------------
// Helpers

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func marshalJSON(v any) ([]byte, error) { return json.Marshal(v) }


func itoa(i int) string { return strconv.Itoa(i) }

func roundMS(d time.Duration) float64 {
	return round2(float64(d.Microseconds()) / 1000)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func formatMS(ms float64) string {
	return fmt.Sprintf("%.2f", ms)
}
