// Package api is the RailFair HTTP serving layer: prediction and fare
// endpoints with validation, per-client rate limiting and a circuit-breaker
// protected response cache.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"railfair/internal/cache"
	"railfair/internal/fares"
	"railfair/internal/predict"
	"railfair/internal/store"
)

// Config holds serving-layer settings.
type Config struct {
	Port       int
	AdminToken string // required for /api/reset-rate-limit
}

// Server wires the serving layer together.
type Server struct {
	cfg     Config
	db      *store.DB
	engine  *predict.Engine
	fareIng *fares.Ingester // optional: nil disables upstream refresh
	cache   cache.Cache
	breaker *cache.Breaker
	limiter *Limiter

	now func() time.Time

	mu           sync.Mutex
	totalReqs    int64
	rateLimited  int64
	totalMS      float64
	startedAt    time.Time
}

// NewServer builds a server over the store. backend is the raw cache; it is
// wrapped in a circuit breaker here.
func NewServer(cfg Config, db *store.DB, backend cache.Cache, fareIng *fares.Ingester) *Server {
	if backend == nil {
		backend = cache.NewMemory()
	}
	br := cache.NewBreaker(backend)
	return &Server{
		cfg:       cfg,
		db:        db,
		engine:    predict.New(db),
		fareIng:   fareIng,
		cache:     br,
		breaker:   br,
		limiter:   NewLimiter(),
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(s.timingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Post("/api/predict", s.handlePredict)
	r.Post("/api/feedback", s.handleFeedback)
	r.Get("/api/stats", s.handleStats)
	r.Post("/api/reset-rate-limit", s.handleResetRateLimit)
	r.Get("/api/routes/{origin}/{destination}/stops", s.handleRouteStops)

	return r
}

// Run starts the server and the background sweepers.
func (s *Server) Run() error {
	go s.sweepLoop()
	s.warmPopularRoutes()

	addr := ":" + itoa(s.cfg.Port)
	log.Printf("api: listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

// sweepLoop periodically drops stale limiter entries and expired
// prediction-cache rows.
func (s *Server) sweepLoop() {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for range t.C {
		removed := s.limiter.Sweep()
		pruned, err := s.db.PrunePredictionCache(context.Background(), s.now())
		if err != nil {
			log.Printf("api: prune prediction cache: %v", err)
		}
		log.Printf("api: sweep removed %d clients, %d cache rows", removed, pruned)
	}
}

// Rewarm refreshes the popular-route summaries, typically on a statistics
// recompute event.
func (s *Server) Rewarm() {
	s.warmPopularRoutes()
}

// warmPopularRoutes seeds the popular-route summary keys so first hits on
// busy flows are warm.
func (s *Server) warmPopularRoutes() {
	ctx := context.Background()
	routes, err := s.db.TopRoutesBySample(ctx, 10)
	if err != nil {
		log.Printf("api: warm popular routes: %v", err)
		return
	}
	warmed := 0
	for _, r := range routes {
		rs, err := s.db.LatestRouteStat(ctx, r.Origin, r.Destination)
		if err != nil || rs == nil {
			continue
		}
		key := cache.Key("route-summary", r.Origin, r.Destination, rs.CalculationDate)
		if data, err := marshalJSON(rs); err == nil {
			_ = s.cache.Set(ctx, key, data, cache.TTLPopularRoutes)
			warmed++
		}
	}
	if warmed > 0 {
		log.Printf("api: warmed %d popular route summaries", warmed)
	}
}

// corsMiddleware permits cross-origin GET/POST.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timingMiddleware stamps X-Request-ID and X-Process-Time and logs the
// request outcome.
func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		reqID := newRequestID()

		w.Header().Set("X-Request-ID", reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		// The process-time header must land before the status line flushes,
		// so the wrapped writer stamps it on first write.
		next.ServeHTTP(&processTimeWriter{ResponseWriter: ww, start: start, now: s.now}, withRequestID(r, reqID))

		elapsed := s.now().Sub(start)
		s.mu.Lock()
		s.totalReqs++
		s.totalMS += float64(elapsed.Microseconds()) / 1000
		s.mu.Unlock()

		log.Printf("api: %s %s %d %.2fms", r.Method, r.URL.Path, ww.Status(), float64(elapsed.Microseconds())/1000)
	})
}

// processTimeWriter stamps X-Process-Time just before the headers flush.
type processTimeWriter struct {
	http.ResponseWriter
	start   time.Time
	now     func() time.Time
	stamped bool
}

func (w *processTimeWriter) WriteHeader(status int) {
	if !w.stamped {
		ms := float64(w.now().Sub(w.start).Microseconds()) / 1000
		w.Header().Set("X-Process-Time", formatMS(ms))
		w.stamped = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *processTimeWriter) Write(b []byte) (int, error) {
	if !w.stamped {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// newRequestID returns 16 random hex characters.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
