// Package store is the relational store backing ingestion, statistics and
// serving. SQLite via modernc.org/sqlite; sqlx for scanning.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding all RailFair tables.
type DB struct {
	db *sqlx.DB
}

// Open opens or creates the store at path. Pass ":memory:" for an ephemeral
// store in tests.
func Open(path string) (*DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database liveness for the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Ingestion (C3)

// InsertServiceMetric stores one service summary. On a duplicate key the
// earlier record wins, so re-runs are idempotent.
func (d *DB) InsertServiceMetric(ctx context.Context, m ServiceMetric) error {
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO service_metrics
			(origin, destination, scheduled_departure, scheduled_arrival,
			 toc_code, matched_services_count, fetch_timestamp)
		VALUES (:origin, :destination, :scheduled_departure, :scheduled_arrival,
			:toc_code, :matched_services_count, :fetch_timestamp)
		ON CONFLICT(origin, destination, scheduled_departure, scheduled_arrival, toc_code)
			DO NOTHING
	`, m)
	if err != nil {
		return fmt.Errorf("insert service metric: %w", err)
	}
	return nil
}

// InsertServiceStops stores the calling points of one service in a single
// transaction. Duplicate (rid, location) keys are left untouched.
func (d *DB) InsertServiceStops(ctx context.Context, stops []ServiceStop) error {
	if len(stops) == 0 {
		return nil
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range stops {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO service_details
				(rid, date_of_service, toc_code, location, seq,
				 scheduled_departure, scheduled_arrival,
				 actual_departure, actual_arrival,
				 departure_delay_minutes, arrival_delay_minutes,
				 cancellation_reason, provenance, fetch_timestamp)
			VALUES (:rid, :date_of_service, :toc_code, :location, :seq,
				:scheduled_departure, :scheduled_arrival,
				:actual_departure, :actual_arrival,
				:departure_delay_minutes, :arrival_delay_minutes,
				:cancellation_reason, :provenance, :fetch_timestamp)
			ON CONFLICT(rid, location) DO NOTHING
		`, s); err != nil {
			return fmt.Errorf("insert service stop %s/%s: %w", s.RID, s.Location, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordDrops persists per-reason drop counters for one ingest task.
func (d *DB) RecordDrops(ctx context.Context, taskKey string, counts map[string]int) error {
	now := time.Now().UTC()
	for reason, n := range counts {
		if n == 0 {
			continue
		}
		if _, err := d.db.ExecContext(ctx, `
			INSERT INTO data_quality_metrics (task_key, reason, count, recorded_at)
			VALUES (?, ?, ?, ?)
		`, taskKey, reason, n, now); err != nil {
			return fmt.Errorf("record drops: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Aggregation (C4)

// DistinctRoutes lists every (origin, destination) seen in service_metrics,
// in lexicographic order.
func (d *DB) DistinctRoutes(ctx context.Context) ([]RoutePair, error) {
	var out []RoutePair
	err := d.db.SelectContext(ctx, &out, `
		SELECT DISTINCT origin, destination FROM service_metrics
		ORDER BY origin, destination
	`)
	if err != nil {
		return nil, fmt.Errorf("distinct routes: %w", err)
	}
	return out, nil
}

// DistinctTOCs lists every operator code seen in service_details.
func (d *DB) DistinctTOCs(ctx context.Context) ([]string, error) {
	var out []string
	err := d.db.SelectContext(ctx, &out, `
		SELECT DISTINCT toc_code FROM service_details
		WHERE toc_code IS NOT NULL AND toc_code != ''
		ORDER BY toc_code
	`)
	if err != nil {
		return nil, fmt.Errorf("distinct tocs: %w", err)
	}
	return out, nil
}

// ArrivalSamples returns the destination-arrival records for one route,
// ordered by service date then scheduled arrival for deterministic
// downstream percentiles. Operators are tied to the route through
// service_metrics.
func (d *DB) ArrivalSamples(ctx context.Context, origin, destination string) ([]StopSample, error) {
	var out []StopSample
	err := d.db.SelectContext(ctx, &out, `
		SELECT sd.rid, sd.date_of_service, sd.toc_code,
		       sd.scheduled_departure, sd.scheduled_arrival,
		       sd.arrival_delay_minutes,
		       CASE WHEN sd.cancellation_reason IS NOT NULL
		            AND sd.cancellation_reason != '' THEN 1 ELSE 0 END AS cancelled
		FROM service_details sd
		WHERE sd.location = ?
		  AND sd.scheduled_arrival IS NOT NULL
		  AND sd.provenance = 'observed'
		  AND sd.toc_code IN (
			SELECT DISTINCT toc_code FROM service_metrics
			WHERE origin = ? AND destination = ?
		  )
		ORDER BY sd.date_of_service, sd.scheduled_arrival, sd.rid
	`, destination, origin, destination)
	if err != nil {
		return nil, fmt.Errorf("arrival samples %s-%s: %w", origin, destination, err)
	}
	return out, nil
}

// OperatorSamples returns all observed arrival records for one operator.
func (d *DB) OperatorSamples(ctx context.Context, toc string) ([]StopSample, error) {
	var out []StopSample
	err := d.db.SelectContext(ctx, &out, `
		SELECT rid, date_of_service, toc_code,
		       scheduled_departure, scheduled_arrival, arrival_delay_minutes,
		       CASE WHEN cancellation_reason IS NOT NULL
		            AND cancellation_reason != '' THEN 1 ELSE 0 END AS cancelled
		FROM service_details
		WHERE toc_code = ?
		  AND scheduled_arrival IS NOT NULL
		  AND provenance = 'observed'
		ORDER BY date_of_service, scheduled_arrival, rid
	`, toc)
	if err != nil {
		return nil, fmt.Errorf("operator samples %s: %w", toc, err)
	}
	return out, nil
}

// OperatorRouteCount counts distinct flows served by one operator.
func (d *DB) OperatorRouteCount(ctx context.Context, toc string) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n, `
		SELECT COUNT(DISTINCT origin || '-' || destination)
		FROM service_metrics WHERE toc_code = ?
	`, toc)
	if err != nil {
		return 0, fmt.Errorf("operator route count: %w", err)
	}
	return n, nil
}

// SaveRouteStat replaces the route's statistics row for its calculation
// date. A second run on the same day overwrites.
func (d *DB) SaveRouteStat(ctx context.Context, rs RouteStat) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM route_statistics
		WHERE origin = ? AND destination = ? AND calculation_date = ?
	`, rs.Origin, rs.Destination, rs.CalculationDate); err != nil {
		return fmt.Errorf("delete prior route stat: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO route_statistics
			(origin, destination, calculation_date, data_start_date, data_end_date,
			 total_services, total_records, on_time_count, on_time_percentage,
			 time_to_3_percentage, time_to_5_percentage, time_to_10_percentage,
			 time_to_15_percentage, time_to_30_percentage,
			 avg_delay_minutes, median_delay_minutes, max_delay_minutes, std_delay_minutes,
			 delays_0_5_count, delays_5_15_count, delays_15_30_count,
			 delays_30_60_count, delays_60_plus_count,
			 cancelled_count, cancelled_percentage,
			 reliability_score, reliability_grade,
			 hourly_stats, day_of_week_stats, sample_size)
		VALUES (:origin, :destination, :calculation_date, :data_start_date, :data_end_date,
			:total_services, :total_records, :on_time_count, :on_time_percentage,
			:time_to_3_percentage, :time_to_5_percentage, :time_to_10_percentage,
			:time_to_15_percentage, :time_to_30_percentage,
			:avg_delay_minutes, :median_delay_minutes, :max_delay_minutes, :std_delay_minutes,
			:delays_0_5_count, :delays_5_15_count, :delays_15_30_count,
			:delays_30_60_count, :delays_60_plus_count,
			:cancelled_count, :cancelled_percentage,
			:reliability_score, :reliability_grade,
			:hourly_stats, :day_of_week_stats, :sample_size)
	`, rs); err != nil {
		return fmt.Errorf("insert route stat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveOperatorStat replaces the operator's statistics row for its
// calculation date.
func (d *DB) SaveOperatorStat(ctx context.Context, os OperatorStat) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM toc_statistics WHERE toc_code = ? AND calculation_date = ?
	`, os.TOCCode, os.CalculationDate); err != nil {
		return fmt.Errorf("delete prior toc stat: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO toc_statistics
			(toc_code, calculation_date, total_services, total_routes_served,
			 on_time_percentage, ppm_5_percentage, ppm_10_percentage,
			 avg_delay_minutes, median_delay_minutes, cancelled_percentage,
			 reliability_score, reliability_grade, sample_size)
		VALUES (:toc_code, :calculation_date, :total_services, :total_routes_served,
			:on_time_percentage, :ppm_5_percentage, :ppm_10_percentage,
			:avg_delay_minutes, :median_delay_minutes, :cancelled_percentage,
			:reliability_score, :reliability_grade, :sample_size)
	`, os); err != nil {
		return fmt.Errorf("insert toc stat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveTimeSlotStats replaces the route's time-slot rows for one calculation
// date in a single transaction.
func (d *DB) SaveTimeSlotStats(ctx context.Context, origin, destination, calcDate string, slots []TimeSlotStat) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM time_slot_statistics
		WHERE origin = ? AND destination = ? AND calculation_date = ?
	`, origin, destination, calcDate); err != nil {
		return fmt.Errorf("delete prior time slots: %w", err)
	}
	for _, s := range slots {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO time_slot_statistics
				(origin, destination, hour_of_day, day_of_week, calculation_date,
				 sample_size, on_time_percentage, avg_delay_minutes)
			VALUES (:origin, :destination, :hour_of_day, :day_of_week, :calculation_date,
				:sample_size, :on_time_percentage, :avg_delay_minutes)
		`, s); err != nil {
			return fmt.Errorf("insert time slot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Prediction reads (C5)

// LatestRouteStat returns the most recent statistics row for a route, or nil.
func (d *DB) LatestRouteStat(ctx context.Context, origin, destination string) (*RouteStat, error) {
	var rs RouteStat
	err := d.db.GetContext(ctx, &rs, `
		SELECT origin, destination, calculation_date, data_start_date, data_end_date,
		       total_services, total_records, on_time_count, on_time_percentage,
		       time_to_3_percentage, time_to_5_percentage, time_to_10_percentage,
		       time_to_15_percentage, time_to_30_percentage,
		       avg_delay_minutes, median_delay_minutes, max_delay_minutes, std_delay_minutes,
		       delays_0_5_count, delays_5_15_count, delays_15_30_count,
		       delays_30_60_count, delays_60_plus_count,
		       cancelled_count, cancelled_percentage,
		       reliability_score, reliability_grade,
		       hourly_stats, day_of_week_stats, sample_size
		FROM route_statistics
		WHERE origin = ? AND destination = ?
		ORDER BY calculation_date DESC LIMIT 1
	`, origin, destination)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest route stat: %w", err)
	}
	return &rs, nil
}

// LatestOperatorStat returns the most recent statistics row for a TOC, or nil.
func (d *DB) LatestOperatorStat(ctx context.Context, toc string) (*OperatorStat, error) {
	var os OperatorStat
	err := d.db.GetContext(ctx, &os, `
		SELECT toc_code, calculation_date, total_services, total_routes_served,
		       on_time_percentage, ppm_5_percentage, ppm_10_percentage,
		       avg_delay_minutes, median_delay_minutes, cancelled_percentage,
		       reliability_score, reliability_grade, sample_size
		FROM toc_statistics
		WHERE toc_code = ?
		ORDER BY calculation_date DESC LIMIT 1
	`, toc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest operator stat: %w", err)
	}
	return &os, nil
}

// NetworkAverage aggregates the most recent route statistics across the
// whole network. Returns nil when no statistics exist at all.
func (d *DB) NetworkAverage(ctx context.Context) (*RouteStat, error) {
	var rs RouteStat
	err := d.db.GetContext(ctx, &rs, `
		SELECT '' AS origin, '' AS destination,
		       COALESCE(MAX(calculation_date), '') AS calculation_date,
		       '' AS data_start_date, '' AS data_end_date,
		       COALESCE(SUM(total_services), 0) AS total_services,
		       COALESCE(SUM(total_records), 0) AS total_records,
		       0 AS on_time_count,
		       COALESCE(AVG(on_time_percentage), 0) AS on_time_percentage,
		       COALESCE(AVG(time_to_3_percentage), 0) AS time_to_3_percentage,
		       COALESCE(AVG(time_to_5_percentage), 0) AS time_to_5_percentage,
		       COALESCE(AVG(time_to_10_percentage), 0) AS time_to_10_percentage,
		       COALESCE(AVG(time_to_15_percentage), 0) AS time_to_15_percentage,
		       COALESCE(AVG(time_to_30_percentage), 0) AS time_to_30_percentage,
		       COALESCE(AVG(avg_delay_minutes), 0) AS avg_delay_minutes,
		       0 AS median_delay_minutes,
		       COALESCE(MAX(max_delay_minutes), 0) AS max_delay_minutes,
		       0 AS std_delay_minutes,
		       0 AS delays_0_5_count, 0 AS delays_5_15_count, 0 AS delays_15_30_count,
		       0 AS delays_30_60_count, 0 AS delays_60_plus_count,
		       0 AS cancelled_count,
		       COALESCE(AVG(cancelled_percentage), 0) AS cancelled_percentage,
		       COALESCE(AVG(reliability_score), 0) AS reliability_score,
		       '' AS reliability_grade,
		       '{}' AS hourly_stats, '{}' AS day_of_week_stats,
		       COALESCE(SUM(sample_size), 0) AS sample_size
		FROM route_statistics
	`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("network average: %w", err)
	}
	if rs.SampleSize == 0 {
		return nil, nil
	}
	return &rs, nil
}

// ---------------------------------------------------------------------------
// Serving (C6)

// GetPredictionCache looks up a cached prediction by fingerprint, bumping its
// hit counter. Expired entries are treated as absent.
func (d *DB) GetPredictionCache(ctx context.Context, fingerprint string, now time.Time) (*PredictionCacheEntry, error) {
	var e PredictionCacheEntry
	err := d.db.GetContext(ctx, &e, `
		SELECT fingerprint, origin, destination, departure_date, departure_time,
		       predicted_delay_minutes, on_time_probability, ppm5_probability,
		       ppm15_probability, severe_delay_probability, confidence,
		       model_version, created_at, expires_at, hit_count
		FROM prediction_cache
		WHERE fingerprint = ? AND expires_at > ?
	`, fingerprint, now.UTC())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction cache: %w", err)
	}
	_, _ = d.db.ExecContext(ctx, `UPDATE prediction_cache SET hit_count = hit_count + 1 WHERE fingerprint = ?`, fingerprint)
	e.HitCount++
	return &e, nil
}

// PutPredictionCache stores a prediction; last writer wins on the same key.
func (d *DB) PutPredictionCache(ctx context.Context, e PredictionCacheEntry) error {
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO prediction_cache
			(fingerprint, origin, destination, departure_date, departure_time,
			 predicted_delay_minutes, on_time_probability, ppm5_probability,
			 ppm15_probability, severe_delay_probability, confidence,
			 model_version, created_at, expires_at, hit_count)
		VALUES (:fingerprint, :origin, :destination, :departure_date, :departure_time,
			:predicted_delay_minutes, :on_time_probability, :ppm5_probability,
			:ppm15_probability, :severe_delay_probability, :confidence,
			:model_version, :created_at, :expires_at, :hit_count)
		ON CONFLICT(fingerprint) DO UPDATE SET
			predicted_delay_minutes = excluded.predicted_delay_minutes,
			on_time_probability = excluded.on_time_probability,
			ppm5_probability = excluded.ppm5_probability,
			ppm15_probability = excluded.ppm15_probability,
			severe_delay_probability = excluded.severe_delay_probability,
			confidence = excluded.confidence,
			model_version = excluded.model_version,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, e)
	if err != nil {
		return fmt.Errorf("put prediction cache: %w", err)
	}
	return nil
}

// PrunePredictionCache removes expired entries, returning the count removed.
func (d *DB) PrunePredictionCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM prediction_cache WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune prediction cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReplaceFares atomically swaps in a fresh set of fares from one ingest run.
func (d *DB) ReplaceFares(ctx context.Context, fares []FareOffer) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fare_cache`); err != nil {
		return fmt.Errorf("clear fare cache: %w", err)
	}
	for _, f := range fares {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO fare_cache
				(origin, destination, ticket_type, ticket_class, adult_pence,
				 child_pence, valid_from, valid_until, route_restriction,
				 toc_code, data_source, cached_at)
			VALUES (:origin, :destination, :ticket_type, :ticket_class, :adult_pence,
				:child_pence, :valid_from, :valid_until, :route_restriction,
				:toc_code, :data_source, :cached_at)
			ON CONFLICT(origin, destination, ticket_type, ticket_class) DO NOTHING
		`, f); err != nil {
			return fmt.Errorf("insert fare: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FaresForRoute returns the cached fares for one flow.
func (d *DB) FaresForRoute(ctx context.Context, origin, destination string) ([]FareOffer, error) {
	var out []FareOffer
	err := d.db.SelectContext(ctx, &out, `
		SELECT origin, destination, ticket_type, ticket_class, adult_pence,
		       child_pence, valid_from, valid_until, route_restriction,
		       toc_code, data_source, cached_at
		FROM fare_cache
		WHERE origin = ? AND destination = ?
		ORDER BY ticket_class, ticket_type
	`, origin, destination)
	if err != nil {
		return nil, fmt.Errorf("fares for route: %w", err)
	}
	return out, nil
}

// FareCacheAge returns the time of the last fare ingest, or zero when the
// cache is empty.
func (d *DB) FareCacheAge(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := d.db.GetContext(ctx, &ts, `SELECT MAX(cached_at) FROM fare_cache`)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("fare cache age: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("fare cache age: parse %q: %w", ts.String, err)
	}
	return t, nil
}

// InsertFeedback stores one feedback submission.
func (d *DB) InsertFeedback(ctx context.Context, f Feedback) error {
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO feedback
			(feedback_id, request_id, actual_delay_minutes, was_cancelled,
			 rating, comment, client_id, received_at)
		VALUES (:feedback_id, :request_id, :actual_delay_minutes, :was_cancelled,
			:rating, :comment, :client_id, :received_at)
	`, f)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// RouteStops returns the ordered calling points for a route from the best
// available source: future-timetable rows when present, otherwise the most
// recently observed run. The second return value is the provenance used.
func (d *DB) RouteStops(ctx context.Context, origin, destination string) ([]RouteStopRow, string, error) {
	for _, provenance := range []string{ProvenanceTimetable, ProvenanceObserved} {
		rid, err := d.bestRID(ctx, origin, destination, provenance)
		if err != nil {
			return nil, "", err
		}
		if rid == "" {
			continue
		}
		var rows []RouteStopRow
		err = d.db.SelectContext(ctx, &rows, `
			SELECT location, seq, scheduled_arrival, provenance
			FROM service_details
			WHERE rid = ?
			ORDER BY seq, scheduled_arrival
		`, rid)
		if err != nil {
			return nil, "", fmt.Errorf("route stops: %w", err)
		}
		if len(rows) > 0 {
			return rows, provenance, nil
		}
	}
	return nil, "", nil
}

// bestRID picks the most recent service run that starts at origin and calls
// at destination for the given provenance.
func (d *DB) bestRID(ctx context.Context, origin, destination, provenance string) (string, error) {
	var rid string
	err := d.db.GetContext(ctx, &rid, `
		SELECT a.rid
		FROM service_details a
		JOIN service_details b ON a.rid = b.rid
		WHERE a.location = ? AND a.seq = 0
		  AND b.location = ?
		  AND a.provenance = ?
		ORDER BY a.date_of_service DESC
		LIMIT 1
	`, origin, destination, provenance)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("best rid: %w", err)
	}
	return rid, nil
}

// TopRoutesBySample lists the most sampled flows, used for cache warming.
func (d *DB) TopRoutesBySample(ctx context.Context, limit int) ([]RoutePair, error) {
	var out []RoutePair
	err := d.db.SelectContext(ctx, &out, `
		SELECT origin, destination FROM route_statistics
		WHERE calculation_date = (SELECT MAX(calculation_date) FROM route_statistics)
		ORDER BY sample_size DESC, origin, destination
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top routes: %w", err)
	}
	return out, nil
}
