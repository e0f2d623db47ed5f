// Package archive streams normalized stop records and ingest drop counters
// into ClickHouse for offline analysis. The archive is optional: the
// relational store stays authoritative, this sink only mirrors.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"railfair/internal/store"
)

// Config holds ClickHouse connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Sink wraps a ClickHouse connection for archival writes.
type Sink struct {
	conn driver.Conn
}

// Open connects to ClickHouse and ensures the archive tables exist.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := &Sink{conn: conn}
	if err := s.createSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the ClickHouse connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

func (s *Sink) createSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS stop_records (
			rid                   String,
			date_of_service       Date,
			toc_code              LowCardinality(String),
			location              LowCardinality(String),
			seq                   UInt16,
			scheduled_departure   Nullable(DateTime),
			scheduled_arrival     Nullable(DateTime),
			actual_departure      Nullable(DateTime),
			actual_arrival        Nullable(DateTime),
			departure_delay_min   Nullable(Int32),
			arrival_delay_min     Nullable(Int32),
			cancellation_reason   String,
			provenance            LowCardinality(String),
			fetched_at            DateTime
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(date_of_service)
		ORDER BY (location, toc_code, date_of_service, rid)
		SETTINGS index_granularity = 8192`,

		`CREATE TABLE IF NOT EXISTS ingest_drops (
			task_key    String,
			reason      LowCardinality(String),
			count       UInt32,
			recorded_at DateTime
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(recorded_at)
		ORDER BY (task_key, reason, recorded_at)`,
	}
	for _, q := range queries {
		if err := s.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create archive schema: %w", err)
		}
	}
	return nil
}

// ArchiveStops batch-inserts normalized stop rows.
func (s *Sink) ArchiveStops(ctx context.Context, stops []store.ServiceStop) error {
	if len(stops) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO stop_records
			(rid, date_of_service, toc_code, location, seq,
			 scheduled_departure, scheduled_arrival,
			 actual_departure, actual_arrival,
			 departure_delay_min, arrival_delay_min,
			 cancellation_reason, provenance, fetched_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, st := range stops {
		date, err := time.Parse("2006-01-02", st.DateOfService)
		if err != nil {
			continue
		}
		if err := batch.Append(
			st.RID, date, st.TOCCode, st.Location, uint16(st.Sequence),
			nullableTime(st.ScheduledDeparture), nullableTime(st.ScheduledArrival),
			nullableTime(st.ActualDeparture), nullableTime(st.ActualArrival),
			nullableInt(st.DepartureDelayMin), nullableInt(st.ArrivalDelayMin),
			st.CancellationReason.String, st.Provenance, st.FetchedAt,
		); err != nil {
			return fmt.Errorf("append stop: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ArchiveDrops mirrors per-task drop counters.
func (s *Sink) ArchiveDrops(ctx context.Context, taskKey string, counts map[string]int, at time.Time) error {
	if len(counts) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO ingest_drops (task_key, reason, count, recorded_at)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for reason, n := range counts {
		if n == 0 {
			continue
		}
		if err := batch.Append(taskKey, reason, uint32(n), at); err != nil {
			return fmt.Errorf("append drop: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullableInt(n sql.NullInt64) *int32 {
	if !n.Valid {
		return nil
	}
	v := int32(n.Int64)
	return &v
}
