package store

// schema contains the SQLite table definitions for the RailFair store.
// Uniqueness constraints follow the data model: first writer wins on the raw
// service tables, statistics replace per calculation date.
const schema = `
-- Raw: service summaries from serviceMetrics responses.
CREATE TABLE IF NOT EXISTS service_metrics (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	origin                 TEXT NOT NULL,
	destination            TEXT NOT NULL,
	scheduled_departure    TEXT,
	scheduled_arrival      TEXT,
	toc_code               TEXT NOT NULL,
	matched_services_count INTEGER,
	fetch_timestamp        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(origin, destination, scheduled_departure, scheduled_arrival, toc_code)
);

CREATE INDEX IF NOT EXISTS idx_service_metrics_route ON service_metrics(origin, destination);

-- Raw: per-stop records from serviceDetails responses. UTC timestamps.
CREATE TABLE IF NOT EXISTS service_details (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	rid                     TEXT NOT NULL,
	date_of_service         TEXT NOT NULL,
	toc_code                TEXT NOT NULL,
	location                TEXT NOT NULL,
	seq                     INTEGER NOT NULL DEFAULT 0,
	scheduled_departure     DATETIME,
	scheduled_arrival       DATETIME,
	actual_departure        DATETIME,
	actual_arrival          DATETIME,
	departure_delay_minutes INTEGER,
	arrival_delay_minutes   INTEGER,
	cancellation_reason     TEXT,
	provenance              TEXT NOT NULL DEFAULT 'observed',
	fetch_timestamp         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(rid, location)
);

CREATE INDEX IF NOT EXISTS idx_service_details_location ON service_details(location);
CREATE INDEX IF NOT EXISTS idx_service_details_toc ON service_details(toc_code);
CREATE INDEX IF NOT EXISTS idx_service_details_date ON service_details(date_of_service);

-- Cached: per-route statistics, replaced atomically per calculation date.
CREATE TABLE IF NOT EXISTS route_statistics (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	origin                TEXT NOT NULL,
	destination           TEXT NOT NULL,
	calculation_date      TEXT NOT NULL,
	data_start_date       TEXT,
	data_end_date         TEXT,
	total_services        INTEGER NOT NULL,
	total_records         INTEGER NOT NULL,
	on_time_count         INTEGER NOT NULL,
	on_time_percentage    REAL NOT NULL,
	time_to_3_percentage  REAL NOT NULL,
	time_to_5_percentage  REAL NOT NULL,
	time_to_10_percentage REAL NOT NULL,
	time_to_15_percentage REAL NOT NULL,
	time_to_30_percentage REAL NOT NULL,
	avg_delay_minutes     REAL NOT NULL,
	median_delay_minutes  INTEGER NOT NULL,
	max_delay_minutes     INTEGER NOT NULL,
	std_delay_minutes     REAL NOT NULL,
	delays_0_5_count      INTEGER NOT NULL,
	delays_5_15_count     INTEGER NOT NULL,
	delays_15_30_count    INTEGER NOT NULL,
	delays_30_60_count    INTEGER NOT NULL,
	delays_60_plus_count  INTEGER NOT NULL,
	cancelled_count       INTEGER NOT NULL,
	cancelled_percentage  REAL NOT NULL,
	reliability_score     REAL NOT NULL,
	reliability_grade     TEXT NOT NULL,
	hourly_stats          TEXT NOT NULL,
	day_of_week_stats     TEXT NOT NULL,
	sample_size           INTEGER NOT NULL,
	UNIQUE(origin, destination, calculation_date)
);

CREATE INDEX IF NOT EXISTS idx_route_statistics_route ON route_statistics(origin, destination, calculation_date);

-- Cached: per-operator statistics.
CREATE TABLE IF NOT EXISTS toc_statistics (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	toc_code             TEXT NOT NULL,
	calculation_date     TEXT NOT NULL,
	total_services       INTEGER NOT NULL,
	total_routes_served  INTEGER NOT NULL,
	on_time_percentage   REAL NOT NULL,
	ppm_5_percentage     REAL NOT NULL,
	ppm_10_percentage    REAL NOT NULL,
	avg_delay_minutes    REAL NOT NULL,
	median_delay_minutes INTEGER NOT NULL,
	cancelled_percentage REAL NOT NULL,
	reliability_score    REAL NOT NULL,
	reliability_grade    TEXT NOT NULL,
	sample_size          INTEGER NOT NULL,
	UNIQUE(toc_code, calculation_date)
);

-- Cached: per (route, hour, day-of-week) statistics. day_of_week -1 = all.
CREATE TABLE IF NOT EXISTS time_slot_statistics (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	origin             TEXT NOT NULL,
	destination        TEXT NOT NULL,
	hour_of_day        INTEGER NOT NULL,
	day_of_week        INTEGER NOT NULL,
	calculation_date   TEXT NOT NULL,
	sample_size        INTEGER NOT NULL,
	on_time_percentage REAL NOT NULL,
	avg_delay_minutes  REAL NOT NULL,
	UNIQUE(origin, destination, hour_of_day, day_of_week, calculation_date)
);

-- Serving: prediction cache, keyed by query fingerprint.
CREATE TABLE IF NOT EXISTS prediction_cache (
	fingerprint              TEXT PRIMARY KEY,
	origin                   TEXT NOT NULL,
	destination              TEXT NOT NULL,
	departure_date           TEXT NOT NULL,
	departure_time           TEXT NOT NULL,
	predicted_delay_minutes  REAL NOT NULL,
	on_time_probability      REAL NOT NULL,
	ppm5_probability         REAL NOT NULL,
	ppm15_probability        REAL NOT NULL,
	severe_delay_probability REAL NOT NULL,
	confidence               TEXT NOT NULL,
	model_version            TEXT NOT NULL,
	created_at               DATETIME NOT NULL,
	expires_at               DATETIME NOT NULL,
	hit_count                INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_prediction_cache_expiry ON prediction_cache(expires_at);

-- Serving: admissible fares from the upstream fares feed.
CREATE TABLE IF NOT EXISTS fare_cache (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	origin            TEXT NOT NULL,
	destination       TEXT NOT NULL,
	ticket_type       TEXT NOT NULL,
	ticket_class      TEXT NOT NULL,
	adult_pence       INTEGER NOT NULL,
	child_pence       INTEGER,
	valid_from        TEXT,
	valid_until       TEXT,
	route_restriction TEXT,
	toc_code          TEXT,
	data_source       TEXT NOT NULL,
	cached_at         DATETIME NOT NULL,
	UNIQUE(origin, destination, ticket_type, ticket_class)
);

CREATE INDEX IF NOT EXISTS idx_fare_cache_route ON fare_cache(origin, destination);

-- Serving: user feedback, stored out-of-band.
CREATE TABLE IF NOT EXISTS feedback (
	feedback_id          TEXT PRIMARY KEY,
	request_id           TEXT NOT NULL,
	actual_delay_minutes INTEGER,
	was_cancelled        INTEGER NOT NULL DEFAULT 0,
	rating               INTEGER NOT NULL,
	comment              TEXT,
	client_id            TEXT,
	received_at          DATETIME NOT NULL
);

-- Ingest: drop counters per task and reason.
CREATE TABLE IF NOT EXISTS data_quality_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_key    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	count       INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_data_quality_task ON data_quality_metrics(task_key);
`
