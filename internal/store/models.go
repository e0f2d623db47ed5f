package store

import (
	"database/sql"
	"time"
)

// ServiceMetric is one service summary row from a serviceMetrics response.
// Keyed by (origin, destination, scheduled_departure, scheduled_arrival,
// toc_code); the first fetched row wins on conflict.
type ServiceMetric struct {
	Origin             string    `db:"origin"`
	Destination        string    `db:"destination"`
	ScheduledDeparture string    `db:"scheduled_departure"` // HHMM, local
	ScheduledArrival   string    `db:"scheduled_arrival"`   // HHMM, local
	TOCCode            string    `db:"toc_code"`
	MatchedServices    int       `db:"matched_services_count"`
	FetchedAt          time.Time `db:"fetch_timestamp"`
}

// StopProvenance marks where a service_details row came from.
const (
	ProvenanceObserved  = "observed"
	ProvenanceTimetable = "timetable"
)

// ServiceStop is one calling point of one service run, keyed by
// (rid, location). All timestamps are UTC; delays are minutes, positive for
// late, NULL when either side was unobserved.
type ServiceStop struct {
	RID                string         `db:"rid"`
	DateOfService      string         `db:"date_of_service"` // YYYY-MM-DD, local service date
	TOCCode            string         `db:"toc_code"`
	Location           string         `db:"location"`
	Sequence           int            `db:"seq"`
	ScheduledDeparture sql.NullTime   `db:"scheduled_departure"`
	ScheduledArrival   sql.NullTime   `db:"scheduled_arrival"`
	ActualDeparture    sql.NullTime   `db:"actual_departure"`
	ActualArrival      sql.NullTime   `db:"actual_arrival"`
	DepartureDelayMin  sql.NullInt64  `db:"departure_delay_minutes"`
	ArrivalDelayMin    sql.NullInt64  `db:"arrival_delay_minutes"`
	CancellationReason sql.NullString `db:"cancellation_reason"`
	Provenance         string         `db:"provenance"`
	FetchedAt          time.Time      `db:"fetch_timestamp"`
}

// RouteStat is the denormalized rolling-window summary for one
// (origin, destination), unique per calculation_date. The most recent row is
// canonical.
type RouteStat struct {
	Origin          string `db:"origin"`
	Destination     string `db:"destination"`
	CalculationDate string `db:"calculation_date"` // YYYY-MM-DD

	DataStartDate string `db:"data_start_date"`
	DataEndDate   string `db:"data_end_date"`

	TotalServices int `db:"total_services"`
	TotalRecords  int `db:"total_records"`

	OnTimeCount      int     `db:"on_time_count"`
	OnTimePct        float64 `db:"on_time_percentage"`
	TimeTo3Pct       float64 `db:"time_to_3_percentage"`
	TimeTo5Pct       float64 `db:"time_to_5_percentage"`
	TimeTo10Pct      float64 `db:"time_to_10_percentage"`
	TimeTo15Pct      float64 `db:"time_to_15_percentage"`
	TimeTo30Pct      float64 `db:"time_to_30_percentage"`
	AvgDelayMinutes  float64 `db:"avg_delay_minutes"`
	MedianDelayMin   int     `db:"median_delay_minutes"`
	MaxDelayMinutes  int     `db:"max_delay_minutes"`
	StdDelayMinutes  float64 `db:"std_delay_minutes"`
	Delays0to5       int     `db:"delays_0_5_count"`
	Delays5to15      int     `db:"delays_5_15_count"`
	Delays15to30     int     `db:"delays_15_30_count"`
	Delays30to60     int     `db:"delays_30_60_count"`
	Delays60Plus     int     `db:"delays_60_plus_count"`
	CancelledCount   int     `db:"cancelled_count"`
	CancelledPct     float64 `db:"cancelled_percentage"`
	ReliabilityScore float64 `db:"reliability_score"`
	ReliabilityGrade string  `db:"reliability_grade"`

	// JSON maps of hour/day-of-week bucket to per-bucket percentages.
	HourlyJSON  string `db:"hourly_stats"`
	WeekdayJSON string `db:"day_of_week_stats"`

	SampleSize int `db:"sample_size"`
}

// OperatorStat is the per-TOC analogue of RouteStat.
type OperatorStat struct {
	TOCCode         string `db:"toc_code"`
	CalculationDate string `db:"calculation_date"`

	TotalServices    int     `db:"total_services"`
	RoutesServed     int     `db:"total_routes_served"`
	OnTimePct        float64 `db:"on_time_percentage"`
	PPM5Pct          float64 `db:"ppm_5_percentage"`
	PPM10Pct         float64 `db:"ppm_10_percentage"`
	AvgDelayMinutes  float64 `db:"avg_delay_minutes"`
	MedianDelayMin   int     `db:"median_delay_minutes"`
	CancelledPct     float64 `db:"cancelled_percentage"`
	ReliabilityScore float64 `db:"reliability_score"`
	ReliabilityGrade string  `db:"reliability_grade"`
	SampleSize       int     `db:"sample_size"`
}

// AllDays is the day_of_week value for an all-days time slot row.
const AllDays = -1

// TimeSlotStat summarises one (route, hour, day-of-week) slot.
type TimeSlotStat struct {
	Origin          string  `db:"origin"`
	Destination     string  `db:"destination"`
	HourOfDay       int     `db:"hour_of_day"`
	DayOfWeek       int     `db:"day_of_week"` // 0=Sunday..6=Saturday, AllDays for any
	CalculationDate string  `db:"calculation_date"`
	SampleSize      int     `db:"sample_size"`
	OnTimePct       float64 `db:"on_time_percentage"`
	AvgDelayMinutes float64 `db:"avg_delay_minutes"`
}

// Ticket types and classes for FareOffer rows.
const (
	TicketAdvance      = "advance"
	TicketOffPeak      = "off_peak"
	TicketAnytime      = "anytime"
	TicketSuperOffPeak = "super_off_peak"
	TicketSeason       = "season"

	ClassStandard = "standard"
	ClassFirst    = "first"
)

// FareOffer is one admissible fare, keyed by
// (origin, destination, ticket_type, ticket_class).
type FareOffer struct {
	Origin           string         `db:"origin" json:"origin"`
	Destination      string         `db:"destination" json:"destination"`
	TicketType       string         `db:"ticket_type" json:"ticket_type"`
	TicketClass      string         `db:"ticket_class" json:"ticket_class"`
	AdultPence       int            `db:"adult_pence" json:"adult_pence"`
	ChildPence       sql.NullInt64  `db:"child_pence" json:"child_pence"`
	ValidFrom        string         `db:"valid_from" json:"valid_from"`   // YYYY-MM-DD
	ValidUntil       string         `db:"valid_until" json:"valid_until"` // YYYY-MM-DD
	RouteRestriction sql.NullString `db:"route_restriction" json:"route_restriction"`
	TOCCode          sql.NullString `db:"toc_code" json:"toc_code"`
	DataSource       string         `db:"data_source" json:"data_source"`
	CachedAt         time.Time      `db:"cached_at" json:"cached_at"`
}

// PredictionCacheEntry is one cached prediction, keyed by a deterministic
// fingerprint over the full query tuple.
type PredictionCacheEntry struct {
	Fingerprint     string    `db:"fingerprint"`
	Origin          string    `db:"origin"`
	Destination     string    `db:"destination"`
	DepartureDate   string    `db:"departure_date"`
	DepartureTime   string    `db:"departure_time"`
	PredictedDelay  float64   `db:"predicted_delay_minutes"`
	OnTimeProb      float64   `db:"on_time_probability"`
	PPM5Prob        float64   `db:"ppm5_probability"`
	PPM15Prob       float64   `db:"ppm15_probability"`
	SevereDelayProb float64   `db:"severe_delay_probability"`
	Confidence      string    `db:"confidence"`
	ModelVersion    string    `db:"model_version"`
	CreatedAt       time.Time `db:"created_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	HitCount        int       `db:"hit_count"`
}

// Feedback is one user report about a completed journey. Stored out-of-band;
// never joined back into statistics.
type Feedback struct {
	FeedbackID     string         `db:"feedback_id"`
	RequestID      string         `db:"request_id"`
	ActualDelayMin sql.NullInt64  `db:"actual_delay_minutes"`
	WasCancelled   bool           `db:"was_cancelled"`
	Rating         int            `db:"rating"`
	Comment        sql.NullString `db:"comment"`
	ClientID       string         `db:"client_id"`
	ReceivedAt     time.Time      `db:"received_at"`
}

// DropCount is one ingest drop counter row for a task.
type DropCount struct {
	TaskKey    string    `db:"task_key"`
	Reason     string    `db:"reason"`
	Count      int       `db:"count"`
	RecordedAt time.Time `db:"recorded_at"`
}

// RoutePair is an (origin, destination) flow.
type RoutePair struct {
	Origin      string `db:"origin"`
	Destination string `db:"destination"`
}

// StopSample is the slice of a ServiceStop the aggregator needs: the arrival
// delay at the route's destination plus grouping keys.
type StopSample struct {
	RID                string        `db:"rid"`
	DateOfService      string        `db:"date_of_service"`
	TOCCode            string        `db:"toc_code"`
	ScheduledDeparture sql.NullTime  `db:"scheduled_departure"`
	ScheduledArrival   sql.NullTime  `db:"scheduled_arrival"`
	ArrivalDelayMin    sql.NullInt64 `db:"arrival_delay_minutes"`
	Cancelled          bool          `db:"cancelled"`
}

// RouteStopRow is one calling point returned by the stops endpoint query.
type RouteStopRow struct {
	Location   string       `db:"location"`
	Sequence   int          `db:"seq"`
	Scheduled  sql.NullTime `db:"scheduled_arrival"`
	Provenance string       `db:"provenance"`
}
