// Package config loads and validates phase configuration documents.
//
// A phase document enumerates the routes, date range, day types and pacing
// for one ingestion phase:
//
//	phase_name: phase1-winter
//	from_date: "2024-12-01"
//	to_date: "2025-01-31"
//	day_types: [WEEKDAY, SATURDAY]
//	routes:
//	  - {origin: EUS, destination: MAN, from_time: "0600", to_time: "2300"}
//	request_interval: {min: 1s, max: 3s}
//	retry: {max_attempts: 3, initial_delay: 1s, max_delay: 30s, backoff_multiplier: 2}
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DayType partitions the HSP query space.
type DayType string

const (
	Weekday  DayType = "WEEKDAY"
	Saturday DayType = "SATURDAY"
	Sunday   DayType = "SUNDAY"
)

// Route is one origin/destination flow with its local query time window.
type Route struct {
	Origin      string `yaml:"origin" validate:"required,len=3,alpha,uppercase"`
	Destination string `yaml:"destination" validate:"required,len=3,alpha,uppercase"`
	FromTime    string `yaml:"from_time" validate:"required,len=4,numeric"`
	ToTime      string `yaml:"to_time" validate:"required,len=4,numeric"`
}

// Duration is a time.Duration that accepts "2s"-style strings, or bare
// numbers meaning seconds, in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs float64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Interval is a [Min, Max] delay window.
type Interval struct {
	Min Duration `yaml:"min" validate:"gte=0"`
	Max Duration `yaml:"max" validate:"gtefield=Min"`
}

// Retry holds the exponential backoff parameters.
type Retry struct {
	MaxAttempts       int      `yaml:"max_attempts" validate:"gte=1"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	Jitter            bool     `yaml:"jitter"`
}

// Phase is one ingestion phase document.
type Phase struct {
	PhaseName       string    `yaml:"phase_name" validate:"required"`
	FromDate        string    `yaml:"from_date" validate:"required,datetime=2006-01-02"`
	ToDate          string    `yaml:"to_date" validate:"required,datetime=2006-01-02"`
	DayTypes        []DayType `yaml:"day_types" validate:"required,min=1,dive,oneof=WEEKDAY SATURDAY SUNDAY"`
	Routes          []Route   `yaml:"routes" validate:"required,min=1,dive"`
	RequestInterval Interval  `yaml:"request_interval"`
	Retry           Retry     `yaml:"retry"`
}

// LoadPhase reads and validates a phase document from path.
func LoadPhase(path string) (*Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phase config: %w", err)
	}
	var p Phase
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse phase config: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Phase) applyDefaults() {
	if p.RequestInterval.Min == 0 && p.RequestInterval.Max == 0 {
		p.RequestInterval = Interval{Min: Duration(time.Second), Max: Duration(3 * time.Second)}
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry = Retry{
			MaxAttempts:       3,
			InitialDelay:      Duration(time.Second),
			MaxDelay:          Duration(30 * time.Second),
			BackoffMultiplier: 2,
			Jitter:            true,
		}
	}
}

// Validate checks the document and the date range ordering.
func (p *Phase) Validate() error {
	v := validator.New()
	if err := v.Struct(p); err != nil {
		return fmt.Errorf("phase config: %w", err)
	}
	from, _ := time.Parse("2006-01-02", p.FromDate)
	to, _ := time.Parse("2006-01-02", p.ToDate)
	if to.Before(from) {
		return fmt.Errorf("phase config: to_date %s before from_date %s", p.ToDate, p.FromDate)
	}
	// Day types must be unique so the task set is stable.
	seen := map[DayType]bool{}
	for _, d := range p.DayTypes {
		if seen[d] {
			return fmt.Errorf("phase config: duplicate day_type %s", d)
		}
		seen[d] = true
	}
	return nil
}

// SortedDayTypes returns the day types in lexicographic order; the scheduler
// relies on this for a stable task sequence.
func (p *Phase) SortedDayTypes() []DayType {
	out := append([]DayType(nil), p.DayTypes...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnvOrDefault returns the environment value for key, or fallback.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
