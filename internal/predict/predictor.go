// Package predict turns cached route statistics into delay predictions with
// time-of-day and day-of-week adjustments and a fallback ladder.
package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"railfair/internal/store"
)

// ModelVersion tags every prediction; bump when the formulae change.
const ModelVersion = "1.2.0"

// Level identifies which rung of the fallback ladder produced a prediction.
type Level int

const (
	LevelRouteOperator Level = 1 // route stats joined with operator stats
	LevelRoute         Level = 2 // route stats alone
	LevelOperator      Level = 3 // operator network stats alone
	LevelNetwork       Level = 4 // network-wide average
	LevelFloor         Level = 5 // hard-coded industry floor
)

// Confidence bands for a prediction.
const (
	ConfidenceHigh    = "HIGH"
	ConfidenceMedium  = "MEDIUM"
	ConfidenceLow     = "LOW"
	ConfidenceVeryLow = "VERY_LOW"
)

// sampleFloor is the minimum sample size a ladder level must offer.
const sampleFloor = 30

// Industry floor used when every statistics table comes up empty.
const (
	floorOnTime   = 0.64
	floorAvgDelay = 4.0
	floorPPM5     = 0.80
	floorPPM15    = 0.90
	floorSevere   = 0.05
)

// Reader is the slice of the store the predictor consults.
type Reader interface {
	LatestRouteStat(ctx context.Context, origin, destination string) (*store.RouteStat, error)
	LatestOperatorStat(ctx context.Context, toc string) (*store.OperatorStat, error)
	NetworkAverage(ctx context.Context) (*store.RouteStat, error)
}

// Result is one prediction with its provenance.
type Result struct {
	Origin            string  `json:"origin"`
	Destination       string  `json:"destination"`
	ExpectedDelayMin  float64 `json:"expected_delay_minutes"`
	OnTimeProbability float64 `json:"on_time_probability"`
	PPM5Probability   float64 `json:"ppm5_probability"`
	PPM15Probability  float64 `json:"ppm15_probability"`
	SevereProbability float64 `json:"severe_delay_probability"`
	Confidence        string  `json:"confidence"`
	SampleSize        int     `json:"sample_size"`
	Level             int     `json:"level"`
	TimeFactor        float64 `json:"time_adjustment_factor"`
	DayFactor         float64 `json:"day_adjustment_factor"`
	IsDegraded        bool    `json:"is_degraded"`
	DegradationReason string  `json:"degradation_reason,omitempty"`
	Explanation       string  `json:"explanation"`
	ModelVersion      string  `json:"model_version"`
}

// baseStats is the level-independent input to the adjustment step.
type baseStats struct {
	onTime   float64 // P(delay <= 1)
	ppm5     float64 // P(delay <= 5)
	ppm15    float64 // P(delay <= 15)
	severe   float64 // P(delay > 30)
	avgDelay float64
	sample   int
	level    Level
}

// Engine answers predictions from the statistics tables.
type Engine struct {
	DB Reader
}

// New creates a prediction engine over the given reader.
func New(db Reader) *Engine { return &Engine{DB: db} }

// Predict walks the fallback ladder and applies the time and weekday
// adjustment factors for the requested departure.
func (e *Engine) Predict(ctx context.Context, origin, destination string, departure time.Time, operatorHint string) (*Result, error) {
	base, err := e.resolveBase(ctx, origin, destination, operatorHint)
	if err != nil {
		return nil, err
	}

	tf := TimeFactor(departure.Hour())
	df := DayFactor(departure.Weekday())
	f := tf * df

	res := &Result{
		Origin:            origin,
		Destination:       destination,
		ExpectedDelayMin:  round1(base.avgDelay * f),
		OnTimeProbability: clamp01(base.onTime * (2 - f)),
		PPM5Probability:   round3(base.ppm5),
		PPM15Probability:  round3(base.ppm15),
		SevereProbability: round3(base.severe),
		SampleSize:        base.sample,
		Level:             int(base.level),
		TimeFactor:        tf,
		DayFactor:         df,
		ModelVersion:      ModelVersion,
	}
	res.OnTimeProbability = round3(res.OnTimeProbability)

	if base.level == LevelFloor {
		res.IsDegraded = true
		res.DegradationReason = "no_route_data"
		res.Confidence = ConfidenceVeryLow
	} else {
		res.Confidence = confidence(base.level, base.sample)
	}

	res.Explanation = explain(res)
	return res, nil
}

// resolveBase walks the ladder and returns the first level that clears the
// sample-size floor.
func (e *Engine) resolveBase(ctx context.Context, origin, destination, operatorHint string) (baseStats, error) {
	route, err := e.DB.LatestRouteStat(ctx, origin, destination)
	if err != nil {
		return baseStats{}, fmt.Errorf("route stats: %w", err)
	}

	var operator *store.OperatorStat
	if operatorHint != "" {
		operator, err = e.DB.LatestOperatorStat(ctx, operatorHint)
		if err != nil {
			return baseStats{}, fmt.Errorf("operator stats: %w", err)
		}
	}

	// Level 1: route and operator statistics combined, route-weighted.
	if route != nil && operator != nil && route.SampleSize >= sampleFloor {
		return baseStats{
			onTime:   blend(route.OnTimePct, operator.OnTimePct) / 100,
			ppm5:     blend(route.TimeTo5Pct, operator.PPM5Pct) / 100,
			ppm15:    blend(route.TimeTo15Pct, operator.PPM10Pct) / 100,
			severe:   (100 - route.TimeTo30Pct) / 100,
			avgDelay: blend(route.AvgDelayMinutes, operator.AvgDelayMinutes),
			sample:   route.SampleSize,
			level:    LevelRouteOperator,
		}, nil
	}

	// Level 2: route statistics alone.
	if route != nil && route.SampleSize >= sampleFloor {
		return routeBase(route, LevelRoute), nil
	}

	// Level 3: operator network statistics.
	if operator != nil && operator.SampleSize >= sampleFloor {
		return baseStats{
			onTime:   operator.OnTimePct / 100,
			ppm5:     operator.PPM5Pct / 100,
			ppm15:    operator.PPM10Pct / 100,
			// Operator stats stop at the 10-minute band; the >10 share is a
			// conservative stand-in for severe delays.
			severe:   (100 - operator.PPM10Pct) / 100,
			avgDelay: operator.AvgDelayMinutes,
			sample:   operator.SampleSize,
			level:    LevelOperator,
		}, nil
	}

	// Level 4: network-wide average.
	network, err := e.DB.NetworkAverage(ctx)
	if err != nil {
		return baseStats{}, fmt.Errorf("network stats: %w", err)
	}
	if network != nil && network.SampleSize >= sampleFloor {
		return routeBase(network, LevelNetwork), nil
	}

	// Level 5: the industry floor.
	return baseStats{
		onTime:   floorOnTime,
		ppm5:     floorPPM5,
		ppm15:    floorPPM15,
		severe:   floorSevere,
		avgDelay: floorAvgDelay,
		sample:   0,
		level:    LevelFloor,
	}, nil
}

func routeBase(rs *store.RouteStat, level Level) baseStats {
	return baseStats{
		onTime:   rs.OnTimePct / 100,
		ppm5:     rs.TimeTo5Pct / 100,
		ppm15:    rs.TimeTo15Pct / 100,
		severe:   (100 - rs.TimeTo30Pct) / 100,
		avgDelay: rs.AvgDelayMinutes,
		sample:   rs.SampleSize,
		level:    level,
	}
}

// blend weights the route figure over the operator figure 0.7/0.3.
func blend(route, operator float64) float64 {
	return route*0.7 + operator*0.3
}

// TimeFactor returns the time-of-day adjustment for an hour in [0, 24).
func TimeFactor(hour int) float64 {
	switch {
	case hour < 6:
		return 0.85 // early
	case hour < 10:
		return 1.15 // morning peak
	case hour < 16:
		return 1.00 // midday
	case hour < 19:
		return 1.20 // evening peak
	default:
		return 1.05 // evening
	}
}

// DayFactor returns the weekday adjustment: weekends run lighter.
func DayFactor(d time.Weekday) float64 {
	if d == time.Saturday || d == time.Sunday {
		return 0.90
	}
	return 1.00
}

// confidence bands by ladder level and sample size. HIGH needs strong route
// evidence; the floor is always VERY_LOW.
func confidence(level Level, sample int) string {
	switch {
	case level <= LevelRoute && sample >= 150:
		return ConfidenceHigh
	case sample >= 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// explain builds the deterministic human-readable summary.
func explain(r *Result) string {
	var lead string
	switch {
	case r.OnTimeProbability >= 0.75:
		lead = fmt.Sprintf("This service is usually punctual (%.0f%% on time).", r.OnTimeProbability*100)
	case r.OnTimeProbability >= 0.5:
		lead = fmt.Sprintf("This service has a moderate on-time record (%.0f%%).", r.OnTimeProbability*100)
	default:
		lead = fmt.Sprintf("This service is often delayed (only %.0f%% on time).", r.OnTimeProbability*100)
	}

	delay := fmt.Sprintf(" Expect around %.1f minutes of delay.", r.ExpectedDelayMin)

	var basis string
	switch Level(r.Level) {
	case LevelRouteOperator:
		basis = fmt.Sprintf(" Based on %d recorded arrivals for this route and operator.", r.SampleSize)
	case LevelRoute:
		basis = fmt.Sprintf(" Based on %d recorded arrivals for this route.", r.SampleSize)
	case LevelOperator:
		basis = fmt.Sprintf(" Based on %d arrivals across this operator's network.", r.SampleSize)
	case LevelNetwork:
		basis = fmt.Sprintf(" Based on a network-wide average of %d arrivals.", r.SampleSize)
	default:
		basis = " No historical data for this route; figures reflect the UK rail industry average."
	}

	return lead + delay + basis
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
func round3(f float64) float64 { return math.Round(f*1000) / 1000 }

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
