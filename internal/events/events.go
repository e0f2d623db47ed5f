// Package events publishes ingest and aggregation lifecycle events to NATS.
// The bus is optional: a nil *Bus is safe to pass everywhere and publishes
// nothing.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the pipeline.
const (
	SubjectTaskCompleted   = "railfair.ingest.task"
	SubjectPhaseCompleted  = "railfair.ingest.phase"
	SubjectStatsRecomputed = "railfair.stats.recomputed"
)

// Bus wraps a NATS connection.
type Bus struct {
	conn *nats.Conn
}

// Connect dials the NATS server. An empty URL returns a nil bus, which
// disables publishing.
func Connect(url string) (*Bus, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("railfair"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	_ = b.conn.Drain()
}

// TaskCompletedEvent is published after each committed ingest task.
type TaskCompletedEvent struct {
	Phase   string    `json:"phase"`
	TaskKey string    `json:"task_key"`
	Records int       `json:"records"`
	At      time.Time `json:"at"`
}

// PhaseCompletedEvent is published when a phase run finishes.
type PhaseCompletedEvent struct {
	Phase        string    `json:"phase"`
	TotalRecords int       `json:"total_records"`
	At           time.Time `json:"at"`
}

// StatsRecomputedEvent is published after a statistics recomputation lands;
// the serving layer re-warms its popular-route summaries on it.
type StatsRecomputedEvent struct {
	CalculationDate string    `json:"calculation_date"`
	Routes          int       `json:"routes"`
	Operators       int       `json:"operators"`
	At              time.Time `json:"at"`
}

// TaskCompleted implements ingest.Publisher.
func (b *Bus) TaskCompleted(phase, taskKey string, records int) {
	b.publish(SubjectTaskCompleted, TaskCompletedEvent{
		Phase: phase, TaskKey: taskKey, Records: records, At: time.Now().UTC(),
	})
}

// PhaseCompleted implements ingest.Publisher.
func (b *Bus) PhaseCompleted(phase string, totalRecords int) {
	b.publish(SubjectPhaseCompleted, PhaseCompletedEvent{
		Phase: phase, TotalRecords: totalRecords, At: time.Now().UTC(),
	})
}

// StatsRecomputed implements stats.Publisher.
func (b *Bus) StatsRecomputed(calcDate string, routes, operators int) {
	b.publish(SubjectStatsRecomputed, StatsRecomputedEvent{
		CalculationDate: calcDate, Routes: routes, Operators: operators, At: time.Now().UTC(),
	})
}

// SubscribeStatsRecomputed registers a handler for recompute events.
func (b *Bus) SubscribeStatsRecomputed(fn func(StatsRecomputedEvent)) (*nats.Subscription, error) {
	if b == nil || b.conn == nil {
		return nil, nil
	}
	return b.conn.Subscribe(SubjectStatsRecomputed, func(msg *nats.Msg) {
		var ev StatsRecomputedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("events: bad %s payload: %v", msg.Subject, err)
			return
		}
		fn(ev)
	})
}

// publish is best-effort: event loss never fails the pipeline.
func (b *Bus) publish(subject string, payload any) {
	if b == nil || b.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: marshal %s: %v", subject, err)
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		log.Printf("events: publish %s: %v", subject, err)
	}
}
