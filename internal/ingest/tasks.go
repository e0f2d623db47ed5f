// Package ingest implements the batch ingestion pipeline: chunked task
// scheduling with checkpointing, and normalization of raw HSP responses into
// the store.
package ingest

import (
	"fmt"
	"sort"
	"time"

	"railfair/internal/config"
)

// chunkDays is the maximum calendar span of one fetch chunk, inclusive.
const chunkDays = 7

// DateChunk is a contiguous sub-range of the phase's date range, at most
// seven calendar days inclusive.
type DateChunk struct {
	From string // YYYY-MM-DD
	To   string // YYYY-MM-DD
}

// SplitDateRange splits [from, to] into contiguous chunks of at most seven
// days each; the last chunk may be shorter. Chunk boundaries are stable
// across runs for the same inputs.
func SplitDateRange(from, to string) ([]DateChunk, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, fmt.Errorf("parse from_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, fmt.Errorf("parse to_date: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("date range inverted: %s after %s", from, to)
	}

	var chunks []DateChunk
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, DateChunk{
			From: cur.Format("2006-01-02"),
			To:   chunkEnd.Format("2006-01-02"),
		})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return chunks, nil
}

// Task is the minimal unit of ingestion work: one route, one day type, one
// date chunk.
type Task struct {
	Route   config.Route
	DayType config.DayType
	Chunk   DateChunk
}

// Key returns the task's stable identity used in the progress journal.
func (t Task) Key() string {
	return fmt.Sprintf("%s-%s|%s|%s|%s",
		t.Route.Origin, t.Route.Destination, t.DayType, t.Chunk.From, t.Chunk.To)
}

// ExpandTasks produces the phase's deterministic task sequence: routes in
// lexicographic (origin, destination) order, day types sorted, chunks in
// date order. The ordering is observable and tested.
func ExpandTasks(p *config.Phase) ([]Task, error) {
	chunks, err := SplitDateRange(p.FromDate, p.ToDate)
	if err != nil {
		return nil, err
	}

	routes := append([]config.Route(nil), p.Routes...)
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Origin != routes[j].Origin {
			return routes[i].Origin < routes[j].Origin
		}
		return routes[i].Destination < routes[j].Destination
	})

	dayTypes := p.SortedDayTypes()

	var tasks []Task
	for _, r := range routes {
		for _, d := range dayTypes {
			for _, c := range chunks {
				tasks = append(tasks, Task{Route: r, DayType: d, Chunk: c})
			}
		}
	}
	return tasks, nil
}
