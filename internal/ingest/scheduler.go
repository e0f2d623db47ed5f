package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"railfair/internal/config"
	"railfair/internal/hsp"
	"railfair/internal/store"
)

// Fetcher is the slice of the HSP client the scheduler needs.
type Fetcher interface {
	ServiceMetrics(ctx context.Context, req hsp.MetricsRequest) (*hsp.MetricsResponse, error)
	ServiceDetails(ctx context.Context, rid string) (*hsp.DetailsResponse, error)
}

// Sink is the slice of the store the scheduler writes through.
type Sink interface {
	InsertServiceMetric(ctx context.Context, m store.ServiceMetric) error
	InsertServiceStops(ctx context.Context, stops []store.ServiceStop) error
	RecordDrops(ctx context.Context, taskKey string, counts map[string]int) error
}

// Publisher receives ingest lifecycle events; may be nil.
type Publisher interface {
	TaskCompleted(phase, taskKey string, records int)
	PhaseCompleted(phase string, totalRecords int)
}

// Scheduler walks a phase's task sequence: one outbound request at a time,
// checkpointing after every committed task so a restart resumes where it
// left off.
type Scheduler struct {
	Phase    *config.Phase
	Client   Fetcher
	Store    Sink
	Progress *Progress
	Events   Publisher // optional
	Norm     *Normalizer

	// Clock indirection for tests.
	now func() time.Time
}

// NewScheduler wires a scheduler for one phase.
func NewScheduler(phase *config.Phase, client Fetcher, sink Sink, progress *Progress, events Publisher) (*Scheduler, error) {
	norm, err := NewNormalizer()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		Phase:    phase,
		Client:   client,
		Store:    sink,
		Progress: progress,
		Events:   events,
		Norm:     norm,
		now:      time.Now,
	}, nil
}

// Summary reports what a phase run did.
type Summary struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int
	Records   int
}

// RunPhase processes every task in order. Cancellation is observed between
// requests: an in-flight fetch and its store commit always finish together,
// then progress is persisted and the loop exits.
func (s *Scheduler) RunPhase(ctx context.Context) (Summary, error) {
	tasks, err := ExpandTasks(s.Phase)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Total: len(tasks)}
	log.Printf("ingest: phase %s, %d tasks (%d routes x %d day types)",
		s.Phase.PhaseName, len(tasks), len(s.Phase.Routes), len(s.Phase.DayTypes))

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			log.Printf("ingest: shutdown requested, persisting progress after %d/%d tasks", i, len(tasks))
			if saveErr := s.Progress.Save(); saveErr != nil {
				return sum, saveErr
			}
			return sum, err
		}

		key := task.Key()
		if s.Progress.IsCompleted(key) {
			sum.Skipped++
			continue
		}

		log.Printf("ingest: task %d/%d %s", i+1, len(tasks), key)
		records, err := s.runTask(ctx, task)
		switch {
		case err == nil:
			sum.Completed++
			sum.Records += records
			if err := s.Progress.MarkCompleted(key, records); err != nil {
				return sum, fmt.Errorf("checkpoint %s: %w", key, err)
			}
			if s.Events != nil {
				s.Events.TaskCompleted(s.Phase.PhaseName, key, records)
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			if saveErr := s.Progress.Save(); saveErr != nil {
				return sum, saveErr
			}
			return sum, err
		default:
			// Non-retryable task failure: log, record, continue with the
			// neighbours.
			sum.Failed++
			log.Printf("ingest: task %s failed: %v", key, err)
			if err := s.Progress.MarkFailed(key, err); err != nil {
				return sum, fmt.Errorf("record failure %s: %w", key, err)
			}
		}
	}

	if s.Events != nil {
		s.Events.PhaseCompleted(s.Phase.PhaseName, s.Progress.TotalRecords())
	}
	log.Printf("ingest: phase %s done: %d completed, %d skipped, %d failed, %d records",
		s.Phase.PhaseName, sum.Completed, sum.Skipped, sum.Failed, sum.Records)
	return sum, nil
}

// runTask fetches and commits one task. The commit side runs on a context
// that survives cancellation so an HTTP 200 is never left uncommitted.
func (s *Scheduler) runTask(ctx context.Context, task Task) (int, error) {
	req := hsp.MetricsRequest{
		FromLoc:  task.Route.Origin,
		ToLoc:    task.Route.Destination,
		FromTime: task.Route.FromTime,
		ToTime:   task.Route.ToTime,
		FromDate: task.Chunk.From,
		ToDate:   task.Chunk.To,
		Days:     string(task.DayType),
	}

	resp, err := s.Client.ServiceMetrics(ctx, req)
	if err != nil {
		return 0, err
	}

	// From here to the store commit we must not be interrupted.
	commitCtx := context.WithoutCancel(ctx)

	key := task.Key()
	fetchedAt := s.now().UTC()
	drops := make(map[string]int)

	metrics, d := s.Norm.NormalizeMetrics(resp, fetchedAt)
	mergeDrops(drops, d)

	records := 0
	for _, m := range metrics {
		if err := s.Store.InsertServiceMetric(commitCtx, m); err != nil {
			return records, err
		}
		records++
	}

	// One details call per matched service, via its first RID.
	for _, svc := range resp.Services {
		if len(svc.Attributes.RIDs) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			// Cancelled between requests: commit what we have and stop.
			break
		}

		rid := svc.Attributes.RIDs[0]
		details, err := s.Client.ServiceDetails(ctx, rid)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			// A single bad service must not sink the task.
			log.Printf("ingest: details for %s failed: %v", rid, err)
			continue
		}

		stops, d := s.Norm.NormalizeDetails(details, fetchedAt)
		mergeDrops(drops, d)
		if len(stops) == 0 {
			continue
		}
		if err := s.Store.InsertServiceStops(commitCtx, stops); err != nil {
			return records, err
		}
		records += len(stops)
	}

	if err := s.Store.RecordDrops(commitCtx, key, drops); err != nil {
		return records, err
	}
	if err := ctx.Err(); err != nil {
		return records, err
	}
	return records, nil
}
