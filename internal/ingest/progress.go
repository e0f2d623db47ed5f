package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FailedTask is one post-mortem record of a task that hit a non-retryable
// failure.
type FailedTask struct {
	Task      string    `json:"task"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// progressFile is the on-disk shape of one phase's journal.
type progressFile struct {
	Phase          string       `json:"phase"`
	StartedAt      *time.Time   `json:"started_at"`
	LastUpdated    *time.Time   `json:"last_updated"`
	CompletedTasks []string     `json:"completed_tasks"`
	FailedTasks    []FailedTask `json:"failed_tasks"`
	TotalRecords   int          `json:"total_records"`

	// Present only in the legacy route-level shape; its presence marks the
	// file as pre-task-level and it is ignored.
	CompletedRoutes []string `json:"completed_routes,omitempty"`
}

// Progress is a phase's resumable journal: a completed-task set for
// skip-on-restart plus an append-only failure log. Writes go through a
// temp-file rename so a crash never leaves a half-written journal.
type Progress struct {
	path      string
	phase     string
	started   *time.Time
	updated   *time.Time
	completed map[string]bool
	failed    []FailedTask
	records   int
}

// LoadProgress reads (or initialises) the journal for phase under dir.
func LoadProgress(dir, phase string) (*Progress, error) {
	p := &Progress{
		path:      filepath.Join(dir, phase+".progress.json"),
		phase:     phase,
		completed: make(map[string]bool),
	}

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}

	var f progressFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse progress: %w", err)
	}
	if len(f.CompletedRoutes) > 0 && len(f.CompletedTasks) == 0 {
		// Legacy route-level journal: start fresh; the store's first-wins
		// upserts keep the re-fetch idempotent.
		log.Printf("ingest: %s uses the legacy route-level shape, starting fresh", p.path)
		return p, nil
	}

	p.started = f.StartedAt
	p.updated = f.LastUpdated
	p.failed = f.FailedTasks
	p.records = f.TotalRecords
	for _, k := range f.CompletedTasks {
		p.completed[k] = true
	}
	return p, nil
}

// IsCompleted reports whether the task key has already been committed.
func (p *Progress) IsCompleted(key string) bool { return p.completed[key] }

// TotalRecords returns the cumulative count of records written by the phase.
func (p *Progress) TotalRecords() int { return p.records }

// Failed returns the failure log.
func (p *Progress) Failed() []FailedTask { return p.failed }

// CompletedCount returns the number of completed tasks.
func (p *Progress) CompletedCount() int { return len(p.completed) }

// MarkCompleted records a committed task and persists the journal. Callers
// must only invoke this after the store acknowledged the task's batch.
func (p *Progress) MarkCompleted(key string, records int) error {
	p.completed[key] = true
	p.records += records
	return p.save()
}

// MarkFailed appends a failure record and persists the journal.
func (p *Progress) MarkFailed(key string, taskErr error) error {
	p.failed = append(p.failed, FailedTask{
		Task:      key,
		Error:     taskErr.Error(),
		Timestamp: time.Now().UTC(),
	})
	return p.save()
}

// Save persists the journal; used on shutdown.
func (p *Progress) Save() error { return p.save() }

func (p *Progress) save() error {
	now := time.Now().UTC()
	if p.started == nil {
		p.started = &now
	}
	p.updated = &now

	keys := make([]string, 0, len(p.completed))
	for k := range p.completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := progressFile{
		Phase:          p.phase,
		StartedAt:      p.started,
		LastUpdated:    p.updated,
		CompletedTasks: keys,
		FailedTasks:    p.failed,
		TotalRecords:   p.records,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress temp: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("rename progress: %w", err)
	}
	return nil
}
