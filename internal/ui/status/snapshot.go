package status

import (
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/store"
)

// Reader is the slice of the store the status view needs. *store.Store
// satisfies it.
type Reader interface {
	ActiveSessions() ([]store.Session, error)
	ListTasks() ([]store.Task, error)
	ListWorkers() ([]store.Worker, error)
	RecentProgress(limit int) ([]store.ProgressEntry, error)
	Path() string
}

// progressLimit bounds the activity feed at the bottom of the view.
const progressLimit = 8

// Snapshot is one consistent-enough read of the session state. The view
// never queries the store directly; it renders snapshots.
type Snapshot struct {
	Sessions []store.Session
	Tasks    []store.Task
	Workers  []store.Worker
	Progress []store.ProgressEntry

	StorePath string
	TakenAt   time.Time
}

// Take reads a fresh snapshot.
func Take(r Reader) (Snapshot, error) {
	sessions, err := r.ActiveSessions()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading sessions: %w", err)
	}
	tasks, err := r.ListTasks()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading tasks: %w", err)
	}
	workers, err := r.ListWorkers()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading workers: %w", err)
	}
	progress, err := r.RecentProgress(progressLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading progress: %w", err)
	}
	return Snapshot{
		Sessions:  sessions,
		Tasks:     tasks,
		Workers:   workers,
		Progress:  progress,
		StorePath: r.Path(),
		TakenAt:   time.Now(),
	}, nil
}

// Counts summarizes tasks by status for the header line.
func (s Snapshot) Counts() map[store.TaskStatus]int {
	counts := make(map[store.TaskStatus]int, 5)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}
