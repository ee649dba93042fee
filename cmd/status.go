package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zjrosen/aio/internal/paths"
	"github.com/zjrosen/aio/internal/store"
	"github.com/zjrosen/aio/internal/ui/status"
	"github.com/zjrosen/aio/internal/watch"
)

var (
	statusFollow bool
	statusTask   string
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions, tasks and agents",
	Long: `Status reads the store and prints the session, the task pipeline, live
agents and recent progress. --follow keeps the view open and refreshes it
whenever the store changes; --task renders one task in full.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false,
		"live view, refreshed on store changes")
	statusCmd.Flags().StringVar(&statusTask, "task", "",
		"show one task in detail (full or short ID)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false,
		"machine-readable output")
}

func runStatus(_ *cobra.Command, _ []string) error {
	root, err := repoRoot()
	if err != nil {
		return fmt.Errorf("resolving repository root: %w", err)
	}
	dbPath := storePath(paths.Resolve(root))
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no store at %s; run 'aio start' first", dbPath)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	switch {
	case statusTask != "":
		return printTaskDetail(st)
	case statusJSON:
		return printStatusJSON(st)
	case statusFollow:
		return followStatus(st, dbPath)
	default:
		snap, err := status.Take(st)
		if err != nil {
			return err
		}
		fmt.Print(status.RenderPlain(snap, 0))
		return nil
	}
}

func printTaskDetail(st *store.Store) error {
	task, err := findTask(st, statusTask)
	if err != nil {
		return err
	}
	progress, err := st.ListProgress(task.ID)
	if err != nil {
		return fmt.Errorf("reading progress: %w", err)
	}

	if statusJSON {
		return printJSON(taskDoc{task: task, Progress: progressDocs(progress)})
	}
	page, err := status.TaskDetail(task, progress, 0)
	if err != nil {
		return fmt.Errorf("rendering task: %w", err)
	}
	fmt.Print(page)
	return nil
}

func followStatus(st *store.Store, dbPath string) error {
	w, err := watch.New(watch.DefaultConfig(dbPath))
	if err != nil {
		return fmt.Errorf("creating store watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("watching store: %w", err)
	}
	defer func() { _ = w.Stop() }()

	p := tea.NewProgram(status.New(st, changes), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running status view: %w", err)
	}
	return nil
}

// findTask resolves a full task UUID or a unique short prefix, matching
// the 8-character IDs the table shows.
func findTask(st *store.Store, ref string) (store.Task, error) {
	task, err := st.GetTask(ref)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrTaskNotFound) {
		return store.Task{}, fmt.Errorf("looking up task %s: %w", ref, err)
	}

	all, err := st.ListTasks()
	if err != nil {
		return store.Task{}, fmt.Errorf("listing tasks: %w", err)
	}
	var matches []store.Task
	for _, t := range all {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return store.Task{}, fmt.Errorf("no task matches %q", ref)
	default:
		return store.Task{}, fmt.Errorf("%q matches %d tasks; use the full ID", ref, len(matches))
	}
}

// JSON documents for --json; snake_case keys, stable across refactors of
// the store types.

type statusDoc struct {
	StorePath string        `json:"store_path"`
	TakenAt   time.Time     `json:"taken_at"`
	Sessions  []sessionDoc  `json:"sessions"`
	Tasks     []taskDoc     `json:"tasks"`
	Workers   []workerDoc   `json:"workers"`
	Progress  []progressDoc `json:"recent_progress"`
}

type sessionDoc struct {
	GUID      string    `json:"guid"`
	State     string    `json:"state"`
	RepoRoot  string    `json:"repo_root"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type taskDoc struct {
	task     store.Task
	Progress []progressDoc `json:"progress,omitempty"`
}

func (d taskDoc) MarshalJSON() ([]byte, error) {
	type doc struct {
		ID          string        `json:"id"`
		Status      string        `json:"status"`
		WorkerID    string        `json:"worker_id,omitempty"`
		Description string        `json:"description"`
		Context     string        `json:"context,omitempty"`
		Worktree    string        `json:"worktree,omitempty"`
		Branch      string        `json:"branch,omitempty"`
		PRURL       string        `json:"pr_url,omitempty"`
		ClaimedBy   string        `json:"review_claimed_by,omitempty"`
		CreatedAt   time.Time     `json:"created_at"`
		UpdatedAt   time.Time     `json:"updated_at"`
		Progress    []progressDoc `json:"progress,omitempty"`
	}
	t := d.task
	return json.Marshal(doc{
		ID:          t.ID,
		Status:      string(t.Status),
		WorkerID:    t.WorkerID,
		Description: t.Description,
		Context:     t.Context,
		Worktree:    t.WorktreePath,
		Branch:      t.BranchName,
		PRURL:       t.PRURL,
		ClaimedBy:   t.ReviewClaimedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Progress:    d.Progress,
	})
}

type workerDoc struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	TaskID        string    `json:"task_id,omitempty"`
	Pane          string    `json:"pane,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type progressDoc struct {
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func printStatusJSON(st *store.Store) error {
	snap, err := status.Take(st)
	if err != nil {
		return err
	}

	doc := statusDoc{
		StorePath: snap.StorePath,
		TakenAt:   snap.TakenAt,
		Sessions:  make([]sessionDoc, 0, len(snap.Sessions)),
		Tasks:     make([]taskDoc, 0, len(snap.Tasks)),
		Workers:   make([]workerDoc, 0, len(snap.Workers)),
		Progress:  progressDocs(snap.Progress),
	}
	for _, s := range snap.Sessions {
		doc.Sessions = append(doc.Sessions, sessionDoc{
			GUID:      s.GUID,
			State:     string(s.State),
			RepoRoot:  s.RepoRoot,
			Port:      s.Port,
			PID:       s.PID,
			CreatedAt: s.CreatedAt,
		})
	}
	for _, t := range snap.Tasks {
		doc.Tasks = append(doc.Tasks, taskDoc{task: t})
	}
	for _, w := range snap.Workers {
		doc.Workers = append(doc.Workers, workerDoc{
			ID:            w.ID,
			Status:        string(w.Status),
			TaskID:        w.TaskID,
			Pane:          w.PaneHandle,
			LastHeartbeat: w.LastHeartbeat,
		})
	}
	return printJSON(doc)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func progressDocs(entries []store.ProgressEntry) []progressDoc {
	docs := make([]progressDoc, 0, len(entries))
	for _, p := range entries {
		docs = append(docs, progressDoc{
			WorkerID:  p.WorkerID,
			TaskID:    p.TaskID,
			Status:    p.Status,
			Message:   p.Message,
			CreatedAt: p.CreatedAt,
		})
	}
	return docs
}
