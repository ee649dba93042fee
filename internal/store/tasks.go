package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/log"
)

const taskColumns = `id, status, worker_id, description, context, worktree_path,
	branch_name, pr_url, review_claimed_by, review_claimed_at, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (Task, error) {
	var (
		t         Task
		workerID  sql.NullString
		claimedBy sql.NullString
		claimedAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&t.ID, &t.Status, &workerID, &t.Description, &t.Context, &t.WorktreePath,
		&t.BranchName, &t.PRURL, &claimedBy, &claimedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if workerID.Valid {
		t.WorkerID = workerID.String
	}
	if claimedBy.Valid {
		t.ReviewClaimedBy = claimedBy.String
	}
	if claimedAt.Valid {
		t.ReviewClaimedAt = time.Unix(claimedAt.Int64, 0)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return t, nil
}

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(t Task) (Task, error) {
	if t.ID == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	err := s.withWriteTx(func(tx *sql.Tx) error {
		return insertTaskTx(tx, t)
	})
	if err != nil {
		return Task{}, err
	}

	log.Debug(log.CatDB, "Task created", "task", t.ID, "status", t.Status)
	s.publish(EntityTask, t.ID)
	return t, nil
}

// CreateTaskWithEvent inserts a task and appends its creation event in a
// single write transaction. Either both land or neither does, so a crash
// between the two can never leave a task the loop will not see.
func (s *Store) CreateTaskWithEvent(t Task, e event.Event) (Task, event.Event, error) {
	if t.ID == "" {
		return Task{}, event.Event{}, fmt.Errorf("task id is required")
	}
	if e.ID == "" || !e.Type.Valid() {
		return Task{}, event.Event{}, fmt.Errorf("%w: id=%q type=%q", ErrInvalidEvent, e.ID, e.Type)
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	e.TaskID = t.ID

	err := s.withWriteTx(func(tx *sql.Tx) error {
		if err := insertTaskTx(tx, t); err != nil {
			return err
		}
		var txErr error
		e, txErr = appendEventTx(tx, e)
		return txErr
	})
	if err != nil {
		return Task{}, event.Event{}, err
	}

	log.Debug(log.CatDB, "Task created", "task", t.ID, "status", t.Status, "seq", e.Seq)
	s.publish(EntityTask, t.ID)
	s.publish(EntityEvent, e.ID)
	return t, e, nil
}

// insertTaskTx inserts the task row inside an already-open write
// transaction, failing with ErrTaskExists on a duplicate ID.
func insertTaskTx(tx *sql.Tx, t Task) error {
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking task existence: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	_, err := tx.Exec(
		`INSERT INTO tasks (id, status, worker_id, description, context, worktree_path,
			branch_name, pr_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), nullable(t.WorkerID), t.Description, t.Context,
		t.WorktreePath, t.BranchName, t.PRURL, t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask returns one task by ID.
func (s *Store) GetTask(taskID string) (Task, error) {
	row := s.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("reading task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks, oldest first.
func (s *Store) ListTasks() ([]Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, id`)
}

// TasksByStatus returns tasks in one status, oldest first.
func (s *Store) TasksByStatus(status TaskStatus) ([]Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id`,
		string(status),
	)
}

// UpdateTaskStatus moves a task to a new status, enforcing the lifecycle.
// Returns ErrIllegalTransition when the move is not allowed from the
// task's current status.
func (s *Store) UpdateTaskStatus(taskID string, to TaskStatus) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("reading task status: %w", err)
		}

		from := TaskStatus(current)
		if from == to {
			return nil // idempotent replay
		}
		if !from.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}

		// Leaving review releases any claim
		_, err = tx.Exec(
			`UPDATE tasks SET status = ?, review_claimed_by = NULL, review_claimed_at = NULL,
				updated_at = ? WHERE id = ?`,
			string(to), time.Now().Unix(), taskID,
		)
		if err != nil {
			return fmt.Errorf("updating task status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug(log.CatDB, "Task status updated", "task", taskID, "to", to)
	s.publish(EntityTask, taskID)
	return nil
}

// AssignWorker records the worker and workspace produced for a task.
func (s *Store) AssignWorker(taskID, workerID, worktreePath, branchName string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE tasks SET worker_id = ?, worktree_path = ?, branch_name = ?, updated_at = ?
			 WHERE id = ?`,
			workerID, worktreePath, branchName, time.Now().Unix(), taskID,
		)
		if err != nil {
			return fmt.Errorf("assigning worker: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	})
	if err != nil {
		return err
	}
	s.publish(EntityTask, taskID)
	return nil
}

// SetPRURL records a task's pull request URL.
func (s *Store) SetPRURL(taskID, url string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE tasks SET pr_url = ?, updated_at = ? WHERE id = ?`,
			url, time.Now().Unix(), taskID,
		)
		if err != nil {
			return fmt.Errorf("setting pr url: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	})
	if err != nil {
		return err
	}
	s.publish(EntityTask, taskID)
	return nil
}

// ClaimNextReview hands the oldest claimable in-review task to a reviewer.
// A task is claimable when unclaimed, already claimed by this reviewer
// (re-claim after a crash), or claimed longer ago than staleAfter.
// Returns found=false when nothing is waiting.
func (s *Store) ClaimNextReview(reviewerID string, staleAfter time.Duration) (Task, bool, error) {
	var claimed Task
	found := false

	err := s.withWriteTx(func(tx *sql.Tx) error {
		cutoff := time.Now().Add(-staleAfter).Unix()
		row := tx.QueryRow(
			`SELECT `+taskColumns+` FROM tasks
			 WHERE status = ?
			   AND (review_claimed_by IS NULL OR review_claimed_by = ? OR review_claimed_at < ?)
			 ORDER BY created_at, id LIMIT 1`,
			string(TaskReview), reviewerID, cutoff,
		)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting review: %w", err)
		}

		now := time.Now()
		if _, err := tx.Exec(
			`UPDATE tasks SET review_claimed_by = ?, review_claimed_at = ?, updated_at = ?
			 WHERE id = ?`,
			reviewerID, now.Unix(), now.Unix(), t.ID,
		); err != nil {
			return fmt.Errorf("stamping claim: %w", err)
		}

		t.ReviewClaimedBy = reviewerID
		t.ReviewClaimedAt = now
		claimed = t
		found = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	if found {
		log.Debug(log.CatDB, "Review claimed", "task", claimed.ID, "reviewer", reviewerID)
		s.publish(EntityTask, claimed.ID)
	}
	return claimed, found, nil
}

// ReleaseReviewClaim clears a task's review claim without changing status.
func (s *Store) ReleaseReviewClaim(taskID string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE tasks SET review_claimed_by = NULL, review_claimed_at = NULL, updated_at = ?
			 WHERE id = ?`,
			time.Now().Unix(), taskID,
		)
		if err != nil {
			return fmt.Errorf("releasing claim: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	})
	if err != nil {
		return err
	}
	s.publish(EntityTask, taskID)
	return nil
}

func (s *Store) queryTasks(query string, args ...any) ([]Task, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// requireRow converts a zero-row UPDATE into notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
