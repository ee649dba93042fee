package store

import (
	"database/sql"
	"fmt"
	"time"
)

const progressColumns = `id, worker_id, task_id, status, message, created_at`

func scanProgress(scanner interface{ Scan(...any) error }) (ProgressEntry, error) {
	var (
		entry     ProgressEntry
		createdAt int64
	)
	err := scanner.Scan(&entry.ID, &entry.WorkerID, &entry.TaskID, &entry.Status, &entry.Message, &createdAt)
	if err != nil {
		return ProgressEntry{}, err
	}
	entry.CreatedAt = time.Unix(createdAt, 0)
	return entry, nil
}

// AppendProgress records a worker's free-form status line for a task.
// Progress is observability only; it never produces events.
func (s *Store) AppendProgress(workerID, taskID, status, message string) (ProgressEntry, error) {
	if workerID == "" {
		return ProgressEntry{}, fmt.Errorf("worker id is required")
	}
	entry := ProgressEntry{
		WorkerID:  workerID,
		TaskID:    taskID,
		Status:    status,
		Message:   message,
		CreatedAt: time.Now(),
	}
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO progress_log (worker_id, task_id, status, message, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			entry.WorkerID, entry.TaskID, entry.Status, entry.Message, entry.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("inserting progress entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading progress id: %w", err)
		}
		entry.ID = id
		return nil
	})
	if err != nil {
		return ProgressEntry{}, err
	}
	s.publish(EntityProgress, taskID)
	return entry, nil
}

// ListProgress returns all progress entries for a task, oldest first.
func (s *Store) ListProgress(taskID string) ([]ProgressEntry, error) {
	return s.queryProgress(
		`SELECT `+progressColumns+` FROM progress_log WHERE task_id = ? ORDER BY id ASC`,
		taskID,
	)
}

// RecentProgress returns the newest entries across all tasks.
func (s *Store) RecentProgress(limit int) ([]ProgressEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryProgress(
		`SELECT `+progressColumns+` FROM progress_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
}

func (s *Store) queryProgress(query string, args ...any) ([]ProgressEntry, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying progress log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ProgressEntry
	for rows.Next() {
		entry, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning progress row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating progress rows: %w", err)
	}
	return entries, nil
}
