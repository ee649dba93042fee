package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/log"
)

const workerColumns = `id, status, task_id, pane_handle, last_heartbeat, created_at`

func scanWorker(scanner interface{ Scan(...any) error }) (Worker, error) {
	var (
		w             Worker
		taskID        sql.NullString
		lastHeartbeat int64
		createdAt     int64
	)
	err := scanner.Scan(&w.ID, &w.Status, &taskID, &w.PaneHandle, &lastHeartbeat, &createdAt)
	if err != nil {
		return Worker{}, err
	}
	if taskID.Valid {
		w.TaskID = taskID.String
	}
	w.LastHeartbeat = time.Unix(lastHeartbeat, 0)
	w.CreatedAt = time.Unix(createdAt, 0)
	return w, nil
}

// RegisterWorker inserts a new worker row. The first heartbeat is the
// registration itself.
func (s *Store) RegisterWorker(w Worker) (Worker, error) {
	if w.ID == "" {
		return Worker{}, fmt.Errorf("worker id is required")
	}
	if w.Status == "" {
		w.Status = WorkerRunning
	}
	now := time.Now()
	w.LastHeartbeat = now
	w.CreatedAt = now

	err := s.withWriteTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM workers WHERE id = ?`, w.ID).Scan(&exists); err != nil {
			return fmt.Errorf("checking worker existence: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrWorkerExists, w.ID)
		}
		_, err := tx.Exec(
			`INSERT INTO workers (id, status, task_id, pane_handle, last_heartbeat, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			w.ID, string(w.Status), nullable(w.TaskID), w.PaneHandle,
			w.LastHeartbeat.Unix(), w.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("inserting worker: %w", err)
		}
		return nil
	})
	if err != nil {
		return Worker{}, err
	}

	log.Debug(log.CatDB, "Worker registered", "worker", w.ID, "task", w.TaskID)
	s.publish(EntityWorker, w.ID)
	return w, nil
}

// GetWorker returns one worker by ID.
func (s *Store) GetWorker(workerID string) (Worker, error) {
	row := s.conn.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, workerID)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if err != nil {
		return Worker{}, fmt.Errorf("reading worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registered workers, oldest first. Registration
// implies liveness; dead workers are removed, not flagged.
func (s *Store) ListWorkers() ([]Worker, error) {
	rows, err := s.conn.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return workers, nil
}

// UpdateHeartbeat stamps a worker's heartbeat with the current time.
// Heartbeats are monotonic: a stale stamp never lowers the stored one.
func (s *Store) UpdateHeartbeat(workerID string) error {
	return s.UpdateHeartbeatAt(workerID, time.Now())
}

// UpdateHeartbeatAt stamps a worker's heartbeat with an explicit time.
func (s *Store) UpdateHeartbeatAt(workerID string, t time.Time) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE workers SET last_heartbeat = ? WHERE id = ? AND last_heartbeat <= ?`,
			t.Unix(), workerID, t.Unix(),
		)
		if err != nil {
			return fmt.Errorf("updating heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			// Either unknown worker or a stale stamp; distinguish them
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(1) FROM workers WHERE id = ?`, workerID).Scan(&exists); err != nil {
				return fmt.Errorf("checking worker existence: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(EntityWorker, workerID)
	return nil
}

// SetWorkerStatus updates a worker's status.
func (s *Store) SetWorkerStatus(workerID string, status WorkerStatus) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE workers SET status = ? WHERE id = ?`, string(status), workerID)
		if err != nil {
			return fmt.Errorf("updating worker status: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID))
	})
	if err != nil {
		return err
	}
	s.publish(EntityWorker, workerID)
	return nil
}

// RemoveWorker deletes a worker row and its delivery cursor.
func (s *Store) RemoveWorker(workerID string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM workers WHERE id = ?`, workerID)
		if err != nil {
			return fmt.Errorf("deleting worker: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM cursors WHERE recipient = ?`, workerID); err != nil {
			return fmt.Errorf("deleting worker cursor: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID))
	})
	if err != nil {
		return err
	}
	log.Debug(log.CatDB, "Worker removed", "worker", workerID)
	s.publish(EntityWorker, workerID)
	return nil
}

// NextWorkerID allocates the next worker-N identifier by scanning the
// registered workers for the highest suffix.
func (s *Store) NextWorkerID() (string, error) {
	rows, err := s.conn.Query(`SELECT id FROM workers`)
	if err != nil {
		return "", fmt.Errorf("querying worker ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	maxN := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scanning worker id: %w", err)
		}
		var n int
		if _, err := fmt.Sscanf(id, "worker-%d", &n); err == nil && n > maxN {
			maxN = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating worker ids: %w", err)
	}
	return fmt.Sprintf("worker-%d", maxN+1), nil
}
