package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/log"
)

const eventColumns = `id, seq, type, task_id, payload, processed, created_at`

func scanEvent(scanner interface{ Scan(...any) error }) (event.Event, error) {
	var (
		e         event.Event
		processed int64
		createdAt int64
	)
	err := scanner.Scan(&e.ID, &e.Seq, &e.Type, &e.TaskID, &e.Payload, &processed, &createdAt)
	if err != nil {
		return event.Event{}, err
	}
	e.Processed = processed != 0
	e.CreatedAt = time.Unix(createdAt, 0)
	return e, nil
}

// AppendEvent assigns the next sequence number and persists the event.
// Sequence numbers are dense and monotonic: MAX(seq)+1 inside the write
// transaction, so two appends can never race to the same slot.
func (s *Store) AppendEvent(e event.Event) (event.Event, error) {
	if e.ID == "" || !e.Type.Valid() {
		return event.Event{}, fmt.Errorf("%w: id=%q type=%q", ErrInvalidEvent, e.ID, e.Type)
	}

	err := s.withWriteTx(func(tx *sql.Tx) error {
		var txErr error
		e, txErr = appendEventTx(tx, e)
		return txErr
	})
	if err != nil {
		return event.Event{}, err
	}

	log.Debug(log.CatDB, "Event appended", "seq", e.Seq, "type", e.Type, "task", e.TaskID)
	s.publish(EntityEvent, e.ID)
	return e, nil
}

// appendEventTx allocates the next seq and inserts the event inside an
// already-open write transaction.
func appendEventTx(tx *sql.Tx, e event.Event) (event.Event, error) {
	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events`).Scan(&next); err != nil {
		return event.Event{}, fmt.Errorf("allocating sequence: %w", err)
	}
	e.Seq = next
	e.Processed = false
	e.CreatedAt = time.Now()

	_, err := tx.Exec(
		`INSERT INTO events (id, seq, type, task_id, payload, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		e.ID, e.Seq, string(e.Type), e.TaskID, e.Payload, e.CreatedAt.Unix(),
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("inserting event: %w", err)
	}
	return e, nil
}

// UnprocessedEvents returns events not yet consumed by the loop, in
// sequence order. limit <= 0 means no limit.
func (s *Store) UnprocessedEvents(limit int) ([]event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE processed = 0 ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(query, args...)
}

// MarkProcessed flips the processed flag. It is the loop's commit point:
// called only after the event's effects are applied.
func (s *Store) MarkProcessed(eventID string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE events SET processed = 1 WHERE id = ?`, eventID)
		if err != nil {
			return fmt.Errorf("marking event processed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(EntityEvent, eventID)
	return nil
}

// EventsForTaskSince returns a task's events with seq > afterSeq, in
// sequence order. Workers read their feedback through this.
func (s *Store) EventsForTaskSince(taskID string, afterSeq int64) ([]event.Event, error) {
	return s.queryEvents(
		`SELECT `+eventColumns+` FROM events WHERE task_id = ? AND seq > ? ORDER BY seq`,
		taskID, afterSeq,
	)
}

// EventsSince returns all events with seq > afterSeq, in sequence order.
// The notifier computes pending wake-ups from this.
func (s *Store) EventsSince(afterSeq int64) ([]event.Event, error) {
	return s.queryEvents(
		`SELECT `+eventColumns+` FROM events WHERE seq > ? ORDER BY seq`,
		afterSeq,
	)
}

// RecentEvents returns the newest events, most recent first.
func (s *Store) RecentEvents(limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEvents(
		`SELECT `+eventColumns+` FROM events ORDER BY seq DESC LIMIT ?`,
		limit,
	)
}

// MaxSeq returns the highest assigned sequence number, 0 when the log is
// empty.
func (s *Store) MaxSeq() (int64, error) {
	var maxSeq int64
	if err := s.conn.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("reading max seq: %w", err)
	}
	return maxSeq, nil
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(eventID string) (event.Event, error) {
	row := s.conn.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("reading event: %w", err)
	}
	return e, nil
}

func (s *Store) queryEvents(query string, args ...any) ([]event.Event, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
