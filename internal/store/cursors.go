package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CursorGet returns a recipient's delivery cursor, 0 when none exists.
func (s *Store) CursorGet(recipient string) (int64, error) {
	var seq int64
	err := s.conn.QueryRow(`SELECT last_seq FROM cursors WHERE recipient = ?`, recipient).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	return seq, nil
}

// CursorPut advances a recipient's delivery cursor. Cursors are monotonic:
// a put below the stored value is a no-op, so replays never roll delivery
// backwards.
func (s *Store) CursorPut(recipient string, seq int64) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO cursors (recipient, last_seq, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(recipient) DO UPDATE SET
				last_seq = MAX(last_seq, excluded.last_seq),
				updated_at = excluded.updated_at`,
			recipient, seq, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("writing cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(EntityCursor, recipient)
	return nil
}

// DeleteCursor drops a recipient's cursor row.
func (s *Store) DeleteCursor(recipient string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM cursors WHERE recipient = ?`, recipient); err != nil {
			return fmt.Errorf("deleting cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(EntityCursor, recipient)
	return nil
}
