package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/log"
)

const sessionColumns = `id, guid, window_name, repo_root, state, planner_pane,
	orchestrator_pane, port, pid, created_at, updated_at`

func scanSession(scanner interface{ Scan(...any) error }) (Session, error) {
	var (
		sess      Session
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&sess.ID, &sess.GUID, &sess.WindowName, &sess.RepoRoot, &sess.State,
		&sess.PlannerPane, &sess.OrchestratorPane, &sess.Port, &sess.PID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return sess, nil
}

// CreateSession inserts a new running session and returns it with its row ID.
func (s *Store) CreateSession(sess Session) (Session, error) {
	if sess.GUID == "" {
		return Session{}, fmt.Errorf("session guid is required")
	}
	if sess.State == "" {
		sess.State = SessionRunning
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO sessions (guid, window_name, repo_root, state, planner_pane,
				orchestrator_pane, port, pid, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.GUID, sess.WindowName, sess.RepoRoot, string(sess.State),
			sess.PlannerPane, sess.OrchestratorPane, sess.Port, sess.PID,
			sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading session id: %w", err)
		}
		sess.ID = id
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	log.Info(log.CatSession, "Session created", "guid", sess.GUID)
	s.publish(EntitySession, sess.GUID)
	return sess, nil
}

// GetSessionByGUID returns one session.
func (s *Store) GetSessionByGUID(guid string) (Session, error) {
	row := s.conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE guid = ?`, guid)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, guid)
	}
	if err != nil {
		return Session{}, fmt.Errorf("reading session: %w", err)
	}
	return sess, nil
}

// ActiveSessions returns sessions in the running state, newest first.
func (s *Store) ActiveSessions() ([]Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE state = ? ORDER BY created_at DESC`,
		string(SessionRunning),
	)
}

// ListSessions returns the newest sessions first. limit <= 0 means all.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySessions(query, args...)
}

// UpdateSessionState moves a session between running and stopped.
func (s *Store) UpdateSessionState(guid string, state SessionState) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE sessions SET state = ?, updated_at = ? WHERE guid = ?`,
			string(state), time.Now().Unix(), guid,
		)
		if err != nil {
			return fmt.Errorf("updating session state: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrSessionNotFound, guid))
	})
	if err != nil {
		return err
	}
	log.Info(log.CatSession, "Session state updated", "guid", guid, "state", state)
	s.publish(EntitySession, guid)
	return nil
}

// SetSessionPanes records the pane handles hosting the planner and the
// orchestrator.
func (s *Store) SetSessionPanes(guid, plannerPane, orchestratorPane string) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE sessions SET planner_pane = ?, orchestrator_pane = ?, updated_at = ?
			 WHERE guid = ?`,
			plannerPane, orchestratorPane, time.Now().Unix(), guid,
		)
		if err != nil {
			return fmt.Errorf("updating session panes: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrSessionNotFound, guid))
	})
	if err != nil {
		return err
	}
	s.publish(EntitySession, guid)
	return nil
}

// SetSessionPort records the tool server port once the kernel has bound it.
func (s *Store) SetSessionPort(guid string, port int) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE sessions SET port = ?, updated_at = ? WHERE guid = ?`,
			port, time.Now().Unix(), guid,
		)
		if err != nil {
			return fmt.Errorf("updating session port: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrSessionNotFound, guid))
	})
	if err != nil {
		return err
	}
	s.publish(EntitySession, guid)
	return nil
}

// SetSessionPID records the orchestrator process id.
func (s *Store) SetSessionPID(guid string, pid int) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE sessions SET pid = ?, updated_at = ? WHERE guid = ?`,
			pid, time.Now().Unix(), guid,
		)
		if err != nil {
			return fmt.Errorf("updating session pid: %w", err)
		}
		return requireRow(res, fmt.Errorf("%w: %s", ErrSessionNotFound, guid))
	})
	if err != nil {
		return err
	}
	s.publish(EntitySession, guid)
	return nil
}

func (s *Store) querySessions(query string, args ...any) ([]Session, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}
