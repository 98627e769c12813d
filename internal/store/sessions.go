package store

import (
	"database/sql"
	"fmt"
	"time"

	"muse/internal/logging"
	"muse/internal/types"
)

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Session("Creating session: id=%s name=%q", sess.ID, sess.Name)

	_, err := s.db.Exec(
		"INSERT INTO sessions (id, name, created_at) VALUES (?, ?, ?)",
		sess.ID, sess.Name, sess.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrUnavailable, err)
	}
	return nil
}

// EndSession stamps a session's end time.
func (s *Store) EndSession(sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET ended_at = ? WHERE id = ?",
		endedAt.UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: end session: %v", ErrUnavailable, err)
	}
	return nil
}

// LatestOpenSession returns the most recently created session without an
// end time, or ErrNotFound when every session ended cleanly.
func (s *Store) LatestOpenSession() (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess types.Session
	err := s.db.QueryRow(
		`SELECT id, name, created_at FROM sessions
		 WHERE ended_at IS NULL ORDER BY created_at DESC LIMIT 1`,
	).Scan(&sess.ID, &sess.Name, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest open session: %v", ErrUnavailable, err)
	}
	return &sess, nil
}

// EndOpenSessions stamps every session left without an end time, such as
// after a daemon crash. Returns the number of sessions closed.
func (s *Store) EndOpenSessions(endedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE sessions SET ended_at = ? WHERE ended_at IS NULL",
		endedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: end open sessions: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Session("Closed %d dangling session(s)", n)
	}
	return n, nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess types.Session
	var endedAt sql.NullTime
	err := s.db.QueryRow(
		"SELECT id, name, created_at, ended_at FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&sess.ID, &sess.Name, &sess.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrUnavailable, err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}
