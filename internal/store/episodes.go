package store

import (
	"database/sql"
	"fmt"

	"muse/internal/logging"
	"muse/internal/types"
)

// =============================================================================
// EPISODES
// =============================================================================

// InsertEpisode persists one exchange. The UNIQUE(session_id,
// exchange_number) constraint surfaces as ErrConflict, which only happens
// if something other than the memory writer assigned the number.
func (s *Store) InsertEpisode(ep types.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Inserting episode: session=%s n=%d importance=%.2f",
		ep.SessionID, ep.ExchangeNumber, ep.Importance)

	_, err := s.db.Exec(
		`INSERT INTO episodes
		 (id, session_id, exchange_number, created_at, user_text, agent_text,
		  summary, importance, in_buffer, summarized, compression_level, facts_extracted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, ep.ExchangeNumber, ep.CreatedAt.UTC(),
		ep.UserText, ep.AgentText, ep.Summary, ep.Importance,
		ep.InBuffer, ep.Summarized, ep.CompressionLevel, ep.FactsExtracted,
	)
	if err != nil {
		return fmt.Errorf("%w: insert episode: %v", ErrConflict, err)
	}
	return nil
}

// MaxExchangeNumber returns the highest exchange number recorded for a
// session, or -1 when the session has no episodes yet.
func (s *Store) MaxExchangeNumber(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(exchange_number) FROM episodes WHERE session_id = ?",
		sessionID,
	).Scan(&n)
	if err != nil {
		return -1, fmt.Errorf("%w: max exchange number: %v", ErrUnavailable, err)
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// MarkEvicted flips episodes out of the buffer and raises their
// compression level.
func (s *Store) MarkEvicted(episodeIDs []string, compressionLevel int) error {
	if len(episodeIDs) == 0 {
		return nil
	}
	return s.WithTx(func(tx *sql.Tx) error {
		for _, id := range episodeIDs {
			if _, err := tx.Exec(
				"UPDATE episodes SET in_buffer = FALSE, compression_level = ? WHERE id = ?",
				compressionLevel, id,
			); err != nil {
				return fmt.Errorf("%w: mark evicted %s: %v", ErrUnavailable, id, err)
			}
		}
		return nil
	})
}

// MarkSummarized records that episodes were folded into a summary.
func (s *Store) MarkSummarized(episodeIDs []string) error {
	if len(episodeIDs) == 0 {
		return nil
	}
	return s.WithTx(func(tx *sql.Tx) error {
		for _, id := range episodeIDs {
			if _, err := tx.Exec(
				"UPDATE episodes SET summarized = TRUE WHERE id = ?", id,
			); err != nil {
				return fmt.Errorf("%w: mark summarized %s: %v", ErrUnavailable, id, err)
			}
		}
		return nil
	})
}

// MarkFactsExtracted records that fact extraction ran for an episode.
func (s *Store) MarkFactsExtracted(episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE episodes SET facts_extracted = TRUE WHERE id = ?", episodeID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark facts extracted: %v", ErrUnavailable, err)
	}
	return nil
}

// SessionEpisodes loads all episodes for a session ordered by exchange
// number ascending.
func (s *Store) SessionEpisodes(sessionID string) ([]types.Episode, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SessionEpisodes")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, exchange_number, created_at, user_text, agent_text,
		        summary, importance, in_buffer, summarized, compression_level, facts_extracted
		 FROM episodes WHERE session_id = ? ORDER BY exchange_number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: session episodes: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// BufferEpisodes loads the in-buffer episodes for a session, oldest first.
// Used to reconstruct the exchange buffer on startup.
func (s *Store) BufferEpisodes(sessionID string, limit int) ([]types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, exchange_number, created_at, user_text, agent_text,
		        summary, importance, in_buffer, summarized, compression_level, facts_extracted
		 FROM episodes
		 WHERE session_id = ? AND in_buffer = TRUE
		 ORDER BY exchange_number DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: buffer episodes: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	eps, err := scanEpisodes(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to oldest-first.
	for i, j := 0, len(eps)-1; i < j; i, j = i+1, j-1 {
		eps[i], eps[j] = eps[j], eps[i]
	}
	return eps, nil
}

func scanEpisodes(rows *sql.Rows) ([]types.Episode, error) {
	var eps []types.Episode
	for rows.Next() {
		var ep types.Episode
		if err := rows.Scan(
			&ep.ID, &ep.SessionID, &ep.ExchangeNumber, &ep.CreatedAt,
			&ep.UserText, &ep.AgentText, &ep.Summary, &ep.Importance,
			&ep.InBuffer, &ep.Summarized, &ep.CompressionLevel, &ep.FactsExtracted,
		); err != nil {
			logging.StoreDebug("Episode scan failed: %v", err)
			continue
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}
