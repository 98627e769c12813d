package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"muse/internal/logging"
	"muse/internal/types"
)

// =============================================================================
// SUMMARIES AND SESSION SUMMARIES
// =============================================================================

// InsertSummary persists a compressed record spanning multiple episodes and
// marks the sources summarized, atomically.
func (s *Store) InsertSummary(sum types.Summary) error {
	ids, err := json.Marshal(sum.SourceEpisodeIDs)
	if err != nil {
		return fmt.Errorf("marshal source episode ids: %w", err)
	}

	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO summaries (id, session_id, summary_type, content, source_episode_ids, importance, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sum.ID, sum.SessionID, string(sum.Type), sum.Content, string(ids),
			sum.Importance, sum.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("%w: insert summary: %v", ErrUnavailable, err)
		}
		for _, epID := range sum.SourceEpisodeIDs {
			if _, err := tx.Exec(
				"UPDATE episodes SET summarized = TRUE WHERE id = ?", epID,
			); err != nil {
				return fmt.Errorf("%w: mark summarized %s: %v", ErrUnavailable, epID, err)
			}
		}
		return nil
	})
}

// SessionSummaries loads summaries of a given type for a session.
func (s *Store) SessionSummaries(sessionID string, summaryType types.SummaryType) ([]types.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, summary_type, content, source_episode_ids, importance, created_at
		 FROM summaries WHERE session_id = ? AND summary_type = ?
		 ORDER BY created_at ASC`,
		sessionID, string(summaryType),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: session summaries: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var sums []types.Summary
	for rows.Next() {
		var sum types.Summary
		var typ, ids string
		if err := rows.Scan(&sum.ID, &sum.SessionID, &typ, &sum.Content, &ids, &sum.Importance, &sum.CreatedAt); err != nil {
			logging.StoreDebug("Summary scan failed: %v", err)
			continue
		}
		sum.Type = types.SummaryType(typ)
		if err := json.Unmarshal([]byte(ids), &sum.SourceEpisodeIDs); err != nil {
			sum.SourceEpisodeIDs = nil
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// SaveConversationSummary upserts the rich per-session summary record.
func (s *Store) SaveConversationSummary(cs *types.ConversationSummary) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshal conversation summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO session_summaries (id, session_id, data, timestamp_start, timestamp_end, topic_preview)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   data = excluded.data,
		   timestamp_start = excluded.timestamp_start,
		   timestamp_end = excluded.timestamp_end,
		   topic_preview = excluded.topic_preview`,
		cs.ID, cs.SessionID, string(data),
		cs.TimestampStart.UTC(), cs.TimestampEnd.UTC(), cs.TopicPreview(),
	)
	if err != nil {
		return fmt.Errorf("%w: save conversation summary: %v", ErrUnavailable, err)
	}

	logging.Summary("Conversation summary saved: session=%s exchanges=%d", cs.SessionID, cs.ExchangeCount)
	return nil
}

// RecentConversationSummaries loads the N most recent conversation
// summaries, newest first. Rows that fail to decode are skipped.
func (s *Store) RecentConversationSummaries(limit int) ([]*types.ConversationSummary, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RecentConversationSummaries")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(
		"SELECT data FROM session_summaries ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent conversation summaries: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var sums []*types.ConversationSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var cs types.ConversationSummary
		if err := json.Unmarshal([]byte(data), &cs); err != nil {
			logging.Get(logging.CategorySummary).Warn("Skipping undecodable session summary: %v", err)
			continue
		}
		sums = append(sums, &cs)
	}
	return sums, rows.Err()
}

// ConversationSummaryForSession loads the summary for one session.
func (s *Store) ConversationSummaryForSession(sessionID string) (*types.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(
		"SELECT data FROM session_summaries WHERE session_id = ?", sessionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: conversation summary: %v", ErrUnavailable, err)
	}
	var cs types.ConversationSummary
	if err := json.Unmarshal([]byte(data), &cs); err != nil {
		return nil, fmt.Errorf("%w: decode conversation summary: %v", ErrCorrupt, err)
	}
	return &cs, nil
}
