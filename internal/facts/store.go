package facts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"muse/internal/logging"
	"muse/internal/types"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidType is returned for a type filter outside the closed enum.
	ErrInvalidType = errors.New("facts: invalid fact type")
	// ErrStorageFailure wraps database-level failures.
	ErrStorageFailure = errors.New("facts: storage failure")
)

// =============================================================================
// STORE
// =============================================================================

// Store is the indexed fact repository. It issues its own queries over the
// shared database handle; schema and indexes are owned by the persistence
// store.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// StoreFacts persists extracted candidates for an episode. Duplicates are
// inserted as new rows; repetition is reinforcement. Individual row
// failures are logged and skipped, the rest of the batch proceeds. Returns
// the number actually persisted.
func (s *Store) StoreFacts(candidates []Candidate, episodeID, sessionID string) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	timer := logging.StartTimer(logging.CategoryFacts, "StoreFacts")
	defer timer.Stop()

	stored := 0
	now := time.Now().UTC()
	for _, c := range candidates {
		tags, err := json.Marshal(c.Tags)
		if err != nil {
			tags = []byte("[]")
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		_, err = s.db.Exec(
			`INSERT INTO facts
			 (id, fact_type, content, context, importance, timestamp,
			  session_id, episode_id, tags, metadata, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), string(c.Type), c.Content, c.Context, c.Importance,
			now, sessionID, episodeID, string(tags), string(meta), c.Fingerprint,
		)
		if err != nil {
			logging.Facts("Fact insert failed (type=%s fingerprint=%s): %v",
				c.Type, c.Fingerprint, err)
			continue
		}
		stored++
	}

	logging.FactsDebug("Stored %d/%d fact(s) for episode %s", stored, len(candidates), episodeID)
	return stored, nil
}

// Search finds facts by substring match over content and context, ranked
// by importance then recency. Every hit has its access metadata bumped.
// An empty typeFilter searches all types.
func (s *Store) Search(query, typeFilter string, limit int, minImportance float64) ([]types.Fact, error) {
	timer := logging.StartTimer(logging.CategoryFacts, "Search")
	defer timer.Stop()

	if typeFilter != "" && !types.ValidFactType(typeFilter) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typeFilter)
	}
	if limit <= 0 {
		limit = 10
	}

	like := "%" + strings.ToLower(query) + "%"
	args := []interface{}{like, like, minImportance}
	sqlQuery := `SELECT id, fact_type, content, context, importance, access_count,
	                    last_accessed, timestamp, session_id, episode_id, tags, metadata, fingerprint
	             FROM facts
	             WHERE (LOWER(content) LIKE ? OR LOWER(context) LIKE ?)
	               AND importance >= ?`
	if typeFilter != "" {
		sqlQuery += " AND fact_type = ?"
		args = append(args, typeFilter)
	}
	sqlQuery += " ORDER BY importance DESC, timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var results []types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			logging.FactsDebug("Fact scan failed: %v", err)
			continue
		}
		results = append(results, f)
	}
	if err := rows.Err(); err != nil {
		return results, fmt.Errorf("%w: search rows: %v", ErrStorageFailure, err)
	}

	s.touch(results)
	return results, nil
}

// touch bumps access_count and last_accessed for every hit. Failures are
// logged only; retrieval still succeeds.
func (s *Store) touch(hits []types.Fact) {
	now := time.Now().UTC()
	for i := range hits {
		_, err := s.db.Exec(
			"UPDATE facts SET access_count = access_count + 1, last_accessed = ? WHERE id = ?",
			now, hits[i].ID,
		)
		if err != nil {
			logging.FactsDebug("Access bump failed for fact %s: %v", hits[i].ID, err)
			continue
		}
		hits[i].AccessCount++
		t := now
		hits[i].LastAccessed = &t
	}
}

// RecentFacts returns the newest facts, optionally filtered by type.
func (s *Store) RecentFacts(typeFilter string, limit int) ([]types.Fact, error) {
	if typeFilter != "" && !types.ValidFactType(typeFilter) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typeFilter)
	}
	if limit <= 0 {
		limit = 20
	}

	args := []interface{}{}
	sqlQuery := `SELECT id, fact_type, content, context, importance, access_count,
	                    last_accessed, timestamp, session_id, episode_id, tags, metadata, fingerprint
	             FROM facts`
	if typeFilter != "" {
		sqlQuery += " WHERE fact_type = ?"
		args = append(args, typeFilter)
	}
	sqlQuery += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var results []types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			continue
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// Stats summarizes the fact repository.
type Stats struct {
	Total         int64
	PerType       map[string]int64
	AvgImportance float64
	TopAccessed   []types.Fact
	LatestAt      *time.Time
}

// ComputeStats aggregates counts, per-type distribution, mean importance,
// the most-accessed facts, and the latest fact timestamp.
func (s *Store) ComputeStats() (*Stats, error) {
	timer := logging.StartTimer(logging.CategoryFacts, "ComputeStats")
	defer timer.Stop()

	st := &Stats{PerType: make(map[string]int64)}

	row := s.db.QueryRow("SELECT COUNT(*), COALESCE(AVG(importance), 0), MAX(timestamp) FROM facts")
	var latest sql.NullTime
	if err := row.Scan(&st.Total, &st.AvgImportance, &latest); err != nil {
		return nil, fmt.Errorf("%w: stats: %v", ErrStorageFailure, err)
	}
	if latest.Valid {
		t := latest.Time
		st.LatestAt = &t
	}

	rows, err := s.db.Query("SELECT fact_type, COUNT(*) FROM facts GROUP BY fact_type")
	if err != nil {
		return nil, fmt.Errorf("%w: stats per type: %v", ErrStorageFailure, err)
	}
	for rows.Next() {
		var ft string
		var n int64
		if err := rows.Scan(&ft, &n); err != nil {
			continue
		}
		st.PerType[ft] = n
	}
	rows.Close()

	top, err := s.db.Query(
		`SELECT id, fact_type, content, context, importance, access_count,
		        last_accessed, timestamp, session_id, episode_id, tags, metadata, fingerprint
		 FROM facts WHERE access_count > 0
		 ORDER BY access_count DESC LIMIT 5`,
	)
	if err != nil {
		return st, nil
	}
	defer top.Close()
	for top.Next() {
		f, err := scanFact(top)
		if err != nil {
			continue
		}
		st.TopAccessed = append(st.TopAccessed, f)
	}
	return st, nil
}

func scanFact(rows *sql.Rows) (types.Fact, error) {
	var f types.Fact
	var ft, tags, meta string
	var lastAccessed sql.NullTime
	err := rows.Scan(&f.ID, &ft, &f.Content, &f.Context, &f.Importance,
		&f.AccessCount, &lastAccessed, &f.Timestamp, &f.SessionID,
		&f.EpisodeID, &tags, &meta, &f.Fingerprint)
	if err != nil {
		return f, err
	}
	f.Type = types.FactType(ft)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		f.LastAccessed = &t
	}
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		f.Tags = nil
	}
	if err := json.Unmarshal([]byte(meta), &f.Metadata); err != nil {
		f.Metadata = nil
	}
	return f, nil
}
