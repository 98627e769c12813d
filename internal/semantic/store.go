// Package semantic implements the approximate-similarity memory. Records
// are opaque texts with vector representations stored in a sqvect database;
// retrieval ranks by similarity scaled by per-record importance and a
// recency curve. Content is deduplicated by fingerprint; storing a
// duplicate reinforces the existing record instead of inserting.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/sqvect/v2/pkg/core"

	"muse/internal/embedding"
	"muse/internal/facts"
	"muse/internal/logging"
)

// =============================================================================
// STORE
// =============================================================================

// Store wraps the vector database and the embedding engine. Reads are
// concurrent; writes serialize on the internal mutex.
type Store struct {
	vec    *core.SQLiteStore
	engine embedding.Engine
	mu     sync.Mutex
}

// Result is one retrieved record with its scoring breakdown.
type Result struct {
	Content    string
	Similarity float64
	Importance float64
	Score      float64
	StoredAt   time.Time
}

// Open initializes the semantic database at the given path.
func Open(path string, engine embedding.Engine) (*Store, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Open")
	defer timer.Stop()

	logging.Semantic("Opening semantic store at %s (engine=%s dim=%d)",
		path, engine.Name(), engine.Dimensions())

	vec, err := core.New(path, engine.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("open semantic store: %w", err)
	}
	if err := vec.Init(context.Background()); err != nil {
		vec.Close()
		return nil, fmt.Errorf("init semantic store: %w", err)
	}
	return &Store{vec: vec, engine: engine}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	logging.Semantic("Closing semantic store")
	return s.vec.Close()
}

// Store persists a text with the given importance. Returns true when a new
// record was inserted, false when an existing record was reinforced
// (access_count and stored_at bumped).
func (s *Store) Store(ctx context.Context, text string, importance float64) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}

	id := facts.Fingerprint(text)
	now := time.Now().UTC()

	vecRep, err := s.engine.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := true
	accessCount := 0
	if existing, err := s.vec.GetByID(ctx, id); err == nil && existing != nil {
		inserted = false
		accessCount = metaInt(existing.Metadata, "access_count") + 1
		// keep the higher importance on reinforcement
		if prev := metaFloat(existing.Metadata, "importance"); prev > importance {
			importance = prev
		}
	}

	emb := &core.Embedding{
		ID:      id,
		Vector:  vecRep,
		Content: text,
		Metadata: map[string]string{
			"importance":   strconv.FormatFloat(importance, 'f', 4, 64),
			"stored_at":    now.Format(time.RFC3339),
			"access_count": strconv.Itoa(accessCount),
		},
	}
	if err := s.vec.Upsert(ctx, emb); err != nil {
		return false, fmt.Errorf("upsert: %w", err)
	}

	if inserted {
		logging.SemanticDebug("Stored new record %s (importance=%.2f)", id, importance)
	} else {
		logging.SemanticDebug("Reinforced record %s (access_count=%d)", id, accessCount)
	}
	return inserted, nil
}

// Retrieve returns up to k records ranked by similarity scaled by
// importance and recency. An empty store yields an empty list.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Retrieve")
	defer timer.Stop()

	if k <= 0 {
		k = 5
	}

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// over-fetch so the recency/importance rescoring can reorder
	hits, err := s.vec.Search(ctx, queryVec, core.SearchOptions{TopK: k * 4})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	now := time.Now().UTC()
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		storedAt := metaTime(h.Metadata, "stored_at", now)
		importance := metaFloat(h.Metadata, "importance")
		if importance == 0 {
			importance = 0.5
		}
		sim := h.Score
		if sim < 0 {
			sim = 0
		}
		results = append(results, Result{
			Content:    h.Content,
			Similarity: sim,
			Importance: importance,
			Score:      sim * importance * recencyBoost(now.Sub(storedAt)),
			StoredAt:   storedAt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}

	logging.SemanticDebug("Retrieve(%q) -> %d result(s)", query, len(results))
	return results, nil
}

// Context renders up to k retrieved records as a bounded text block for
// prompt injection. Empty retrieval yields an empty string.
func (s *Store) Context(ctx context.Context, query string, k int) (string, error) {
	results, err := s.Retrieve(ctx, query, k)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("=== RELATED MEMORIES ===\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r.Content)
	}
	b.WriteString("=== END RELATED MEMORIES ===")
	return b.String(), nil
}

// Prune deletes records that are simultaneously older than the cutoff,
// below the importance floor, and accessed fewer times than the minimum.
// Returns the number deleted.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, minImportance float64, minAccessCount int) (int, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Prune")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	// zero query enumerates: every record scores 0 and no threshold applies
	zero := make([]float32, s.engine.Dimensions())
	all, err := s.vec.Search(ctx, zero, core.SearchOptions{TopK: 1 << 30})
	if err != nil {
		return 0, fmt.Errorf("enumerate: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted := 0
	for _, h := range all {
		storedAt := metaTime(h.Metadata, "stored_at", time.Now().UTC())
		if !storedAt.Before(cutoff) {
			continue
		}
		if metaFloat(h.Metadata, "importance") >= minImportance {
			continue
		}
		if metaInt(h.Metadata, "access_count") >= minAccessCount {
			continue
		}
		if err := s.vec.Delete(ctx, h.ID); err != nil {
			logging.SemanticDebug("Prune delete failed for %s: %v", h.ID, err)
			continue
		}
		deleted++
	}

	logging.Semantic("Pruned %d of %d record(s)", deleted, len(all))
	return deleted, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	st, err := s.vec.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

// =============================================================================
// SCORING
// =============================================================================

// recencyBoost implements the retrieval recency curve: within the hour
// x1.5, within the day x1.3, within the week x1.1, older x1.0.
func recencyBoost(age time.Duration) float64 {
	switch {
	case age <= time.Hour:
		return 1.5
	case age <= 24*time.Hour:
		return 1.3
	case age <= 7*24*time.Hour:
		return 1.1
	default:
		return 1.0
	}
}

// =============================================================================
// METADATA HELPERS
// =============================================================================

func metaFloat(m map[string]string, key string) float64 {
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[key], 64)
	if err != nil {
		return 0
	}
	return v
}

func metaInt(m map[string]string, key string) int {
	if m == nil {
		return 0
	}
	v, err := strconv.Atoi(m[key])
	if err != nil {
		return 0
	}
	return v
}

func metaTime(m map[string]string, key string, fallback time.Time) time.Time {
	if m == nil {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, m[key])
	if err != nil {
		return fallback
	}
	return t
}
