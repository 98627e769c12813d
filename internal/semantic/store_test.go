package semantic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"muse/internal/embedding"
)

func newTestSemanticStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "semantic.db")
	s, err := Open(path, embedding.NewHashEngine(64))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndRetrieve(t *testing.T) {
	s := newTestSemanticStore(t)
	ctx := context.Background()

	inserted, err := s.Store(ctx, "my favorite color is green", 0.7)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if !inserted {
		t.Error("first store should insert")
	}
	if _, err := s.Store(ctx, "the dentist appointment is on Friday", 0.8); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	results, err := s.Retrieve(ctx, "what is my favorite color", 5)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Content != "my favorite color is green" {
		t.Errorf("top result = %q", results[0].Content)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not ranked: %f after %f", results[i].Score, results[i-1].Score)
		}
	}
}

func TestDuplicateStoreReinforces(t *testing.T) {
	s := newTestSemanticStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, "I drink tea every morning", 0.6); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	inserted, err := s.Store(ctx, "I drink tea every morning", 0.6)
	if err != nil {
		t.Fatalf("duplicate Store failed: %v", err)
	}
	if inserted {
		t.Error("duplicate store should reinforce, not insert")
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	s := newTestSemanticStore(t)
	results, err := s.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Retrieve on empty store failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("empty store returned %d results", len(results))
	}
}

func TestContextBlock(t *testing.T) {
	s := newTestSemanticStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, "the wifi password is on the fridge", 0.7); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	block, err := s.Context(ctx, "wifi password", 3)
	if err != nil {
		t.Fatalf("Context failed: %v", err)
	}
	if block == "" {
		t.Fatal("expected non-empty context block")
	}
	if want := "=== RELATED MEMORIES ==="; len(block) < len(want) || block[:len(want)] != want {
		t.Errorf("context block missing begin marker: %q", block)
	}

	empty := newTestSemanticStore(t)
	block, err = empty.Context(ctx, "wifi password", 3)
	if err != nil {
		t.Fatalf("Context on empty store failed: %v", err)
	}
	if block != "" {
		t.Errorf("empty store context = %q, want empty", block)
	}
}

func TestRecencyBoost(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{30 * time.Minute, 1.5},
		{5 * time.Hour, 1.3},
		{3 * 24 * time.Hour, 1.1},
		{30 * 24 * time.Hour, 1.0},
	}
	for _, tt := range tests {
		if got := recencyBoost(tt.age); got != tt.want {
			t.Errorf("recencyBoost(%v) = %f, want %f", tt.age, got, tt.want)
		}
	}

	// the curve never increases with age
	prev := recencyBoost(0)
	for _, age := range []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour, 365 * 24 * time.Hour} {
		cur := recencyBoost(age + time.Second)
		if cur > prev {
			t.Errorf("recency boost increased with age at %v", age)
		}
		prev = cur
	}
}

func TestPrune(t *testing.T) {
	s := newTestSemanticStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, "a forgettable aside", 0.1); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := s.Store(ctx, "an important commitment", 0.9); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// nothing is old enough yet
	deleted, err := s.Prune(ctx, time.Hour, 0.5, 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("fresh records were pruned: %d", deleted)
	}

	// with a zero age cutoff, only the unimportant record qualifies
	deleted, err = s.Prune(ctx, -time.Second, 0.5, 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("pruned %d records, want 1", deleted)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count after prune = %d, want 1", n)
	}
}
