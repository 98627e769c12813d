package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"muse/internal/embedding"
	"muse/internal/facts"
	"muse/internal/semantic"
	"muse/internal/store"
	"muse/internal/types"
)

func newTestRouter(t *testing.T) (*Router, *facts.Store, *semantic.Store) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.CreateSession(types.Session{ID: "sess-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sem, err := semantic.Open(filepath.Join(t.TempDir(), "semantic.db"), embedding.NewHashEngine(64))
	if err != nil {
		t.Fatalf("semantic.Open failed: %v", err)
	}
	t.Cleanup(func() { sem.Close() })

	fs := facts.NewStore(db.DB())
	return New(fs, sem), fs, sem
}

func TestDetectFactType(t *testing.T) {
	tests := []struct {
		query string
		want  types.FactType
	}{
		{"who did I email about dinner", types.FactCommunication},
		{"what is my favorite color", types.FactPreference},
		{"when is the dentist appointment", types.FactAppointment},
		{"show me that error from the build", types.FactError},
		{"how much did I pay for rent", types.FactFinancial},
		{"just chatting about the weather", ""},
	}
	for _, tt := range tests {
		if got := DetectFactType(tt.query); got != tt.want {
			t.Errorf("DetectFactType(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestConfidence(t *testing.T) {
	r, _, _ := newTestRouter(t)

	tests := []struct {
		query string
		min   float64
		max   float64
	}{
		{"yesterday I told you my favorite color", 0.7, 1.0},
		{"who did I email about dinner", 0.7, 1.0},
		{"a vague musing with no signals at all", 0.0, 0.0},
	}
	for _, tt := range tests {
		got := r.Confidence(tt.query)
		if got < tt.min || got > tt.max {
			t.Errorf("Confidence(%q) = %f, want [%f, %f]", tt.query, got, tt.min, tt.max)
		}
	}
}

func TestRouteToFacts(t *testing.T) {
	r, fs, _ := newTestRouter(t)
	ctx := context.Background()

	candidates := facts.Extract(
		"Email mom@example.com about dinner at 7pm Friday",
		"Email sent successfully to mom@example.com")
	if _, err := fs.StoreFacts(candidates, "ep-1", "sess-1"); err != nil {
		t.Fatalf("StoreFacts failed: %v", err)
	}

	d, err := r.Route(ctx, "who did I email about dinner", 5)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if d.Source != SourceFacts {
		t.Fatalf("source = %s, want facts", d.Source)
	}
	if d.Count == 0 {
		t.Fatal("expected fact hits")
	}
	if d.FactType != types.FactContact && d.FactType != types.FactCommunication {
		t.Errorf("fact type = %s, want contact or communication", d.FactType)
	}
}

func TestRouteFallsThroughToSemantic(t *testing.T) {
	r, _, sem := newTestRouter(t)
	ctx := context.Background()

	if _, err := sem.Store(ctx, "we talked about the hiking trip to the mountains", 0.6); err != nil {
		t.Fatalf("semantic Store failed: %v", err)
	}

	// exact intent but no matching facts: must fall through
	d, err := r.Route(ctx, "what did we discuss about the hiking trip", 5)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if d.Source != SourceSemantic {
		t.Fatalf("source = %s, want semantic fall-through", d.Source)
	}
	if d.Count == 0 {
		t.Error("expected semantic results")
	}
}

func TestRouteVagueQueryGoesSemantic(t *testing.T) {
	r, _, sem := newTestRouter(t)
	ctx := context.Background()

	if _, err := sem.Store(ctx, "the garden needs watering on warm evenings", 0.5); err != nil {
		t.Fatalf("semantic Store failed: %v", err)
	}

	d, err := r.Route(ctx, "something regarding the garden evenings", 5)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if d.Source != SourceSemantic {
		t.Errorf("source = %s, want semantic", d.Source)
	}
}

func TestExplain(t *testing.T) {
	r, _, _ := newTestRouter(t)

	exact := r.Explain("who did I email yesterday")
	if exact == "" {
		t.Fatal("Explain returned empty string")
	}
	vague := r.Explain("a vague musing with no signals at all")
	if vague == exact {
		t.Error("distinct decisions should explain differently")
	}
}
