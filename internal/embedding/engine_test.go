package embedding

import (
	"context"
	"testing"

	"muse/internal/config"
)

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "my favorite color is green")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := e.Embed(ctx, "my favorite color is green")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(a) != 256 {
		t.Fatalf("dimension = %d, want 256", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at index %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestHashEngineSimilarityOrdering(t *testing.T) {
	e := NewHashEngine(256)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "schedule a dentist appointment")
	related, _ := e.Embed(ctx, "the dentist appointment is on Friday")
	unrelated, _ := e.Embed(ctx, "compile the kernel with gcc")

	simRelated, err := CosineSimilarity(query, related)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	simUnrelated, err := CosineSimilarity(query, unrelated)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if simRelated <= simUnrelated {
		t.Errorf("shared-vocabulary text should rank higher: related=%f unrelated=%f",
			simRelated, simUnrelated)
	}
}

func TestHashEngineEmptyText(t *testing.T) {
	e := NewHashEngine(64)
	vec, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed on empty text failed: %v", err)
	}
	if len(vec) != 64 {
		t.Fatalf("dimension = %d, want 64", len(vec))
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("empty text should map to the zero vector, index %d = %f", i, v)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0, false},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0, false},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0, false},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0.0, false},
		{"dimension mismatch", []float32{1}, []float32{1, 0}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("similarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNewEngineFactory(t *testing.T) {
	e, err := NewEngine(config.SemanticConfig{Provider: "hash", VectorDim: 128})
	if err != nil {
		t.Fatalf("NewEngine(hash) failed: %v", err)
	}
	if e.Dimensions() != 128 {
		t.Errorf("dimensions = %d, want 128", e.Dimensions())
	}

	if _, err := NewEngine(config.SemanticConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider should fail")
	}
}
