package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// =============================================================================
// DETERMINISTIC HASH ENGINE
// =============================================================================

// HashEngine derives fixed-dimension vectors from word unigrams and bigrams
// hashed into buckets. Deterministic across runs and processes; needs no
// external service. Similarity quality is crude but retrieval contracts
// hold: identical texts map to identical vectors and shared vocabulary
// raises cosine similarity.
type HashEngine struct {
	dim int
}

const defaultHashDim = 256

// NewHashEngine creates a hash-derived engine with the given dimension.
func NewHashEngine(dim int) *HashEngine {
	if dim <= 0 {
		dim = defaultHashDim
	}
	return &HashEngine{dim: dim}
}

// Embed maps text to a normalized bucket-count vector. Never fails.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	words := tokenize(text)
	if len(words) == 0 {
		return vec, nil
	}

	for _, w := range words {
		vec[bucket(w, e.dim)] += 1.0
	}
	// bigrams capture a little word order
	for i := 0; i+1 < len(words); i++ {
		vec[bucket(words[i]+" "+words[i+1], e.dim)] += 0.5
	}

	normalize(vec)
	return vec, nil
}

// Dimensions returns the configured vector dimension.
func (e *HashEngine) Dimensions() int {
	return e.dim
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return fmt.Sprintf("hash:%d", e.dim)
}

func tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return ' '
	}, text)
	return strings.Fields(cleaned)
}

func bucket(token string, dim int) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % uint32(dim))
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
}
