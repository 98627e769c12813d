package config

// IdentityConfig configures the identity document store.
type IdentityConfig struct {
	// ArchiveMax is how many conversation memory archives to keep.
	ArchiveMax int `yaml:"archive_max"`

	// Watch enables the fsnotify watcher that invalidates the in-memory
	// identity cache when documents are edited externally.
	Watch bool `yaml:"watch"`

	// Coherence sub-measure weights; must sum to 1.0 or they are
	// normalized at use.
	CoherenceWeights CoherenceWeights `yaml:"coherence_weights"`
}

// CoherenceWeights aggregates the coherence sub-measures.
type CoherenceWeights struct {
	MemoryConsistency float64 `yaml:"memory_consistency"`
	ResponseQuality   float64 `yaml:"response_quality"`
	ContextTracking   float64 `yaml:"context_tracking"`
	TraitStability    float64 `yaml:"trait_stability"`
}

// DefaultIdentityConfig returns the default identity configuration.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		ArchiveMax: 100,
		Watch:      false,
		CoherenceWeights: CoherenceWeights{
			MemoryConsistency: 0.3,
			ResponseQuality:   0.25,
			ContextTracking:   0.25,
			TraitStability:    0.2,
		},
	}
}
