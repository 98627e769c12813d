package config

// MemoryConfig configures the hierarchical memory system.
type MemoryConfig struct {
	// BufferSize is the maximum number of exchanges held verbatim in the
	// working buffer before pressure-based caps apply. 0 means stateless:
	// no verbatim exchanges are ever injected into context.
	BufferSize int `yaml:"buffer_size"`

	// BufferTruncateAt forces summarization when the buffer reaches this
	// size regardless of pressure.
	BufferTruncateAt int `yaml:"buffer_truncate_at"`

	// SummaryBufferSize is the minimum number of exchanges before an
	// end-of-session summary is generated without force.
	SummaryBufferSize int `yaml:"summary_buffer_size"`

	// MaxSummariesInMemory bounds the rolling summary FIFO loaded at startup.
	MaxSummariesInMemory int `yaml:"max_summaries_in_memory"`

	// LoadSessionSummaryOnStart reloads prior session summaries at startup
	// for cross-session continuity.
	LoadSessionSummaryOnStart bool `yaml:"load_session_summary_on_start"`

	// WorkingMemoryMaxTokens is the overall token budget for
	// context-for-prompt assembly.
	WorkingMemoryMaxTokens int `yaml:"working_memory_max_tokens"`
}

// DefaultMemoryConfig returns the default memory configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		BufferSize:                35,
		BufferTruncateAt:          50,
		SummaryBufferSize:         5,
		MaxSummariesInMemory:      10,
		LoadSessionSummaryOnStart: true,
		WorkingMemoryMaxTokens:    8000,
	}
}
