package config

// SemanticConfig configures the semantic store and its embedding engine.
type SemanticConfig struct {
	// Provider selects the embedding engine: "hash" (deterministic,
	// default) or "ollama" (local embedding server).
	Provider string `yaml:"provider"`

	// VectorDim is the embedding dimensionality for the hash engine.
	VectorDim int `yaml:"vector_dim"`

	// Ollama configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
}

// DefaultSemanticConfig returns the default semantic configuration.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		Provider:       "hash",
		VectorDim:      256,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
	}
}
