package embedding

import (
	"context"
	"fmt"
)

// Provider generates vector embeddings from knowledge content.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "openai", "ollama" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai", "api":
		return NewOpenAIProvider(cfg), nil
	case "ollama", "local":
		return NewOllamaProvider(cfg), nil
	case "hash", "":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}
