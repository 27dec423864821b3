package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const requestTimeout = 30 * time.Second

// remote holds what the OpenAI- and Ollama-compatible providers share.
type remote struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
	client    *http.Client

	observed atomic.Int64
}

func newRemote(cfg Config) *remote {
	return &remote{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

func (r *remote) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

func (r *remote) observe(vectors [][]float32) {
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		r.observed.CompareAndSwap(0, int64(len(vectors[0])))
	}
}

// Dimension returns the observed vector size, or the configured one before
// the first successful call.
func (r *remote) Dimension() int {
	if n := r.observed.Load(); n > 0 {
		return int(n)
	}
	return r.dimension
}

// OpenAIProvider talks to an OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	*remote
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	return &OpenAIProvider{remote: newRemote(cfg)}
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed embeds all texts in a single request.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp openAIResponse
	if err := p.post(ctx, "/embeddings", openAIRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	p.observe(out)
	return out, nil
}

// OllamaProvider talks to an Ollama-compatible /api/embeddings endpoint,
// one text per request.
type OllamaProvider struct {
	*remote
}

// NewOllamaProvider creates an Ollama-compatible provider.
func NewOllamaProvider(cfg Config) *OllamaProvider {
	return &OllamaProvider{remote: newRemote(cfg)}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed embeds each text in turn.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var resp ollamaResponse
		if err := p.post(ctx, "/api/embeddings", ollamaRequest{Model: p.model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Embedding)
	}
	p.observe(out)
	return out, nil
}
