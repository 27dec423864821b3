package index

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ulp/living-knowledge/internal/embedding"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/vectorstore"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

// DefaultCollection is the Qdrant collection holding alive knowledge.
const DefaultCollection = "living_knowledge"

// VectorStore is the subset of the Qdrant client the index needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
	Retain(ctx context.Context, collection string, keep []string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]*vectorstore.SearchResult, error)
}

// Hit is a search result over alive knowledge.
type Hit struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	ParentID  string  `json:"parent_id,omitempty"`
	Attention float64 `json:"attention"`
	Score     float32 `json:"score"`
}

// Index keeps a semantic copy of the alive population. Each report is
// reconciled in full: points outside the generation are dropped and alive
// units not yet indexed are embedded, so a missed report heals on the next.
type Index struct {
	store      VectorStore
	embedder   embedding.Provider
	collection string

	mu      sync.Mutex
	indexed map[string]struct{}
	logger  *zap.Logger
}

// New creates an index and makes sure its collection exists.
func New(ctx context.Context, store VectorStore, embedder embedding.Provider, collection string, logger *zap.Logger) (*Index, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if err := store.EnsureCollection(ctx, collection, uint64(embedder.Dimension())); err != nil {
		return nil, err
	}
	return &Index{
		store:      store,
		embedder:   embedder,
		collection: collection,
		indexed:    make(map[string]struct{}),
		logger:     logger,
	}, nil
}

// Name implements world.Sink.
func (ix *Index) Name() string { return "qdrant" }

// SaveUnit indexes a freshly inserted unit.
func (ix *Index) SaveUnit(ctx context.Context, u knowledge.Unit) error {
	return ix.upsert(ctx, []knowledge.Unit{u})
}

// OnEvolved implements world.Sink.
func (ix *Index) OnEvolved(ctx context.Context, r *world.Report) error {
	live := make([]string, len(r.Population))
	for i, u := range r.Population {
		live[i] = u.ID
	}
	if err := ix.store.Retain(ctx, ix.collection, live); err != nil {
		return err
	}

	ix.mu.Lock()
	alive := make(map[string]struct{}, len(live))
	var missing []knowledge.Unit
	for _, u := range r.Population {
		alive[u.ID] = struct{}{}
		if _, ok := ix.indexed[u.ID]; !ok {
			missing = append(missing, u.Unit)
		}
	}
	for id := range ix.indexed {
		if _, ok := alive[id]; !ok {
			delete(ix.indexed, id)
		}
	}
	ix.mu.Unlock()

	return ix.upsert(ctx, missing)
}

func (ix *Index) upsert(ctx context.Context, units []knowledge.Unit) error {
	if len(units) == 0 {
		return nil
	}
	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.Content
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d units: %w", len(units), err)
	}

	points := make([]vectorstore.Point, len(units))
	for i, u := range units {
		points[i] = vectorstore.Point{
			ID:     u.ID,
			Vector: vectors[i],
			Payload: map[string]string{
				"content":   u.Content,
				"parent_id": u.ParentID,
				"attention": strconv.FormatFloat(u.Attention, 'g', -1, 64),
			},
		}
	}
	if err := ix.store.Upsert(ctx, ix.collection, points); err != nil {
		return err
	}
	ix.mu.Lock()
	for _, u := range units {
		ix.indexed[u.ID] = struct{}{}
	}
	ix.mu.Unlock()
	ix.logger.Debug("knowledge indexed", zap.Int("units", len(units)))
	return nil
}

// Search returns the k alive units closest to query.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	results, err := ix.store.Search(ctx, ix.collection, vectors[0], uint64(k))
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		att, _ := strconv.ParseFloat(r.Payload["attention"], 64)
		hits = append(hits, Hit{
			ID:        r.ID,
			Content:   r.Payload["content"],
			ParentID:  r.Payload["parent_id"],
			Attention: att,
			Score:     r.Score,
		})
	}
	return hits, nil
}
