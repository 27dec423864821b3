package lineage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

// Ancestor is one step up a unit's derivation chain.
type Ancestor struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Depth   int    `json:"depth"`
	Alive   bool   `json:"alive"`
}

// Graph records which knowledge was derived from which in Neo4j.
// Nodes are never deleted; dead units are flagged so ancestry survives them.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraph creates a lineage graph backed by Neo4j.
func NewGraph(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Name implements world.Sink.
func (g *Graph) Name() string { return "neo4j" }

// SaveUnit records a seed unit as a root node.
func (g *Graph) SaveUnit(ctx context.Context, u knowledge.Unit) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (k:Knowledge {id: $id})
		 ON CREATE SET k.content = $content, k.attention = $attention,
		               k.alive = true, k.born_tick = $tick, k.created_at = datetime()`,
		map[string]interface{}{
			"id":        u.ID,
			"content":   u.Content,
			"attention": u.Attention,
			"tick":      0,
		})
	if err != nil {
		return fmt.Errorf("save lineage node %s: %w", u.ID, err)
	}
	return nil
}

// OnEvolved implements world.Sink. It links newborns to their parents and
// flags the units removed this tick.
func (g *Graph) OnEvolved(ctx context.Context, r *world.Report) error {
	if len(r.Births) == 0 && len(r.DiedIDs) == 0 {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	if len(r.Births) > 0 {
		born := make(map[string]world.ValuedUnit, len(r.BornIDs))
		for _, u := range r.Born() {
			born[u.ID] = u
		}
		rows := make([]map[string]interface{}, 0, len(r.Births))
		for _, b := range r.Births {
			child := born[b.ChildID]
			rows = append(rows, map[string]interface{}{
				"parent":    b.ParentID,
				"child":     b.ChildID,
				"content":   child.Content,
				"attention": child.Attention,
			})
		}
		_, err := session.Run(ctx,
			`UNWIND $births AS b
			 MERGE (p:Knowledge {id: b.parent})
			 MERGE (c:Knowledge {id: b.child})
			 ON CREATE SET c.content = b.content, c.attention = b.attention,
			               c.alive = true, c.born_tick = $tick, c.created_at = datetime()
			 MERGE (c)-[:DERIVED_FROM]->(p)`,
			map[string]interface{}{"births": rows, "tick": r.Tick})
		if err != nil {
			return fmt.Errorf("record births tick %d: %w", r.Tick, err)
		}
	}

	if len(r.DiedIDs) > 0 {
		_, err := session.Run(ctx,
			`UNWIND $ids AS id
			 MATCH (k:Knowledge {id: id})
			 SET k.alive = false, k.died_tick = $tick`,
			map[string]interface{}{"ids": r.DiedIDs, "tick": r.Tick})
		if err != nil {
			return fmt.Errorf("record deaths tick %d: %w", r.Tick, err)
		}
	}

	g.logger.Debug("lineage updated",
		zap.Int("tick", r.Tick),
		zap.Int("births", len(r.Births)),
		zap.Int("deaths", len(r.DiedIDs)))
	return nil
}

// Ancestry walks DERIVED_FROM edges from id up to maxDepth hops, nearest first.
func (g *Graph) Ancestry(ctx context.Context, id string, maxDepth int) ([]Ancestor, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH path = (k:Knowledge {id: $id})-[:DERIVED_FROM*1..`+strconv.Itoa(maxDepth)+`]->(a:Knowledge)
		 RETURN a.id AS id, coalesce(a.content, '') AS content,
		        length(path) AS depth, coalesce(a.alive, false) AS alive
		 ORDER BY depth`,
		map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("ancestry %s: %w", id, err)
	}

	var out []Ancestor
	for result.Next(ctx) {
		rec := result.Record()
		a := Ancestor{}
		if v, ok := rec.Get("id"); ok && v != nil {
			a.ID = v.(string)
		}
		if v, ok := rec.Get("content"); ok && v != nil {
			a.Content = v.(string)
		}
		if v, ok := rec.Get("depth"); ok && v != nil {
			a.Depth = int(v.(int64))
		}
		if v, ok := rec.Get("alive"); ok && v != nil {
			a.Alive = v.(bool)
		}
		out = append(out, a)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("ancestry %s: %w", id, err)
	}
	return out, nil
}
