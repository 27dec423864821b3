package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

// TickRow is one entry of the persisted evolution log.
type TickRow struct {
	Tick       int       `json:"tick"`
	WorldTime  time.Time `json:"world_time"`
	Survived   int       `json:"survived"`
	Died       int       `json:"died"`
	Born       int       `json:"born"`
	Population int       `json:"population"`
	TotalValue float64   `json:"total_value"`
}

const insertUnitSQL = `
	INSERT INTO knowledge_units (id, content, attention, age, parent_id, created_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`

// Only a tick may move an age forward.
const upsertUnitSQL = insertUnitSQL + `
	ON CONFLICT (id) DO UPDATE SET age = EXCLUDED.age`

// SaveUnit persists a freshly inserted unit. A unit already stored is left
// untouched, so a stale copy can never rewind its age.
func (s *Store) SaveUnit(ctx context.Context, u knowledge.Unit) error {
	_, err := s.db.Exec(ctx, insertUnitSQL+` ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Content, u.Attention, u.Age, u.ParentID, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("save unit %s: %w", u.ID, err)
	}
	return nil
}

// OnEvolved implements world.Sink. The stored units are made to match the
// reported generation exactly, so deaths from ticks this store never saw are
// removed too. Everything is written in one transaction.
func (s *Store) OnEvolved(ctx context.Context, r *world.Report) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tick %d: %w", r.Tick, err)
	}
	defer tx.Rollback(ctx)

	live := make([]string, len(r.Population))
	for i, u := range r.Population {
		live[i] = u.ID
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM knowledge_units WHERE id <> ALL($1)`, live)
	for _, u := range r.Population {
		batch.Queue(upsertUnitSQL,
			u.ID, u.Content, u.Attention, u.Age, u.ParentID, u.CreatedAt)
	}
	sum := r.Summary()
	batch.Queue(`
		INSERT INTO evolution_ticks (tick, world_time, survived, died, born, population, total_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tick) DO NOTHING`,
		sum.Tick, sum.WorldTime, sum.Survived, sum.Died, sum.Born, sum.Population, sum.TotalValue)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write tick %d: %w", r.Tick, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tick %d: %w", r.Tick, err)
	}

	s.logger.Debug("tick persisted",
		zap.Int("tick", r.Tick),
		zap.Int("units", len(r.Population)),
		zap.Int("died", len(r.DiedIDs)))
	return nil
}

// Load returns the persisted population and the last recorded tick.
func (s *Store) Load(ctx context.Context) ([]knowledge.Unit, int, error) {
	var tick int
	err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(tick), 0) FROM evolution_ticks`).Scan(&tick)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("load tick: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, content, attention, age, COALESCE(parent_id, ''), created_at
		FROM knowledge_units
		ORDER BY seq`)
	if err != nil {
		return nil, 0, fmt.Errorf("load units: %w", err)
	}
	defer rows.Close()

	var units []knowledge.Unit
	for rows.Next() {
		var u knowledge.Unit
		if err := rows.Scan(&u.ID, &u.Content, &u.Attention, &u.Age, &u.ParentID, &u.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("load units: %w", err)
	}
	return units, tick, nil
}

// ListTicks returns the most recent tick log entries, newest first.
func (s *Store) ListTicks(ctx context.Context, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT tick, world_time, survived, died, born, population, total_value
		FROM evolution_ticks
		ORDER BY tick DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var t TickRow
		if err := rows.Scan(&t.Tick, &t.WorldTime, &t.Survived, &t.Died, &t.Born, &t.Population, &t.TotalValue); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
