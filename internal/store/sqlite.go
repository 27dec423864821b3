package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

// SQLiteStore is the single-file Repository used when no PostgreSQL DSN is
// configured.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func migrateSQLite(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS knowledge_units (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			attention  REAL NOT NULL,
			age        INTEGER NOT NULL DEFAULT 0,
			parent_id  TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS evolution_ticks (
			tick        INTEGER PRIMARY KEY,
			world_time  TEXT NOT NULL,
			survived    INTEGER NOT NULL,
			died        INTEGER NOT NULL,
			born        INTEGER NOT NULL,
			population  INTEGER NOT NULL,
			total_value REAL NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

const sqliteInsertUnit = `
	INSERT INTO knowledge_units (id, content, attention, age, parent_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

const sqliteUpsertUnit = sqliteInsertUnit + `
	ON CONFLICT (id) DO UPDATE SET age = excluded.age`

// Name implements world.Sink.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// SaveUnit persists a freshly inserted unit; an existing row is kept as is.
func (s *SQLiteStore) SaveUnit(ctx context.Context, u knowledge.Unit) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertUnit+` ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Content, u.Attention, u.Age, u.ParentID, u.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save unit %s: %w", u.ID, err)
	}
	return nil
}

// OnEvolved implements world.Sink, writing the tick in one transaction. Rows
// not in the reported generation are removed.
func (s *SQLiteStore) OnEvolved(ctx context.Context, r *world.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick %d: %w", r.Tick, err)
	}
	defer tx.Rollback()

	if err := retainSQLite(ctx, tx, r.Population); err != nil {
		return fmt.Errorf("reconcile tick %d: %w", r.Tick, err)
	}
	for _, u := range r.Population {
		if _, err := tx.ExecContext(ctx, sqliteUpsertUnit,
			u.ID, u.Content, u.Attention, u.Age, u.ParentID, u.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("write unit %s: %w", u.ID, err)
		}
	}
	sum := r.Summary()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO evolution_ticks (tick, world_time, survived, died, born, population, total_value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.Tick, sum.WorldTime.UTC().Format(time.RFC3339Nano),
		sum.Survived, sum.Died, sum.Born, sum.Population, sum.TotalValue); err != nil {
		return fmt.Errorf("log tick %d: %w", r.Tick, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick %d: %w", r.Tick, err)
	}

	s.logger.Debug("tick persisted",
		zap.Int("tick", r.Tick),
		zap.Int("units", len(r.Population)),
		zap.Int("died", len(r.DiedIDs)))
	return nil
}

func retainSQLite(ctx context.Context, tx *sql.Tx, live []world.ValuedUnit) error {
	ids := make([]string, len(live))
	for i, u := range live {
		ids[i] = u.ID
	}
	keep, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM knowledge_units WHERE id NOT IN (SELECT value FROM json_each(?))`, string(keep))
	return err
}

// Load returns the persisted population and the last recorded tick.
func (s *SQLiteStore) Load(ctx context.Context) ([]knowledge.Unit, int, error) {
	var tick int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(tick), 0) FROM evolution_ticks`).Scan(&tick); err != nil {
		return nil, 0, fmt.Errorf("load tick: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, attention, age, parent_id, created_at
		FROM knowledge_units
		ORDER BY seq`)
	if err != nil {
		return nil, 0, fmt.Errorf("load units: %w", err)
	}
	defer rows.Close()

	var units []knowledge.Unit
	for rows.Next() {
		var (
			u       knowledge.Unit
			created string
		)
		if err := rows.Scan(&u.ID, &u.Content, &u.Attention, &u.Age, &u.ParentID, &created); err != nil {
			return nil, 0, fmt.Errorf("scan unit: %w", err)
		}
		if u.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, 0, fmt.Errorf("unit %s created_at: %w", u.ID, err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("load units: %w", err)
	}
	return units, tick, nil
}

// ListTicks returns the most recent tick log entries, newest first.
func (s *SQLiteStore) ListTicks(ctx context.Context, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, world_time, survived, died, born, population, total_value
		FROM evolution_ticks
		ORDER BY tick DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var (
			t  TickRow
			wt string
		)
		if err := rows.Scan(&t.Tick, &wt, &t.Survived, &t.Died, &t.Born, &t.Population, &t.TotalValue); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		if t.WorldTime, err = time.Parse(time.RFC3339Nano, wt); err != nil {
			return nil, fmt.Errorf("tick %d world_time: %w", t.Tick, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
