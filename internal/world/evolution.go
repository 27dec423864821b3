package world

import (
	"context"
	"sync"
	"time"

	"github.com/ulp/living-knowledge/internal/knowledge"
	"go.uber.org/zap"
)

// sinkTimeout bounds how long a single sink may take to absorb a report.
const sinkTimeout = 30 * time.Second

// defaultHistory is the number of report summaries kept in memory.
const defaultHistory = 100

// Sink consumes evolution reports (persistence, lineage, events, index, notifications).
type Sink interface {
	Name() string
	OnEvolved(ctx context.Context, r *Report) error
}

// ValuedUnit is a unit together with its derived value at report time.
type ValuedUnit struct {
	knowledge.Unit
	Value float64 `json:"value"`
}

// Report is the outcome of one evolution tick.
type Report struct {
	knowledge.TickResult
	WorldTime  time.Time    `json:"world_time"`
	Population []ValuedUnit `json:"population"`
	TotalValue float64      `json:"total_value"`
}

// Summary is the compact form of a Report kept in history.
type Summary struct {
	Tick       int       `json:"tick"`
	WorldTime  time.Time `json:"world_time"`
	Survived   int       `json:"survived"`
	Died       int       `json:"died"`
	Born       int       `json:"born"`
	Population int       `json:"population"`
	TotalValue float64   `json:"total_value"`
}

// Summary returns the compact form of the report.
func (r *Report) Summary() Summary {
	return Summary{
		Tick:       r.Tick,
		WorldTime:  r.WorldTime,
		Survived:   len(r.SurvivedIDs),
		Died:       len(r.DiedIDs),
		Born:       len(r.BornIDs),
		Population: len(r.Population),
		TotalValue: r.TotalValue,
	}
}

// Born returns the newborn units of the report.
func (r *Report) Born() []ValuedUnit {
	if len(r.BornIDs) == 0 {
		return nil
	}
	born := make(map[string]struct{}, len(r.BornIDs))
	for _, id := range r.BornIDs {
		born[id] = struct{}{}
	}
	out := make([]ValuedUnit, 0, len(r.BornIDs))
	for _, u := range r.Population {
		if _, ok := born[u.ID]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Valued attaches derived values to a snapshot.
func Valued(units []knowledge.Unit) ([]ValuedUnit, float64) {
	out := make([]ValuedUnit, len(units))
	total := 0.0
	for i, u := range units {
		v := knowledge.ValueOf(u)
		out[i] = ValuedUnit{Unit: u, Value: v}
		total += v
	}
	return out, total
}

// Evolver is a ClockListener that advances the population and fans out reports.
// Evolutions are serialized, sinks included: a clock tick and a manual
// EvolveNow never overlap, so sinks observe reports in tick order.
type Evolver struct {
	pop      *knowledge.Population
	every    time.Duration // world-time between evolutions, 0 = every clock tick
	lastTick time.Time
	sinks    []Sink
	history  []Summary
	maxHist  int
	clock    *WorldClock

	tickMu sync.Mutex
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewEvolver creates an evolver for pop.
func NewEvolver(pop *knowledge.Population, every time.Duration, logger *zap.Logger) *Evolver {
	return &Evolver{
		pop:     pop,
		every:   every,
		maxHist: defaultHistory,
		logger:  logger,
	}
}

// SetHistoryLimit bounds the number of summaries kept in memory.
func (e *Evolver) SetHistoryLimit(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxHist = n
	if len(e.history) > n {
		e.history = e.history[len(e.history)-n:]
	}
}

// AttachClock lets manual evolutions stamp reports with world time.
func (e *Evolver) AttachClock(c *WorldClock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = c
}

// AddSink registers a report consumer.
func (e *Evolver) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
	e.logger.Info("evolution sink registered", zap.String("sink", s.Name()))
}

// Sinks returns the names of registered sinks.
func (e *Evolver) Sinks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.sinks))
	for i, s := range e.sinks {
		names[i] = s.Name()
	}
	return names
}

// OnTick implements ClockListener.
func (e *Evolver) OnTick(worldTime time.Time) {
	e.mu.Lock()
	if e.every > 0 {
		if e.lastTick.IsZero() {
			e.lastTick = worldTime
			e.mu.Unlock()
			return
		}
		if worldTime.Sub(e.lastTick) < e.every {
			e.mu.Unlock()
			return
		}
	}
	e.lastTick = worldTime
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	e.evolve(ctx, worldTime)
}

// EvolveNow forces one evolution regardless of the interval.
func (e *Evolver) EvolveNow(ctx context.Context) *Report {
	e.mu.RLock()
	c := e.clock
	e.mu.RUnlock()

	wt := time.Now()
	if c != nil {
		wt = c.WorldTime()
	}
	return e.evolve(ctx, wt)
}

// Between runs fn while no evolution is in flight, so whatever fn reads and
// hands to sinks cannot be overtaken by a tick.
func (e *Evolver) Between(fn func()) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	fn()
}

func (e *Evolver) evolve(ctx context.Context, worldTime time.Time) *Report {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	res, units := e.pop.Advance()
	valued, total := Valued(units)

	r := &Report{
		TickResult: res,
		WorldTime:  worldTime,
		Population: valued,
		TotalValue: total,
	}

	e.mu.Lock()
	e.history = append(e.history, r.Summary())
	if len(e.history) > e.maxHist {
		e.history = e.history[len(e.history)-e.maxHist:]
	}
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	// State is already committed; a failing sink only loses its own copy.
	for _, s := range sinks {
		if err := s.OnEvolved(ctx, r); err != nil {
			e.logger.Warn("evolution sink failed",
				zap.String("sink", s.Name()),
				zap.Int("tick", r.Tick),
				zap.Error(err))
		}
	}
	return r
}

// History returns up to limit most recent summaries, oldest first.
func (e *Evolver) History(limit int) []Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]Summary, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}
