package knowledge

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures a Population.
type Option func(*Population)

// WithRand sets the random source used for default attention.
func WithRand(r *rand.Rand) Option {
	return func(p *Population) { p.rng = r }
}

// WithIDFunc overrides unit id generation.
func WithIDFunc(fn func() string) Option {
	return func(p *Population) { p.newID = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(p *Population) { p.now = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Population) { p.logger = logger }
}

// Population owns the alive knowledge units and the tick counter.
type Population struct {
	units []Unit
	index map[string]int // id -> position in units
	tick  int

	rng    *rand.Rand
	newID  func() string
	now    func() time.Time
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewPopulation creates an empty population.
func NewPopulation(opts ...Option) *Population {
	p := &Population{
		index:  make(map[string]int),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		newID:  uuid.NewString,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Insert adds a seed unit with attention drawn uniformly from [0,1).
func (p *Population) Insert(content string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(content, p.rng.Float64()).ID
}

// InsertWithAttention adds a seed unit with the given attention.
func (p *Population) InsertWithAttention(content string, attention float64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(content, attention).ID
}

// Admit inserts a seed unit and returns it as created. A nil attention is
// drawn from the random source.
func (p *Population) Admit(content string, attention *float64) Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if attention == nil {
		return p.insertLocked(content, p.rng.Float64())
	}
	return p.insertLocked(content, *attention)
}

func (p *Population) insertLocked(content string, attention float64) Unit {
	u := Unit{
		ID:        p.newID(),
		Content:   content,
		Attention: attention,
		CreatedAt: p.now(),
	}
	p.index[u.ID] = len(p.units)
	p.units = append(p.units, u)
	p.logger.Debug("knowledge inserted",
		zap.String("id", u.ID),
		zap.Float64("attention", attention))
	return u
}

// Tick runs one evolution step and swaps in the next generation.
// Every unit is classified against the population as it stood when the tick
// began; children born in this tick are not neighbors of anyone until the next.
func (p *Population) Tick() TickResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickLocked()
}

// Advance runs one tick and returns the resulting generation, captured
// without letting a concurrent Insert slip in between.
func (p *Population) Advance() (TickResult, []Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.tickLocked()
	out := make([]Unit, len(p.units))
	copy(out, p.units)
	return res, out
}

func (p *Population) tickLocked() TickResult {
	relevant := 0
	for _, u := range p.units {
		if isRelevant(u.Attention) {
			relevant++
		}
	}

	p.tick++
	res := TickResult{
		Tick:        p.tick,
		SurvivedIDs: []string{},
		DiedIDs:     []string{},
		BornIDs:     []string{},
		Births:      []Birth{},
	}

	next := make([]Unit, 0, len(p.units))
	var children []Unit
	for _, u := range p.units {
		n := relevant
		if isRelevant(u.Attention) {
			n-- // a unit is not its own neighbor
		}

		fate := ClassifyCount(u.Attention, n)
		if fate == Die {
			res.DiedIDs = append(res.DiedIDs, u.ID)
			continue
		}

		u.Age++
		next = append(next, u)
		res.SurvivedIDs = append(res.SurvivedIDs, u.ID)

		if fate == Reproduce {
			child := offspring(u)
			child.ID = p.newID()
			child.CreatedAt = p.now()
			children = append(children, child)
			res.BornIDs = append(res.BornIDs, child.ID)
			res.Births = append(res.Births, Birth{ParentID: u.ID, ChildID: child.ID})
		}
	}
	next = append(next, children...)

	p.units = next
	p.reindexLocked()

	p.logger.Info("population evolved",
		zap.Int("tick", res.Tick),
		zap.Int("survived", len(res.SurvivedIDs)),
		zap.Int("died", len(res.DiedIDs)),
		zap.Int("born", len(res.BornIDs)),
		zap.Int("population", len(p.units)))
	return res
}

// Snapshot returns a copy of the alive units in stable order.
func (p *Population) Snapshot() []Unit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Unit, len(p.units))
	copy(out, p.units)
	return out
}

// Get returns a copy of the unit with the given id.
func (p *Population) Get(id string) (Unit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.index[id]
	if !ok {
		return Unit{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return p.units[i], nil
}

// ValueOf returns the derived value of an alive unit.
func (p *Population) ValueOf(id string) (float64, error) {
	u, err := p.Get(id)
	if err != nil {
		return 0, err
	}
	return ValueOf(u), nil
}

// TickCount returns the number of ticks run so far.
func (p *Population) TickCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tick
}

// Len returns the number of alive units.
func (p *Population) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.units)
}

// Restore replaces the population with previously persisted state.
// Units with duplicate ids are dropped, keeping the first occurrence.
func (p *Population) Restore(units []Unit, tick int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(units))
	restored := make([]Unit, 0, len(units))
	for _, u := range units {
		if _, dup := seen[u.ID]; dup {
			p.logger.Warn("dropping duplicate unit on restore", zap.String("id", u.ID))
			continue
		}
		seen[u.ID] = struct{}{}
		restored = append(restored, u)
	}
	p.units = restored
	p.tick = tick
	p.reindexLocked()
	p.logger.Info("population restored",
		zap.Int("units", len(p.units)),
		zap.Int("tick", tick))
}

func (p *Population) reindexLocked() {
	p.index = make(map[string]int, len(p.units))
	for i, u := range p.units {
		p.index[u.ID] = i
	}
}
