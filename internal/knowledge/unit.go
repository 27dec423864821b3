package knowledge

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a unit id is not part of the live population.
var ErrNotFound = errors.New("knowledge unit not found")

// Unit is a single knowledge record in the population.
type Unit struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Attention float64   `json:"attention"`
	Age       int       `json:"age"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fate is the outcome of classifying a unit for one tick.
type Fate int

const (
	Die Fate = iota
	Live
	Reproduce
)

func (f Fate) String() string {
	switch f {
	case Die:
		return "die"
	case Live:
		return "live"
	case Reproduce:
		return "reproduce"
	}
	return "unknown"
}

// Birth links a newborn unit to the parent that produced it.
type Birth struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

// TickResult describes what happened to the population during one tick.
type TickResult struct {
	Tick        int      `json:"tick"`
	SurvivedIDs []string `json:"survived_ids"`
	DiedIDs     []string `json:"died_ids"`
	BornIDs     []string `json:"born_ids"`
	Births      []Birth  `json:"births"`
}
