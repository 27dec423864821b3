package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

func TestNewTickEvent(t *testing.T) {
	wt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &world.Report{
		TickResult: knowledge.TickResult{
			Tick:        3,
			SurvivedIDs: []string{"a", "b"},
			DiedIDs:     []string{"c"},
			BornIDs:     []string{"d"},
			Births:      []knowledge.Birth{{ParentID: "a", ChildID: "d"}},
		},
		WorldTime: wt,
		Population: []world.ValuedUnit{
			{Unit: knowledge.Unit{ID: "a"}, Value: 0.5},
			{Unit: knowledge.Unit{ID: "b"}, Value: 0.25},
			{Unit: knowledge.Unit{ID: "d"}, Value: 0.1},
		},
		TotalValue: 0.85,
	}

	ev := NewTickEvent(r)
	assert.Equal(t, 3, ev.Tick)
	assert.Equal(t, wt, ev.WorldTime)
	assert.Equal(t, []string{"c"}, ev.DiedIDs)
	assert.Equal(t, []knowledge.Birth{{ParentID: "a", ChildID: "d"}}, ev.Births)
	assert.Equal(t, map[string]float64{"a": 0.5, "b": 0.25, "d": 0.1}, ev.Values)
	assert.InDelta(t, 0.85, ev.TotalValue, 1e-9)
}

func TestNewTickEventEmptyPopulation(t *testing.T) {
	ev := NewTickEvent(&world.Report{TickResult: knowledge.TickResult{Tick: 1, DiedIDs: []string{"x"}}})
	require.NotNil(t, ev.Values)
	assert.Empty(t, ev.Values)
}

func TestNewBusRejectsBadURL(t *testing.T) {
	_, err := NewBus(context.Background(), "not a url", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}
