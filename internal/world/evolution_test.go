package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ulp/living-knowledge/internal/knowledge"
	"go.uber.org/zap"
)

type captureSink struct {
	name    string
	err     error
	mu      sync.Mutex
	reports []*Report
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) OnEvolved(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func seeded(attentions ...float64) *knowledge.Population {
	n := 0
	p := knowledge.NewPopulation(knowledge.WithIDFunc(func() string {
		n++
		return fmt.Sprintf("u%d", n)
	}))
	for i, a := range attentions {
		p.InsertWithAttention(fmt.Sprintf("fact %d", i), a)
	}
	return p
}

func TestEvolveNowReport(t *testing.T) {
	pop := seeded(0.9, 0.9, 0.9, 0.9)
	ev := NewEvolver(pop, 0, zap.NewNop())
	sink := &captureSink{name: "capture"}
	ev.AddSink(sink)

	r := ev.EvolveNow(context.Background())
	if r.Tick != 1 {
		t.Fatalf("tick = %d, want 1", r.Tick)
	}
	if len(r.Population) != 8 {
		t.Fatalf("population = %d, want 8", len(r.Population))
	}
	born := r.Born()
	if len(born) != 4 {
		t.Fatalf("born = %d, want 4", len(born))
	}
	for _, b := range born {
		if b.Age != 0 || b.ParentID == "" {
			t.Errorf("unexpected newborn %+v", b)
		}
	}

	want := 0.0
	for _, u := range r.Population {
		want += knowledge.ValueOf(u.Unit)
		if u.Value != knowledge.ValueOf(u.Unit) {
			t.Errorf("unit %s value %v, want %v", u.ID, u.Value, knowledge.ValueOf(u.Unit))
		}
	}
	if r.TotalValue != want {
		t.Errorf("total value %v, want %v", r.TotalValue, want)
	}
	if len(sink.reports) != 1 || sink.reports[0] != r {
		t.Fatalf("sink received %d reports", len(sink.reports))
	}
}

func TestSinkFailureDoesNotStopFanOut(t *testing.T) {
	ev := NewEvolver(seeded(0.5), 0, zap.NewNop())
	bad := &captureSink{name: "bad", err: errors.New("boom")}
	good := &captureSink{name: "good"}
	ev.AddSink(bad)
	ev.AddSink(good)

	r := ev.EvolveNow(context.Background())
	if len(r.DiedIDs) != 1 {
		t.Fatalf("died = %d, want 1", len(r.DiedIDs))
	}
	if len(good.reports) != 1 {
		t.Fatalf("good sink received %d reports, want 1", len(good.reports))
	}
	if got := ev.Sinks(); len(got) != 2 || got[0] != "bad" || got[1] != "good" {
		t.Errorf("sinks = %v", got)
	}
}

func TestOnTickRespectsInterval(t *testing.T) {
	pop := seeded(0.9, 0.9, 0.9)
	ev := NewEvolver(pop, time.Minute, zap.NewNop())

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev.OnTick(t0)                       // arms the interval
	ev.OnTick(t0.Add(30 * time.Second)) // too early
	if pop.TickCount() != 0 {
		t.Fatalf("evolved too early: tick %d", pop.TickCount())
	}
	ev.OnTick(t0.Add(time.Minute))
	if pop.TickCount() != 1 {
		t.Fatalf("tick = %d, want 1", pop.TickCount())
	}
	ev.OnTick(t0.Add(90 * time.Second))
	if pop.TickCount() != 1 {
		t.Fatalf("tick = %d, want 1", pop.TickCount())
	}
}

func TestOnTickEveryClockTick(t *testing.T) {
	pop := seeded(0.9, 0.9, 0.9)
	ev := NewEvolver(pop, 0, zap.NewNop())
	clock := NewWorldClock(time.Second, 1, zap.NewNop())
	clock.AddListener(ev)
	ev.AttachClock(clock)

	clock.Step()
	clock.Step()
	if pop.TickCount() != 2 {
		t.Fatalf("tick = %d, want 2", pop.TickCount())
	}
	h := ev.History(0)
	if len(h) != 2 || h[0].Tick != 1 || h[1].Tick != 2 {
		t.Fatalf("history = %+v", h)
	}
	if !h[1].WorldTime.After(h[0].WorldTime) {
		t.Errorf("world time did not advance: %v -> %v", h[0].WorldTime, h[1].WorldTime)
	}
}

func TestHistoryBounded(t *testing.T) {
	ev := NewEvolver(seeded(), 0, zap.NewNop())
	ev.SetHistoryLimit(3)
	for i := 0; i < 5; i++ {
		ev.EvolveNow(context.Background())
	}
	h := ev.History(10)
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if h[0].Tick != 3 || h[2].Tick != 5 {
		t.Errorf("history ticks = %d..%d, want 3..5", h[0].Tick, h[2].Tick)
	}
	if got := ev.History(1); len(got) != 1 || got[0].Tick != 5 {
		t.Errorf("History(1) = %+v", got)
	}
}

func TestConcurrentEvolutionsSerialize(t *testing.T) {
	pop := seeded(0.9, 0.9, 0.9)
	ev := NewEvolver(pop, 0, zap.NewNop())
	sink := &captureSink{name: "order"}
	ev.AddSink(sink)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev.EvolveNow(context.Background())
		}()
	}
	wg.Wait()

	if len(sink.reports) != 10 {
		t.Fatalf("reports = %d, want 10", len(sink.reports))
	}
	for i, r := range sink.reports {
		if r.Tick != i+1 {
			t.Fatalf("report %d has tick %d", i, r.Tick)
		}
	}
}

func TestBetweenHoldsOffEvolution(t *testing.T) {
	pop := seeded(0.5, 0.5, 0.5)
	ev := NewEvolver(pop, 0, zap.NewNop())

	done := make(chan struct{})
	var ticksInside int
	ev.Between(func() {
		go func() {
			ev.EvolveNow(context.Background())
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		ticksInside = pop.TickCount()
	})
	<-done

	if ticksInside != 0 {
		t.Errorf("evolution ran inside Between: tick count %d", ticksInside)
	}
	if pop.TickCount() != 1 {
		t.Errorf("tick count after Between = %d, want 1", pop.TickCount())
	}
}
