package world

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// breakerTrips is the number of consecutive failures that opens a sink's breaker.
const breakerTrips = 3

// breakerCooldown is how long an open breaker rejects reports before probing.
const breakerCooldown = 30 * time.Second

// GuardedSink wraps a Sink in a circuit breaker so an unreachable backend
// stops costing a timeout on every tick.
type GuardedSink struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// Guard returns s behind a circuit breaker.
func Guard(s Sink, logger *zap.Logger) *GuardedSink {
	return guardWith(s, breakerCooldown, logger)
}

func guardWith(s Sink, cooldown time.Duration, logger *zap.Logger) *GuardedSink {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sink breaker state changed",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &GuardedSink{sink: s, cb: cb}
}

// Name implements Sink.
func (g *GuardedSink) Name() string { return g.sink.Name() }

// OnEvolved implements Sink. While the breaker is open the report is
// dropped and gobreaker.ErrOpenState returned.
func (g *GuardedSink) OnEvolved(ctx context.Context, r *Report) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.sink.OnEvolved(ctx, r)
	})
	return err
}

// State reports the breaker state ("closed", "half-open" or "open").
func (g *GuardedSink) State() string {
	return g.cb.State().String()
}
