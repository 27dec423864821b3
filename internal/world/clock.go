package world

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClockListener receives world tick events.
type ClockListener interface {
	OnTick(worldTime time.Time)
}

// WorldClock drives evolution with a configurable tick rate and time speed.
type WorldClock struct {
	speed     float64 // time multiplier, 1.0 = realtime
	interval  time.Duration
	listeners []ClockListener
	worldTime time.Time
	ticks     int64
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewWorldClock creates a clock with the given tick interval and speed multiplier.
func NewWorldClock(interval time.Duration, speed float64, logger *zap.Logger) *WorldClock {
	return &WorldClock{
		speed:     speed,
		interval:  interval,
		worldTime: time.Now(),
		logger:    logger,
	}
}

// AddListener registers a tick listener.
func (c *WorldClock) AddListener(l ClockListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// WorldTime returns the current simulated world time.
func (c *WorldClock) WorldTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worldTime
}

// Ticks returns how many clock ticks have fired.
func (c *WorldClock) Ticks() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticks
}

// Speed returns the time multiplier.
func (c *WorldClock) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// SetSpeed changes the time multiplier.
func (c *WorldClock) SetSpeed(speed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = speed
}

// Running reports whether the tick loop is active.
func (c *WorldClock) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancel != nil
}

// Start begins the tick loop in a background goroutine.
func (c *WorldClock) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, done)
	c.logger.Info("world clock started",
		zap.Duration("interval", c.interval),
		zap.Float64("speed", c.Speed()))
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (c *WorldClock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("world clock stopped")
}

// Step advances the clock by one tick synchronously.
func (c *WorldClock) Step() {
	c.tick()
}

func (c *WorldClock) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *WorldClock) tick() {
	c.mu.Lock()
	c.worldTime = c.worldTime.Add(
		time.Duration(float64(c.interval) * c.speed),
	)
	c.ticks++
	wt := c.worldTime
	listeners := make([]ClockListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTick(wt)
	}
}
