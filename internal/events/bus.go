package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

// Stream is the Redis stream evolution events are appended to.
const Stream = "ulp:evolution"

// streamMaxLen caps the stream; trimming is approximate.
const streamMaxLen = 10000

// TickEvent is the message published for every evolution tick.
type TickEvent struct {
	Tick        int                `json:"tick"`
	WorldTime   time.Time          `json:"world_time"`
	SurvivedIDs []string           `json:"survived_ids"`
	DiedIDs     []string           `json:"died_ids"`
	BornIDs     []string           `json:"born_ids"`
	Births      []knowledge.Birth  `json:"births"`
	Values      map[string]float64 `json:"values"`
	TotalValue  float64            `json:"total_value"`
}

// NewTickEvent flattens a report into its wire form.
func NewTickEvent(r *world.Report) *TickEvent {
	values := make(map[string]float64, len(r.Population))
	for _, u := range r.Population {
		values[u.ID] = u.Value
	}
	return &TickEvent{
		Tick:        r.Tick,
		WorldTime:   r.WorldTime,
		SurvivedIDs: r.SurvivedIDs,
		DiedIDs:     r.DiedIDs,
		BornIDs:     r.BornIDs,
		Births:      r.Births,
		Values:      values,
		TotalValue:  r.TotalValue,
	}
}

// Bus publishes evolution events to consumers via Redis Streams.
type Bus struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewBus creates a Redis-backed event bus.
func NewBus(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, stream: Stream, logger: logger}, nil
}

// Name implements world.Sink.
func (b *Bus) Name() string { return "redis" }

// OnEvolved implements world.Sink.
func (b *Bus) OnEvolved(ctx context.Context, r *world.Report) error {
	return b.Publish(ctx, NewTickEvent(r))
}

// Publish appends an event to the stream.
func (b *Bus) Publish(ctx context.Context, ev *TickEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"tick": ev.Tick,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published tick event",
		zap.String("stream", b.stream),
		zap.Int("tick", ev.Tick))
	return nil
}

// Subscribe streams events appended after the call. Cancel ctx to stop;
// the returned channel is closed when the reader exits.
func (b *Bus) Subscribe(ctx context.Context) <-chan *TickEvent {
	return b.subscribeFrom(ctx, "$")
}

// Replay streams every retained event from the beginning, then follows new ones.
func (b *Bus) Replay(ctx context.Context) <-chan *TickEvent {
	return b.subscribeFrom(ctx, "0")
}

func (b *Bus) subscribeFrom(ctx context.Context, lastID string) <-chan *TickEvent {
	ch := make(chan *TickEvent, 16)

	go func() {
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("event stream read failed", zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev TickEvent
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
