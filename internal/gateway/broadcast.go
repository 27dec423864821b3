package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

const (
	maxHistory     = 200
	maxListedUnits = 5
)

// Broadcaster turns evolution reports into digests and fans them out.
type Broadcaster struct {
	notifiers   map[string]Notifier
	onlyChanges bool
	history     []DigestRecord
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewBroadcaster creates a broadcaster. With onlyChanges set, ticks without
// births or deaths are not announced.
func NewBroadcaster(onlyChanges bool, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		notifiers:   make(map[string]Notifier),
		onlyChanges: onlyChanges,
		logger:      logger,
	}
}

// Register adds a notifier, replacing any previous one for the same platform.
func (b *Broadcaster) Register(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers[n.Platform()] = n
	b.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Platforms returns the registered platform names, sorted.
func (b *Broadcaster) Platforms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.notifiers))
	for p := range b.notifiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Name implements world.Sink.
func (b *Broadcaster) Name() string { return "gateway" }

// OnEvolved implements world.Sink.
func (b *Broadcaster) OnEvolved(ctx context.Context, r *world.Report) error {
	if b.onlyChanges && len(r.BornIDs) == 0 && len(r.DiedIDs) == 0 {
		return nil
	}
	return b.Send(ctx, FormatDigest(r))
}

// Send delivers a digest to all or selected platforms. Every target is
// attempted; the returned error joins the individual failures.
func (b *Broadcaster) Send(ctx context.Context, d *Digest) error {
	if d.Type == "" {
		return fmt.Errorf("digest type is required")
	}

	b.mu.RLock()
	targets := make([]Notifier, 0, len(b.notifiers))
	if len(d.Platforms) == 0 {
		for _, n := range b.notifiers {
			targets = append(targets, n)
		}
	} else {
		for _, p := range d.Platforms {
			if n, ok := b.notifiers[p]; ok {
				targets = append(targets, n)
			}
		}
	}
	b.mu.RUnlock()

	var errs []error
	var sent []string
	for _, n := range targets {
		if err := n.Notify(ctx, d); err != nil {
			b.logger.Error("digest delivery failed",
				zap.String("platform", n.Platform()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
			continue
		}
		sent = append(sent, n.Platform())
	}
	sort.Strings(sent)

	b.logger.Info("digest sent",
		zap.String("type", string(d.Type)),
		zap.Int("tick", d.Tick),
		zap.Strings("targets", sent))

	b.mu.Lock()
	b.history = append(b.history, DigestRecord{Digest: d, SentAt: time.Now(), Targets: sent})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.mu.Unlock()

	return errors.Join(errs...)
}

// Announce sends a service announcement to every platform.
func (b *Broadcaster) Announce(ctx context.Context, title, content string) error {
	return b.Send(ctx, &Digest{Type: DigestAnnouncement, Title: title, Content: content})
}

// History returns recent digest records.
func (b *Broadcaster) History(limit int) []DigestRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]DigestRecord, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// Close closes every notifier.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, n := range b.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatDigest renders a report as plain chat text.
func FormatDigest(r *world.Report) *Digest {
	d := &Digest{
		Type: DigestEvolution,
		Tick: r.Tick,
	}
	if len(r.Population) == 0 && len(r.DiedIDs) > 0 {
		d.Type = DigestExtinction
	}
	d.Title = fmt.Sprintf("Tick %d: %d survived, %d died, %d born",
		r.Tick, len(r.SurvivedIDs), len(r.DiedIDs), len(r.BornIDs))

	var sb strings.Builder
	fmt.Fprintf(&sb, "population %d, total value %.3f", len(r.Population), r.TotalValue)
	born := r.Born()
	for i, u := range born {
		if i == maxListedUnits {
			fmt.Fprintf(&sb, "\n… and %d more", len(born)-maxListedUnits)
			break
		}
		fmt.Fprintf(&sb, "\n+ %s (attention %.2f)", u.Content, u.Attention)
	}
	if d.Type == DigestExtinction {
		sb.WriteString("\nthe population is extinct")
	}
	d.Content = sb.String()
	return d
}
