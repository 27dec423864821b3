package gateway

import (
	"context"
	"time"
)

// Notifier posts text to one chat platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, msg *Digest) error
	Close() error
}

// DigestType categorizes outbound digests.
type DigestType string

const (
	DigestEvolution    DigestType = "evolution"
	DigestExtinction   DigestType = "extinction"
	DigestAnnouncement DigestType = "announcement"
)

// Digest is a human-readable summary sent to every notifier.
type Digest struct {
	Type      DigestType `json:"type"`
	Tick      int        `json:"tick"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Platforms []string   `json:"platforms,omitempty"`
}

// DigestRecord tracks a sent digest for history.
type DigestRecord struct {
	Digest  *Digest   `json:"digest"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}
