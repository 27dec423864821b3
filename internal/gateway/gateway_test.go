package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	platform string
	err      error
	got      []*Digest
}

func (f *fakeNotifier) Platform() string { return f.platform }

func (f *fakeNotifier) Notify(_ context.Context, d *Digest) error {
	f.got = append(f.got, d)
	return f.err
}

func (f *fakeNotifier) Close() error { return nil }

func evolvedReport(t *testing.T, attentions ...float64) *world.Report {
	t.Helper()
	n := 0
	pop := knowledge.NewPopulation(knowledge.WithIDFunc(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))
	for i, a := range attentions {
		pop.InsertWithAttention(fmt.Sprintf("insight %d", i), a)
	}
	return world.NewEvolver(pop, 0, zap.NewNop()).EvolveNow(context.Background())
}

func TestFormatDigest(t *testing.T) {
	d := FormatDigest(evolvedReport(t, 0.9, 0.9, 0.9, 0.9))
	if d.Type != DigestEvolution {
		t.Errorf("type = %q, want evolution", d.Type)
	}
	if d.Title != "Tick 1: 4 survived, 0 died, 4 born" {
		t.Errorf("title = %q", d.Title)
	}
	if !strings.Contains(d.Content, "+ Enhanced: insight 0 (attention 0.72)") {
		t.Errorf("content missing newborn: %q", d.Content)
	}

	d = FormatDigest(evolvedReport(t, 0.5))
	if d.Type != DigestExtinction {
		t.Errorf("type = %q, want extinction", d.Type)
	}
}

func TestFormatDigestTruncatesNewborns(t *testing.T) {
	r := evolvedReport(t, 0.9, 0.9, 0.9, 0.9)
	// Pretend more births happened than are listed.
	for i := 0; i < 4; i++ {
		r.BornIDs = append(r.BornIDs, r.SurvivedIDs[i])
	}
	d := FormatDigest(r)
	if !strings.Contains(d.Content, "and 3 more") {
		t.Errorf("content = %q", d.Content)
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(false, zap.NewNop())
	slackN := &fakeNotifier{platform: "slack"}
	discordN := &fakeNotifier{platform: "discord", err: errors.New("rate limited")}
	b.Register(slackN)
	b.Register(discordN)

	if got := b.Platforms(); len(got) != 2 || got[0] != "discord" || got[1] != "slack" {
		t.Fatalf("platforms = %v", got)
	}

	err := b.OnEvolved(context.Background(), evolvedReport(t, 0.9, 0.9, 0.9))
	if err == nil || !strings.Contains(err.Error(), "discord") {
		t.Fatalf("expected discord error, got %v", err)
	}
	if len(slackN.got) != 1 || len(discordN.got) != 1 {
		t.Fatalf("deliveries slack=%d discord=%d", len(slackN.got), len(discordN.got))
	}

	h := b.History(0)
	if len(h) != 1 || len(h[0].Targets) != 1 || h[0].Targets[0] != "slack" {
		t.Errorf("history = %+v", h)
	}
}

func TestBroadcasterOnlyChanges(t *testing.T) {
	b := NewBroadcaster(true, zap.NewNop())
	n := &fakeNotifier{platform: "slack"}
	b.Register(n)

	// three units all live: nothing to announce
	if err := b.OnEvolved(context.Background(), evolvedReport(t, 0.9, 0.9, 0.9)); err != nil {
		t.Fatal(err)
	}
	if len(n.got) != 0 {
		t.Fatalf("unexpected digest for quiet tick")
	}
	if err := b.OnEvolved(context.Background(), evolvedReport(t, 0.5)); err != nil {
		t.Fatal(err)
	}
	if len(n.got) != 1 {
		t.Fatalf("expected one digest, got %d", len(n.got))
	}
}

func TestBroadcasterSelectedPlatforms(t *testing.T) {
	b := NewBroadcaster(false, zap.NewNop())
	a := &fakeNotifier{platform: "slack"}
	c := &fakeNotifier{platform: "discord"}
	b.Register(a)
	b.Register(c)

	err := b.Send(context.Background(), &Digest{Type: DigestAnnouncement, Title: "hi", Platforms: []string{"discord"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.got) != 0 || len(c.got) != 1 {
		t.Errorf("slack=%d discord=%d", len(a.got), len(c.got))
	}
	if err := b.Send(context.Background(), &Digest{}); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestSlackNotifier(t *testing.T) {
	var text, channel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		text = r.FormValue("text")
		channel = r.FormValue("channel")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"channel":"C123","ts":"1700000000.000100"}`)
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", srv.URL+"/", zap.NewNop())
	err := n.Notify(context.Background(), &Digest{Type: DigestEvolution, Title: "Tick 1", Content: "population 3"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if channel != "C123" {
		t.Errorf("channel = %q", channel)
	}
	if text != "*Tick 1*\npopulation 3" {
		t.Errorf("text = %q", text)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 10); got != "héllo" {
		t.Errorf("got %q", got)
	}
	if got := truncateRunes("héllo", 3); got != "hé…" {
		t.Errorf("got %q", got)
	}
}

func TestBroadcasterAnnounce(t *testing.T) {
	b := NewBroadcaster(true, zap.NewNop())
	n := &fakeNotifier{platform: "discord"}
	b.Register(n)

	if err := b.Announce(context.Background(), "online", "population 4 at tick 0"); err != nil {
		t.Fatal(err)
	}
	if len(n.got) != 1 || n.got[0].Type != DigestAnnouncement || n.got[0].Title != "online" {
		t.Fatalf("got %+v", n.got)
	}
	if h := b.History(0); len(h) != 1 || h[0].Digest.Type != DigestAnnouncement {
		t.Errorf("history = %+v", h)
	}
}
