package cache

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/research"
	"github.com/eternisai/seo-research/internal/storage/memory"
)

var log *logger.Logger

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(clock *fakeClock) *Cache {
	ttl := map[research.DataKind]time.Duration{
		research.KindSERP:     6 * time.Hour,
		research.KindKeywords: 30 * 24 * time.Hour,
	}
	return New(memory.New(), ttl, log, WithClock(clock.Now))
}

func TestRoundTripUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	payload := json.RawMessage(`{"items":[{"rank":1,"url":"https://example.com/"}]}`)
	if err := c.Store(ctx, "fp-serp", research.KindSERP, payload); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, hit, err := c.Lookup(ctx, "fp-serp")
	if err != nil || !hit {
		t.Fatalf("Lookup right after Store = hit %v, err %v", hit, err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s, want %s", got, payload)
	}

	clock.Advance(6*time.Hour - time.Second)
	if _, hit, _ := c.Lookup(ctx, "fp-serp"); !hit {
		t.Error("entry expired before its TTL")
	}

	clock.Advance(time.Second)
	if _, hit, _ := c.Lookup(ctx, "fp-serp"); hit {
		t.Error("entry still served after its TTL")
	}
}

func TestStoreIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	if err := c.Store(ctx, "fp", research.KindKeywords, json.RawMessage(`"first"`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Store(ctx, "fp", research.KindKeywords, json.RawMessage(`"second"`)); err != nil {
		t.Fatalf("second Store: %v", err)
	}

	got, _, _ := c.Lookup(ctx, "fp")
	if string(got) != `"first"` {
		t.Errorf("payload = %s, want the first write", got)
	}
}

func TestSweepDeletesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	_ = c.Store(ctx, "serp", research.KindSERP, json.RawMessage(`1`))
	_ = c.Store(ctx, "keywords", research.KindKeywords, json.RawMessage(`2`))

	clock.Advance(7 * time.Hour)
	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d entries, want 1", n)
	}
	if _, hit, _ := c.Lookup(ctx, "keywords"); !hit {
		t.Error("live keyword entry was swept")
	}
}

func TestFingerprintCollidesForEquivalentRequests(t *testing.T) {
	a := research.SERPSnapshotParams{Keywords: []string{"SEO Tools"}, Location: "US"}.Normalize()
	b := research.SERPSnapshotParams{Keywords: []string{"  seo tools "}, Device: "desktop"}.Normalize()

	fa, err := Fingerprint(a.Type(), a.SubRequests()[0])
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fb, err := Fingerprint(b.Type(), b.SubRequests()[0])
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fa != fb {
		t.Errorf("equivalent requests got different fingerprints %s and %s", fa, fb)
	}

	mobile := research.SERPSnapshotParams{Keywords: []string{"seo tools"}, Device: "mobile"}.Normalize()
	fm, _ := Fingerprint(mobile.Type(), mobile.SubRequests()[0])
	if fm == fa {
		t.Error("device must change the fingerprint")
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	x := research.SubRequest{Payload: json.RawMessage(`{"a":1,"b":2}`), Location: "us"}
	y := research.SubRequest{Payload: json.RawMessage(`{"b":2, "a":1}`), Location: "us"}

	fx, _ := Fingerprint(research.QueryTypeBacklinkCheck, x)
	fy, _ := Fingerprint(research.QueryTypeBacklinkCheck, y)
	if fx != fy {
		t.Errorf("fingerprints differ by key order: %s vs %s", fx, fy)
	}

	fz, _ := Fingerprint(research.QueryTypeOnPageCheck, x)
	if fz == fx {
		t.Error("query type must change the fingerprint")
	}
}
