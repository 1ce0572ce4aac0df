package sync

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/invalidate"
	"github.com/matheus3301/chatcache/internal/metrics"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/source"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu        stdsync.Mutex
	confirmed []store.CacheID
	notified  []invalidate.RefetchType
}

func (r *recorder) Confirm(cid store.CacheID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, cid)
	return true
}

func (r *recorder) Notify(_ string, t invalidate.RefetchType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, t)
}

func (r *recorder) notifications() []invalidate.RefetchType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invalidate.RefetchType(nil), r.notified...)
}

type fixture struct {
	cache  *cache.Cache
	src    *source.Memory
	bus    *bus.Bus
	rec    *recorder
	reg    *prometheus.Registry
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	reg := prometheus.NewRegistry()
	f := &fixture{
		cache: cache.New(b, window.NewTracker(), zaptest.NewLogger(t)),
		src:   source.NewMemory(source.Options{Clock: clock.NewMock()}),
		bus:   b,
		rec:   &recorder{},
		reg:   reg,
	}
	f.engine = NewEngine(f.cache, f.src, f.rec, f.rec, b, zaptest.NewLogger(t), metrics.New(reg))
	t.Cleanup(f.engine.Stop)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEngineAppliesSubscriptionFrames(t *testing.T) {
	f := newFixture(t)
	f.cache.Open("c")
	f.cache.Windows().MarkNewestLoaded("c")
	if err := f.engine.Watch(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}

	msg := &store.Message{Author: "~nec", Sent: 1, Content: "hello"}
	if err := f.src.Publish(context.Background(), "c", patch.SetMessage{ID: msgid.New(111), Message: msg}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "message in cache", func() bool {
		snap, _ := f.cache.Snapshot("c")
		return snap.Messages.Has(msgid.New(111))
	})
	waitFor(t, "notification", func() bool { return len(f.rec.notifications()) == 1 })
	if got := f.rec.notifications()[0]; got != invalidate.None {
		t.Errorf("refetch = %v, want none", got)
	}
	expected := `
# HELP chatcache_frames_applied_total Subscription frames folded into the cache, by event kind.
# TYPE chatcache_frames_applied_total counter
chatcache_frames_applied_total{kind="set"} 1
`
	if err := testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "chatcache_frames_applied_total"); err != nil {
		t.Error(err)
	}
}

func TestEngineConfirmsSeenIdentities(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"t":"set","id":"5","message":{"author":"~zod","sent":42,"content":"x","nonce":"n1"}}`)
	f.engine.HandleFrame("uncached", raw)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	want := store.CacheID{Author: "~zod", Sent: 42, Nonce: "n1"}
	if len(f.rec.confirmed) != 1 || f.rec.confirmed[0] != want {
		t.Errorf("confirmed = %v, want [%v]", f.rec.confirmed, want)
	}
}

func TestEngineDropsMalformedFrames(t *testing.T) {
	f := newFixture(t)
	f.cache.Open("c")
	rejected, unsub := f.bus.Subscribe("sync.", 4)
	defer unsub()

	for _, raw := range []string{`{bad`, `{"t":"launch","id":"1"}`, `{"t":"set","id":"x.y"}`} {
		f.engine.HandleFrame("c", []byte(raw))
	}

	if got := f.rec.notifications(); len(got) != 3 || got[0] != invalidate.Active {
		t.Errorf("notifications = %v, want three active", got)
	}
	expected := `
# HELP chatcache_frames_malformed_total Subscription frames dropped because they could not be decoded or applied.
# TYPE chatcache_frames_malformed_total counter
chatcache_frames_malformed_total 3
`
	if err := testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "chatcache_frames_malformed_total"); err != nil {
		t.Error(err)
	}
	select {
	case evt := <-rejected:
		rej := evt.Payload.(Rejection)
		if !errors.Is(rej.Err, patch.ErrMalformed) {
			t.Errorf("rejection err = %v", rej.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}
	snap, _ := f.cache.Snapshot("c")
	if snap.Rev != 0 {
		t.Error("malformed frame reached the cache")
	}
}

func TestUnwatchStopsApplying(t *testing.T) {
	f := newFixture(t)
	f.cache.Open("c")
	f.cache.Windows().MarkNewestLoaded("c")
	ctx := context.Background()
	if err := f.engine.Watch(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Watch(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if got := f.engine.Watching(); len(got) != 1 {
		t.Fatalf("watching = %v, want one subscription", got)
	}

	f.engine.Unwatch("c")
	if err := f.src.Publish(ctx, "c", patch.SetMessage{ID: msgid.New(1), Message: &store.Message{Author: "~nec", Sent: 1}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if snap, _ := f.cache.Snapshot("c"); snap.Messages.Len() != 0 {
		t.Error("frame applied after unwatch")
	}
}

func TestStoppedEngineRejectsWatch(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()
	if err := f.engine.Watch(context.Background(), "c"); err == nil {
		t.Error("watch after stop succeeded")
	}
}
