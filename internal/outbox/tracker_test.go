package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/status"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockSource records submissions and returns configurable results.
type mockSource struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{} // when set, submissions wait for it to close
}

func (m *mockSource) record(call string) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	block, err := m.block, m.err
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (m *mockSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSource) FetchPage(context.Context, string, transport.Anchor, int) (*store.Page, error) {
	return &store.Page{}, nil
}

func (m *mockSource) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}

func (m *mockSource) SubmitWrite(_ context.Context, _ string, msg *store.Message) error {
	return m.record("write:" + msg.Content)
}

func (m *mockSource) SubmitReply(_ context.Context, _ string, _ msgid.ID, r *store.Reply) error {
	return m.record("reply:" + r.Content)
}

func (m *mockSource) SubmitReaction(_ context.Context, _ string, _ msgid.ID, _, react string) error {
	return m.record("react:" + react)
}

func (m *mockSource) SubmitReplyReaction(_ context.Context, _ string, _, _ msgid.ID, _, react string) error {
	return m.record("reply-react:" + react)
}

func (m *mockSource) SubmitEdit(_ context.Context, _ string, _ msgid.ID, content string) error {
	return m.record("edit:" + content)
}

func (m *mockSource) SubmitDelete(context.Context, string, msgid.ID) error {
	return m.record("delete")
}

func (m *mockSource) SubmitReplyDelete(context.Context, string, msgid.ID, msgid.ID) error {
	return m.record("reply-delete")
}

func (m *mockSource) FetchThread(context.Context, string, msgid.ID) (*store.Thread, error) {
	return nil, transport.ErrNotFound
}

func (m *mockSource) SubmitToggle(_ context.Context, _ string, _ msgid.ID, hide bool) error {
	if hide {
		return m.record("hide")
	}
	return m.record("show")
}

const conv = "chat/~zod/general"

type fixture struct {
	cache   *cache.Cache
	tracker *Tracker
	clock   *clock.Mock
	source  *mockSource
}

func newFixture(t *testing.T, src *mockSource) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	c := cache.New(bus.New(), nil, logger)
	clk := clock.NewMock()
	tr := NewTracker(c, src, nil, logger, Options{Clock: clk, Timeout: 15 * time.Second})
	t.Cleanup(tr.Stop)
	// Loaded to the live edge so local and remote sets patch through.
	c.Windows().MarkNewestLoaded(conv)
	return &fixture{cache: c, tracker: tr, clock: clk, source: src}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) provisionals() int {
	snap, _ := f.cache.Snapshot(conv)
	n := 0
	for _, m := range snap.Ordered() {
		if m != nil && m.Provisional {
			n++
		}
	}
	return n
}

func TestSubmitInsertsProvisionalSynchronously(t *testing.T) {
	src := &mockSource{block: make(chan struct{})}
	f := newFixture(t, src)
	defer close(src.block)

	cid, err := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "hello"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if cid.Nonce == "" {
		t.Error("Submit should fill in a nonce")
	}

	snap, _ := f.cache.Snapshot(conv)
	m, ok := snap.Messages.Get(msgid.FromUnixMilli(1700000000000))
	if !ok || m == nil || !m.Provisional || m.Content != "hello" {
		t.Fatalf("provisional entry = %+v, present %v", m, ok)
	}
	if got := f.tracker.Status(cid); got != status.Pending {
		t.Errorf("status = %s, want PENDING", got)
	}
}

func TestAckMarksSentAndConfirmDelivers(t *testing.T) {
	f := newFixture(t, &mockSource{})
	cid, _ := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "hello"})

	waitFor(t, "SENT", func() bool { return f.tracker.Status(cid) == status.Sent })
	if f.provisionals() != 1 {
		t.Error("ack must not remove the provisional entry")
	}

	if !f.tracker.Confirm(cid) {
		t.Fatal("Confirm() = false for a tracked write")
	}
	if got := f.tracker.Status(cid); got != status.Delivered {
		t.Errorf("status = %s, want DELIVERED", got)
	}
	if len(f.tracker.Tracked()) != 0 {
		t.Error("delivered write still tracked")
	}
}

func TestTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, &mockSource{})
	cid, _ := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "hello"})
	waitFor(t, "SENT", func() bool { return f.tracker.Status(cid) == status.Sent })

	f.clock.Add(15 * time.Second)
	waitFor(t, "FAILED", func() bool { return f.tracker.Status(cid) == status.Failed })

	if !errors.Is(f.tracker.Err(cid), ErrWriteTimeout) {
		t.Errorf("err = %v, want ErrWriteTimeout", f.tracker.Err(cid))
	}
	if n := f.provisionals(); n != 0 {
		t.Errorf("got %d provisional entries after rollback, want 0", n)
	}
}

func TestRejectionFailsImmediately(t *testing.T) {
	cause := errors.New("forbidden")
	f := newFixture(t, &mockSource{err: cause})
	cid, _ := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "hello"})

	waitFor(t, "FAILED", func() bool { return f.tracker.Status(cid) == status.Failed })
	var rejected *RejectedError
	if err := f.tracker.Err(cid); !errors.As(err, &rejected) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want *RejectedError wrapping %v", err, cause)
	}
	if rejected.Conversation != conv {
		t.Errorf("rejected conversation = %q, want %q", rejected.Conversation, conv)
	}
	if n := f.provisionals(); n != 0 {
		t.Errorf("got %d provisional entries after rejection, want 0", n)
	}
}

func TestRetryAndDismiss(t *testing.T) {
	src := &mockSource{err: errors.New("offline")}
	f := newFixture(t, src)
	cid, _ := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "hello"})
	waitFor(t, "FAILED", func() bool { return f.tracker.Status(cid) == status.Failed })

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	if err := f.tracker.Retry(cid); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if f.provisionals() != 1 {
		t.Error("retry should reinsert the provisional entry")
	}
	waitFor(t, "SENT", func() bool { return f.tracker.Status(cid) == status.Sent })
	if src.callCount() != 2 {
		t.Errorf("got %d submissions, want 2", src.callCount())
	}

	if err := f.tracker.Dismiss(cid); err == nil {
		t.Error("Dismiss() on a SENT write should fail")
	}
	_ = f.tracker.Fail(cid, errors.New("user gave up"))
	if err := f.tracker.Dismiss(cid); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if got := f.tracker.Status(cid); got != status.Delivered {
		t.Errorf("dismissed write status = %s, want untracked DELIVERED", got)
	}
}

func TestLateConfirmHealsFailedWrite(t *testing.T) {
	f := newFixture(t, &mockSource{err: errors.New("timeout at gateway")})
	cid, _ := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "hello"})
	waitFor(t, "FAILED", func() bool { return f.tracker.Status(cid) == status.Failed })

	if !f.tracker.Confirm(store.CacheID{Author: "~zod", Sent: 1700000000000}) {
		t.Fatal("Confirm() without nonce should match")
	}
	if got := f.tracker.Status(cid); got != status.Delivered {
		t.Errorf("status = %s, want DELIVERED", got)
	}
}

func TestReplacedWriteIgnoresStaleAck(t *testing.T) {
	src := &mockSource{block: make(chan struct{})}
	f := newFixture(t, src)
	defer close(src.block)

	first := store.CacheID{Author: "~zod", Sent: 1700000000000, Nonce: "a"}
	if _, err := f.tracker.Submit(conv, first, store.Draft{Content: "a"}); err != nil {
		t.Fatal(err)
	}
	f.tracker.mu.Lock()
	staleGen := f.tracker.writes[first.Key()].gen
	f.tracker.mu.Unlock()

	second := store.CacheID{Author: "~zod", Sent: 1700000000000, Nonce: "b"}
	if _, err := f.tracker.Submit(conv, second, store.Draft{Content: "b"}); err != nil {
		t.Fatal(err)
	}

	// The first send resolves after its replacement was issued.
	f.tracker.ack(first.Key(), staleGen, errors.New("rejected"))

	if got := f.tracker.Status(second); got != status.Pending {
		t.Errorf("replacement status = %s, want PENDING", got)
	}
	if n := f.provisionals(); n != 1 {
		t.Errorf("got %d provisional entries, want 1", n)
	}
}

func TestHideIsUndoneWhenRejected(t *testing.T) {
	src := &mockSource{err: errors.New("not allowed"), block: make(chan struct{})}
	f := newFixture(t, src)
	refetched := make(chan string, 1)
	f.tracker.SetRejectHandler(func(c string) { refetched <- c })

	id := msgid.FromUnixMilli(1600000000000)
	if err := f.tracker.Hide(conv, id); err != nil {
		t.Fatal(err)
	}
	if !f.cache.IsHidden(id) {
		t.Error("hide not applied optimistically")
	}

	close(src.block)
	waitFor(t, "hide undone", func() bool { return !f.cache.IsHidden(id) })
	select {
	case c := <-refetched:
		t.Errorf("refused hide requested a refetch of %q", c)
	default:
	}
}

func TestHideAndShow(t *testing.T) {
	src := &mockSource{}
	f := newFixture(t, src)
	id := msgid.FromUnixMilli(1600000000000)

	if err := f.tracker.Hide(conv, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "hide sent", func() bool { return src.callCount() == 1 })
	if !f.cache.IsHidden(id) {
		t.Fatal("accepted hide was undone")
	}

	if err := f.tracker.Show(conv, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "show sent", func() bool { return src.callCount() == 2 })
	if f.cache.IsHidden(id) {
		t.Error("message still hidden after Show")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.calls[0] != "hide" || src.calls[1] != "show" {
		t.Errorf("calls = %v, want [hide show]", src.calls)
	}
}

func TestStatusOfUntrackedIsDelivered(t *testing.T) {
	f := newFixture(t, &mockSource{})
	if got := f.tracker.Status(store.CacheID{Author: "~bus", Sent: 1}); got != status.Delivered {
		t.Errorf("status = %s, want DELIVERED", got)
	}
	if f.tracker.Confirm(store.CacheID{Author: "~bus", Sent: 1}) {
		t.Error("Confirm() of an untracked write should report false")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &mockSource{})
	tests := []struct {
		name string
		conv string
		cid  store.CacheID
	}{
		{"no conversation", "", store.CacheID{Author: "~zod", Sent: 1}},
		{"no author", conv, store.CacheID{Sent: 1}},
		{"no timestamp", conv, store.CacheID{Author: "~zod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.tracker.Submit(tt.conv, tt.cid, store.Draft{}); !errors.Is(err, ErrInvalidWrite) {
				t.Errorf("err = %v, want ErrInvalidWrite", err)
			}
		})
	}
	if _, err := f.tracker.SubmitReply(conv, msgid.ID{}, store.CacheID{Author: "~zod", Sent: 1}, store.Draft{}); !errors.Is(err, ErrInvalidWrite) {
		t.Errorf("SubmitReply without parent: err = %v", err)
	}
}

func TestSubmitReplyRollsBack(t *testing.T) {
	f := newFixture(t, &mockSource{err: errors.New("nope")})
	parent := msgid.FromUnixMilli(1600000000000)
	f.cache.ApplyLocal(conv, patch.SetMessage{ID: parent, Message: &store.Message{Author: "~bus", Sent: 1600000000000}})

	cid, err := f.tracker.SubmitReply(conv, parent, store.CacheID{Author: "~zod", Sent: 1700000000000}, store.Draft{Content: "re"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "FAILED", func() bool { return f.tracker.Status(cid) == status.Failed })

	snap, _ := f.cache.Snapshot(conv)
	m, _ := snap.Messages.Get(parent)
	if m.Replies.Len() != 0 || m.Meta.Count != 0 {
		t.Errorf("thread after rollback: len=%d meta=%+v", m.Replies.Len(), m.Meta)
	}
}

func TestUntrackedRejectionRequestsRefetch(t *testing.T) {
	f := newFixture(t, &mockSource{err: errors.New("not allowed")})
	refetched := make(chan string, 1)
	f.tracker.SetRejectHandler(func(c string) { refetched <- c })

	id := msgid.FromUnixMilli(1600000000000)
	f.cache.ApplyLocal(conv, patch.SetMessage{ID: id, Message: &store.Message{Author: "~bus", Sent: 1600000000000}})

	if err := f.tracker.React(conv, id, "~zod", "👍"); err != nil {
		t.Fatal(err)
	}
	snap, _ := f.cache.Snapshot(conv)
	if m, _ := snap.Messages.Get(id); m.Reactions["~zod"] != "👍" {
		t.Error("reaction not applied optimistically")
	}

	select {
	case got := <-refetched:
		if got != conv {
			t.Errorf("refetch for %q, want %q", got, conv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for refetch request")
	}
}

func TestStopRejectsNewWrites(t *testing.T) {
	f := newFixture(t, &mockSource{})
	f.tracker.Stop()
	if _, err := f.tracker.Submit(conv, store.CacheID{Author: "~zod", Sent: 1}, store.Draft{}); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}
