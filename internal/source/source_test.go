package source

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
	"github.com/matheus3301/chatcache/internal/wire"
)

type testSource interface {
	transport.Source
	Put(ctx context.Context, conv string, id msgid.ID, m *store.Message) error
	PutReply(ctx context.Context, conv string, parent, id msgid.ID, r *store.Reply) error
	Publish(ctx context.Context, conv string, ev patch.Event) error
	FailNext(op Op, err error)
}

// implementations returns a fresh instance of every source, all on the
// given clock.
func implementations(t *testing.T, clk clock.Clock) map[string]testSource {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "source.db"), Options{Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]testSource{
		"memory": NewMemory(Options{Clock: clk}),
		"sqlite": db,
	}
}

func seed(t *testing.T, src testSource, conv string, ids ...int64) {
	t.Helper()
	for _, n := range ids {
		m := &store.Message{Author: "~zod", Sent: n, Content: "m"}
		if err := src.Put(context.Background(), conv, msgid.New(n), m); err != nil {
			t.Fatalf("put %d: %v", n, err)
		}
	}
}

func pageIDs(p *store.Page) []int64 {
	var out []int64
	for _, e := range p.Entries {
		out = append(out, e.ID.Big().Int64())
	}
	return out
}

func cursor(id msgid.ID) int64 {
	if id.IsZero() {
		return 0
	}
	return id.Big().Int64()
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchPageDirections(t *testing.T) {
	tests := []struct {
		name         string
		anchor       transport.Anchor
		size         int
		want         []int64
		older, newer int64
	}{
		{"newest", transport.Anchor{Direction: transport.Newest}, 3, []int64{8, 9, 10}, 8, 0},
		{"newest covers all", transport.Anchor{Direction: transport.Newest}, 20, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0, 0},
		{"older", transport.Anchor{Time: msgid.New(8), Direction: transport.Older}, 3, []int64{5, 6, 7}, 5, 7},
		{"older reaches start", transport.Anchor{Time: msgid.New(3), Direction: transport.Older}, 3, []int64{1, 2}, 0, 2},
		{"older past start", transport.Anchor{Time: msgid.New(1), Direction: transport.Older}, 3, nil, 0, 0},
		{"newer", transport.Anchor{Time: msgid.New(3), Direction: transport.Newer}, 3, []int64{4, 5, 6}, 4, 6},
		{"newer reaches end", transport.Anchor{Time: msgid.New(8), Direction: transport.Newer}, 3, []int64{9, 10}, 9, 0},
		{"around", transport.Anchor{Time: msgid.New(5), Direction: transport.Around}, 5, []int64{3, 4, 5, 6, 7}, 3, 7},
		{"around near start", transport.Anchor{Time: msgid.New(1), Direction: transport.Around}, 5, []int64{1, 2, 3, 4, 5}, 0, 5},
	}

	for name, src := range implementations(t, clock.NewMock()) {
		seed(t, src, "c", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				p, err := src.FetchPage(context.Background(), "c", tt.anchor, tt.size)
				if err != nil {
					t.Fatal(err)
				}
				if got := pageIDs(p); !equalIDs(got, tt.want) {
					t.Errorf("ids = %v, want %v", got, tt.want)
				}
				if got := cursor(p.Older); got != tt.older {
					t.Errorf("older = %d, want %d", got, tt.older)
				}
				if got := cursor(p.Newer); got != tt.newer {
					t.Errorf("newer = %d, want %d", got, tt.newer)
				}
			})
		}
	}
}

func TestFetchAroundMissingAnchor(t *testing.T) {
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, src, "c", 1, 2, 3)
			if err := src.SubmitDelete(ctx, "c", msgid.New(2)); err != nil {
				t.Fatal(err)
			}
			for _, n := range []int64{2, 7} {
				_, err := src.FetchPage(ctx, "c", transport.Anchor{Time: msgid.New(n), Direction: transport.Around}, 5)
				if !errors.Is(err, transport.ErrNotFound) {
					t.Errorf("around %d: got %v, want ErrNotFound", n, err)
				}
			}
			p, err := src.FetchPage(ctx, "c", transport.Anchor{Direction: transport.Newest}, 5)
			if err != nil {
				t.Fatal(err)
			}
			if len(p.Entries) != 3 || p.Entries[1].Message != nil {
				t.Errorf("deleted message should come back as a tombstone, got %+v", p.Entries)
			}
		})
	}
}

// frames subscribes to conv and decodes every frame.
func frames(t *testing.T, src testSource, conv string) <-chan patch.Event {
	t.Helper()
	ch := make(chan patch.Event, 16)
	unsub, err := src.Subscribe(context.Background(), conv, func(raw []byte) {
		ev, err := wire.Decode(raw)
		if err != nil {
			t.Errorf("decode %s: %v", raw, err)
			return
		}
		ch <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(unsub)
	return ch
}

func next(t *testing.T, ch <-chan patch.Event) patch.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestSubmitWriteBroadcastsCanonicalMessage(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))

	for name, src := range implementations(t, clk) {
		t.Run(name, func(t *testing.T) {
			ch := frames(t, src, "c")
			ctx := context.Background()
			for _, sent := range []int64{1, 2} {
				msg := &store.Message{Author: "~zod", Sent: sent, Content: "hi", Nonce: "n", Provisional: true}
				if err := src.SubmitWrite(ctx, "c", msg); err != nil {
					t.Fatal(err)
				}
			}

			first, ok := next(t, ch).(patch.SetMessage)
			if !ok {
				t.Fatal("first frame is not a set")
			}
			second := next(t, ch).(patch.SetMessage)
			if first.Message.Provisional || first.Message.Nonce != "n" || first.Message.Sent != 1 {
				t.Errorf("first = %+v", first.Message)
			}
			if !first.ID.Less(second.ID) {
				t.Errorf("ids %s then %s, want strictly increasing", first.ID, second.ID)
			}
			if got, want := first.ID.UnixMilli(), clk.Now().UnixMilli(); got != want {
				t.Errorf("id time = %d, want %d", got, want)
			}
		})
	}
}

func TestReplyFramesCarryThreadSummary(t *testing.T) {
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, src, "c", 5)
			ch := frames(t, src, "c")

			for _, author := range []string{"~nec", "~bus", "~nec"} {
				if err := src.SubmitReply(ctx, "c", msgid.New(5), &store.Reply{Author: author, Sent: 9, Content: "r"}); err != nil {
					t.Fatal(err)
				}
			}
			var last patch.SetReply
			for range 3 {
				last = next(t, ch).(patch.SetReply)
			}
			if last.Meta == nil || last.Meta.Count != 3 {
				t.Fatalf("meta = %+v, want count 3", last.Meta)
			}
			if got := last.Meta.LastRepliers; len(got) != 2 || got[0] != "~nec" || got[1] != "~bus" {
				t.Errorf("last repliers = %v, want [~nec ~bus]", got)
			}

			if err := src.SubmitReplyDelete(ctx, "c", msgid.New(5), last.ReplyID); err != nil {
				t.Fatal(err)
			}
			del := next(t, ch).(patch.SetReply)
			if del.Reply != nil || del.Meta == nil || del.Meta.Count != 2 {
				t.Errorf("delete frame = %+v", del)
			}

			p, err := src.FetchPage(ctx, "c", transport.Anchor{Direction: transport.Newest}, 5)
			if err != nil {
				t.Fatal(err)
			}
			if got := p.Entries[0].Message; got.Meta.Count != 2 || got.Replies != nil {
				t.Errorf("fetched parent = %+v, want summary only", got)
			}
		})
	}
}

func TestFetchThread(t *testing.T) {
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, src, "c", 5, 6)
			for _, author := range []string{"~nec", "~bus"} {
				if err := src.SubmitReply(ctx, "c", msgid.New(5), &store.Reply{Author: author, Sent: 9, Content: "r", Nonce: author}); err != nil {
					t.Fatal(err)
				}
			}
			ch := frames(t, src, "c")
			first, err := src.FetchThread(ctx, "c", msgid.New(5))
			if err != nil {
				t.Fatal(err)
			}
			replyID, _ := first.Replies.Min()
			if err := src.SubmitReplyReaction(ctx, "c", msgid.New(5), replyID, "~zod", "👍"); err != nil {
				t.Fatal(err)
			}
			next(t, ch)

			th, err := src.FetchThread(ctx, "c", msgid.New(5))
			if err != nil {
				t.Fatal(err)
			}
			var nonces []string
			for id, r := range th.Replies.All() {
				nonces = append(nonces, r.Nonce)
				if !r.Parent.Equal(msgid.New(5)) {
					t.Errorf("reply %s parent = %s", id, r.Parent)
				}
			}
			if len(nonces) != 2 || nonces[0] != "~nec" || nonces[1] != "~bus" {
				t.Errorf("replies = %v, want [~nec ~bus]", nonces)
			}
			if r, _ := th.Replies.Get(replyID); r.Reactions["~zod"] != "👍" {
				t.Errorf("reply reactions = %v", r.Reactions)
			}
			if th.Meta.Count != 2 {
				t.Errorf("meta = %+v, want count 2", th.Meta)
			}

			empty, err := src.FetchThread(ctx, "c", msgid.New(6))
			if err != nil || empty.Replies.Len() != 0 {
				t.Errorf("thread without replies = %+v, %v", empty, err)
			}

			if err := src.SubmitDelete(ctx, "c", msgid.New(5)); err != nil {
				t.Fatal(err)
			}
			for _, parent := range []int64{5, 7} {
				if _, err := src.FetchThread(ctx, "c", msgid.New(parent)); !errors.Is(err, transport.ErrNotFound) {
					t.Errorf("thread of %d: got %v, want ErrNotFound", parent, err)
				}
			}
		})
	}
}

func TestToggleIsBroadcastNotStored(t *testing.T) {
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, src, "c", 5)
			ch := frames(t, src, "c")

			if err := src.SubmitToggle(ctx, "c", msgid.New(5), true); err != nil {
				t.Fatal(err)
			}
			if err := src.SubmitToggle(ctx, "c", msgid.New(5), false); err != nil {
				t.Fatal(err)
			}
			if ev, ok := next(t, ch).(patch.Hide); !ok || !ev.ID.Equal(msgid.New(5)) {
				t.Errorf("first frame = %#v, want hide of 5", ev)
			}
			if _, ok := next(t, ch).(patch.Show); !ok {
				t.Error("second frame is not a show")
			}
			if err := src.SubmitToggle(ctx, "c", msgid.ID{}, true); err == nil {
				t.Error("toggle without id should fail")
			}

			p, err := src.FetchPage(ctx, "c", transport.Anchor{Direction: transport.Newest}, 5)
			if err != nil {
				t.Fatal(err)
			}
			if len(p.Entries) != 1 || p.Entries[0].Message.Content != "m" {
				t.Errorf("page after toggles = %+v", p.Entries)
			}
		})
	}
}

func TestReactionsAndEdits(t *testing.T) {
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, src, "c", 5)
			if err := src.SubmitReaction(ctx, "c", msgid.New(5), "~nec", "👍"); err != nil {
				t.Fatal(err)
			}
			if err := src.SubmitEdit(ctx, "c", msgid.New(5), "edited"); err != nil {
				t.Fatal(err)
			}
			p, err := src.FetchPage(ctx, "c", transport.Anchor{Direction: transport.Newest}, 5)
			if err != nil {
				t.Fatal(err)
			}
			m := p.Entries[0].Message
			if m.Reactions["~nec"] != "👍" {
				t.Errorf("reactions = %v", m.Reactions)
			}
			if m.Content != "edited" || !m.Edited {
				t.Errorf("content = %q edited=%v", m.Content, m.Edited)
			}

			if err := src.SubmitReaction(ctx, "c", msgid.New(5), "~nec", ""); err != nil {
				t.Fatal(err)
			}
			p, _ = src.FetchPage(ctx, "c", transport.Anchor{Direction: transport.Newest}, 5)
			if len(p.Entries[0].Message.Reactions) != 0 {
				t.Errorf("reaction not removed: %v", p.Entries[0].Message.Reactions)
			}
		})
	}
}

func TestMissingTargetsAreRejected(t *testing.T) {
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, src, "c", 5)
			checks := map[string]error{
				"react":        src.SubmitReaction(ctx, "c", msgid.New(6), "~nec", "x"),
				"edit":         src.SubmitEdit(ctx, "c", msgid.New(6), "x"),
				"delete":       src.SubmitDelete(ctx, "c", msgid.New(6)),
				"reply":        src.SubmitReply(ctx, "c", msgid.New(6), &store.Reply{Author: "~nec", Sent: 1}),
				"reply react":  src.SubmitReplyReaction(ctx, "c", msgid.New(5), msgid.New(9), "~nec", "x"),
				"reply delete": src.SubmitReplyDelete(ctx, "c", msgid.New(5), msgid.New(9)),
			}
			for op, err := range checks {
				if !errors.Is(err, transport.ErrNotFound) {
					t.Errorf("%s: got %v, want ErrNotFound", op, err)
				}
			}
		})
	}
}

func TestFailNextAppliesOnce(t *testing.T) {
	boom := errors.New("boom")
	for name, src := range implementations(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src.FailNext(OpWrite, boom)
			msg := &store.Message{Author: "~zod", Sent: 1}
			if err := src.SubmitWrite(ctx, "c", msg); !errors.Is(err, boom) {
				t.Fatalf("got %v, want boom", err)
			}
			if err := src.SubmitWrite(ctx, "c", msg); err != nil {
				t.Fatalf("second write: %v", err)
			}
		})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	src := NewMemory(Options{Clock: clock.NewMock()})
	got := make(chan []byte, 4)
	unsub, err := src.Subscribe(context.Background(), "c", func(raw []byte) { got <- raw })
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub()

	if err := src.Publish(context.Background(), "c", patch.Hide{ID: msgid.New(1)}); err != nil {
		t.Fatal(err)
	}
	select {
	case raw := <-got:
		t.Errorf("frame after unsubscribe: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionsAreScopedToConversation(t *testing.T) {
	src := NewMemory(Options{Clock: clock.NewMock()})
	ch := frames(t, src, "a")
	ctx := context.Background()
	if err := src.Publish(ctx, "b", patch.Hide{ID: msgid.New(1)}); err != nil {
		t.Fatal(err)
	}
	if err := src.Publish(ctx, "a", patch.Hide{ID: msgid.New(2)}); err != nil {
		t.Fatal(err)
	}
	ev := next(t, ch).(patch.Hide)
	if !ev.ID.Equal(msgid.New(2)) {
		t.Errorf("got hide %s, want 2", ev.ID)
	}
}
