package pager

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

func id(n int64) msgid.ID { return msgid.New(n) }

func page(older, newer int64, ids ...int64) *store.Page {
	p := &store.Page{}
	for _, n := range ids {
		p.Entries = append(p.Entries, store.Entry{ID: id(n), Message: &store.Message{Author: "~zod", Sent: n, Content: "m"}})
	}
	if older != 0 {
		p.Older = id(older)
	}
	if newer != 0 {
		p.Newer = id(newer)
	}
	return p
}

func span(from, to int64) []int64 {
	var out []int64
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}

func ids(st store.Conversation) []int64 {
	var out []int64
	for k := range st.Messages.All() {
		out = append(out, k.Big().Int64())
	}
	return out
}

func TestMergeOverlappingPages(t *testing.T) {
	st := store.NewConversation()
	st, _ = Merge(st, page(5, 10, span(5, 10)...), transport.Anchor{Time: id(7), Direction: transport.Around}, 0)
	st, res := Merge(st, page(8, 0, span(8, 15)...), transport.Anchor{Time: id(10), Direction: transport.Newer}, st.Rev)

	if !res.Changed {
		t.Fatal("merge reported no change")
	}
	if diff := cmp.Diff(span(5, 15), ids(st)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if len(st.Pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(st.Pages))
	}
	p := st.Pages[0]
	if !p.Low.Equal(id(5)) || !p.High.Equal(id(15)) {
		t.Errorf("span = %s..%s, want 5..15", p.Low, p.High)
	}
	if !p.Older.Equal(id(5)) || !p.Newer.IsZero() {
		t.Errorf("cursors = %s/%s, want 5/none", p.Older, p.Newer)
	}
}

func TestMergeDisjointPagesStaySeparate(t *testing.T) {
	st := store.NewConversation()
	st, _ = Merge(st, page(1, 3, 1, 2, 3), transport.Anchor{Time: id(2), Direction: transport.Around}, 0)
	st, _ = Merge(st, page(20, 22, 20, 21, 22), transport.Anchor{Time: id(21), Direction: transport.Around}, st.Rev)
	if len(st.Pages) != 2 {
		t.Fatalf("pages = %+v, want 2", st.Pages)
	}
	if st.PageOf(id(10)) >= 0 {
		t.Error("gap between pages is covered")
	}
}

func TestMergeOlderPageJoinsAtAnchor(t *testing.T) {
	st := store.NewConversation()
	st, _ = Merge(st, page(90, 0, span(90, 110)...), transport.Anchor{Time: id(100), Direction: transport.Around}, 0)
	// An older page excludes its anchor, so it only reaches 89.
	st, _ = Merge(st, page(0, 89, span(70, 89)...), transport.Anchor{Time: id(90), Direction: transport.Older}, st.Rev)

	if len(st.Pages) != 1 {
		t.Fatalf("pages = %+v, want the older page joined to the loaded one", st.Pages)
	}
	if diff := cmp.Diff(span(70, 110), ids(st)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if !st.Pages[0].Older.IsZero() {
		t.Errorf("older cursor = %s, want none", st.Pages[0].Older)
	}
}

func TestMergeKeepsEntriesWrittenDuringFetch(t *testing.T) {
	st := store.NewConversation()
	st, _ = Merge(st, page(0, 0, 1, 2, 3), transport.Anchor{Direction: transport.Newest}, 0)
	startRev := st.Rev

	// A subscription event edits 2 while the next fetch is in flight.
	next := st.Clone()
	next.Rev++
	edited := &store.Message{Author: "~zod", Sent: 2, Content: "edited", Edited: true}
	next.Messages.Set(id(2), edited, next.Rev)

	merged, _ := Merge(next, page(0, 0, 1, 2, 3), transport.Anchor{Direction: transport.Newest}, startRev)
	got, _ := merged.Messages.Get(id(2))
	if got.Content != "edited" {
		t.Errorf("content = %q, fetched copy overwrote a newer write", got.Content)
	}
	old, _ := merged.Messages.Get(id(1))
	if old.Content != "m" {
		t.Errorf("unrelated entry = %q", old.Content)
	}
}

func TestMergeReplacesProvisional(t *testing.T) {
	cid := store.CacheID{Author: "~zod", Sent: 1_700_000_000_000, Nonce: "n1"}
	st := store.NewConversation()
	st, _ = Merge(st, page(0, 0, 1, 2), transport.Anchor{Direction: transport.Newest}, 0)
	st = st.Clone()
	st.Rev++
	st.Messages.Set(cid.Slot(), &store.Message{Author: cid.Author, Sent: cid.Sent, Nonce: cid.Nonce, Provisional: true}, st.Rev)
	st.Cover(store.Span{Low: id(1), High: cid.Slot()})

	confirmed := &store.Page{Entries: []store.Entry{
		{ID: id(2), Message: &store.Message{Author: "~zod", Sent: 2}},
		{ID: id(3), Message: &store.Message{Author: cid.Author, Sent: cid.Sent, Nonce: cid.Nonce, Content: "hi"}},
	}}
	merged, res := Merge(st, confirmed, transport.Anchor{Direction: transport.Newest}, st.Rev)

	if merged.Messages.Has(cid.Slot()) {
		t.Error("provisional entry survived the fetch")
	}
	if len(res.Delivered) != 1 || !res.Delivered[0].Matches(cid) {
		t.Errorf("delivered = %v, want %v", res.Delivered, cid)
	}
	if len(res.Seen) != 2 {
		t.Errorf("seen = %v, want both fetched messages", res.Seen)
	}
	if m, _ := merged.Messages.Get(id(3)); m == nil || m.Provisional {
		t.Errorf("confirmed entry = %+v", m)
	}
}

func TestMergeEmptyPageIsNoop(t *testing.T) {
	st := store.NewConversation()
	next, res := Merge(st, &store.Page{}, transport.Anchor{Direction: transport.Newest}, 0)
	if res.Changed || next.Rev != st.Rev {
		t.Error("empty page changed the conversation")
	}
}
