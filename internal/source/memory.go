package source

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

// everything is the single span a memory conversation is kept under, so
// every event lands inside loaded history.
var everything = store.Span{
	Low:  msgid.New(0),
	High: msgid.FromBig(new(big.Int).Lsh(big.NewInt(1), 256)),
}

// Memory is an in-memory transport.Source. The zero value is not usable;
// call NewMemory.
type Memory struct {
	*server
	mem *memoryBackend
}

// NewMemory creates an empty in-memory source.
func NewMemory(opts Options) *Memory {
	mem := &memoryBackend{convs: make(map[string]store.Conversation)}
	return &Memory{server: newServer(mem, opts), mem: mem}
}

// Snapshot returns the source's copy of conv, reply threads included.
func (m *Memory) Snapshot(conv string) store.Conversation {
	m.mem.mu.RLock()
	defer m.mem.mu.RUnlock()
	return m.mem.convs[conv]
}

type memoryBackend struct {
	mu    sync.RWMutex
	convs map[string]store.Conversation
}

func (b *memoryBackend) get(conv string) store.Conversation {
	st, ok := b.convs[conv]
	if !ok {
		st = store.NewConversation()
		st.Pages = []store.Span{everything}
	}
	return st
}

func (b *memoryBackend) apply(_ context.Context, conv string, ev patch.Event) (patch.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(conv)
	ev = withThread(st, ev)
	next, out := patch.Apply(st, ev, patch.Options{PatchThrough: true})
	if out.Err != nil {
		return nil, out.Err
	}
	b.convs[conv] = next

	switch e := ev.(type) {
	case patch.SetMessage:
		if m, ok := next.Messages.Get(e.ID); ok && m != nil {
			e.Message = stripThread(m)
		}
		return e, nil
	case patch.SetReply:
		if parent, ok := next.Messages.Get(e.ID); ok && parent != nil {
			meta := parent.Meta
			meta.LastRepliers = slices.Clone(meta.LastRepliers)
			e.Meta = &meta
		}
		return e, nil
	}
	return ev, nil
}

func (b *memoryBackend) live(_ context.Context, conv string, id msgid.ID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.get(conv).Messages.Get(id)
	return ok && m != nil, nil
}

func (b *memoryBackend) liveReply(_ context.Context, conv string, parent, id msgid.ID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.get(conv).Messages.Get(parent)
	if !ok || m == nil {
		return false, nil
	}
	r, ok := m.Replies.Get(id)
	return ok && r != nil, nil
}

func (b *memoryBackend) fetch(_ context.Context, conv string, anchor transport.Anchor, size int) (*store.Page, error) {
	b.mu.RLock()
	st := b.get(conv)
	b.mu.RUnlock()

	var all []store.Entry
	for id, m := range st.Messages.All() {
		all = append(all, store.Entry{ID: id, Message: stripThread(m)})
	}
	return cut(all, anchor, size)
}

func (b *memoryBackend) thread(_ context.Context, conv string, parent msgid.ID) (*store.Thread, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.get(conv).Messages.Get(parent)
	if !ok || m == nil {
		return nil, nil
	}
	meta := m.Meta
	meta.LastRepliers = slices.Clone(meta.LastRepliers)
	return &store.Thread{Replies: m.Replies.Clone(), Meta: meta}, nil
}

// withThread gives a newly stored message an empty thread. The source holds
// every thread in full, so its replies are always summarized from the tree.
func withThread(st store.Conversation, ev patch.Event) patch.Event {
	e, ok := ev.(patch.SetMessage)
	if !ok || e.Message == nil || e.Message.Replies != nil {
		return ev
	}
	if cur, ok := st.Messages.Get(e.ID); ok && cur != nil && cur.Replies != nil {
		return ev
	}
	m := e.Message.Clone()
	m.Replies = store.NewOrdered[*store.Reply]()
	e.Message = m
	return e
}

// stripThread drops the reply tree; pages carry only the thread summary.
func stripThread(m *store.Message) *store.Message {
	if m == nil || m.Replies == nil {
		return m
	}
	c := m.Clone()
	c.Replies = nil
	return c
}

// cut selects the page next to anchor from all, which is sorted by id.
// Around pages put (size-1)/2 entries before the anchor.
func cut(all []store.Entry, anchor transport.Anchor, size int) (*store.Page, error) {
	search := func(id msgid.ID) (int, bool) {
		return slices.BinarySearchFunc(all, id, func(e store.Entry, id msgid.ID) int {
			return e.ID.Cmp(id)
		})
	}

	n := len(all)
	var lo, hi int
	switch anchor.Direction {
	case transport.Newest:
		lo, hi = max(0, n-size), n
	case transport.Older:
		i, _ := search(anchor.Time)
		lo, hi = max(0, i-size), i
	case transport.Newer:
		i, found := search(anchor.Time)
		if found {
			i++
		}
		lo, hi = i, min(n, i+size)
	case transport.Around:
		i, found := search(anchor.Time)
		if !found || all[i].Message == nil {
			return nil, fmt.Errorf("around %s: %w", anchor.Time, transport.ErrNotFound)
		}
		lo = max(0, i-(size-1)/2)
		hi = min(n, lo+size)
	default:
		return nil, fmt.Errorf("fetch: unknown direction %q", anchor.Direction)
	}

	page := &store.Page{Entries: slices.Clone(all[lo:hi])}
	if lo > 0 && hi > lo {
		page.Older = all[lo].ID
	}
	if hi < n && hi > lo {
		page.Newer = all[hi-1].ID
	}
	return page, nil
}
