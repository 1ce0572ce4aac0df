package store

import (
	"iter"
	"slices"

	"github.com/matheus3301/chatcache/internal/msgid"
)

// Span is one loaded page of a conversation: a contiguous id range together
// with the cursors that continue it. All spans index the conversation's single
// ordered store, so an id belongs to at most one span.
type Span struct {
	Low   msgid.ID
	High  msgid.ID
	Older msgid.ID
	Newer msgid.ID
}

// Contains reports whether id falls inside the span.
func (s Span) Contains(id msgid.ID) bool {
	return !id.Less(s.Low) && !s.High.Less(id)
}

// Overlaps reports whether the two ranges share at least one id.
func (s Span) Overlaps(o Span) bool {
	return !s.High.Less(o.Low) && !o.High.Less(s.Low)
}

// Touches reports whether the two spans leave no unloaded ids between them:
// they overlap, or one's cursor on the side facing the other already reaches
// into it.
func (s Span) Touches(o Span) bool {
	if s.Overlaps(o) {
		return true
	}
	if s.High.Less(o.Low) {
		return s.reachesUp(o.Low) || o.reachesDown(s.High)
	}
	return o.reachesUp(s.Low) || s.reachesDown(o.High)
}

func (s Span) reachesUp(id msgid.ID) bool {
	return !s.Newer.IsZero() && !s.Newer.Less(id)
}

func (s Span) reachesDown(id msgid.ID) bool {
	return !s.Older.IsZero() && !id.Less(s.Older)
}

// OlderAnchor is the cursor to fetch older history from.
func (s Span) OlderAnchor() msgid.ID {
	if !s.Older.IsZero() {
		return s.Older
	}
	return s.Low
}

// NewerAnchor is the cursor to fetch newer history from.
func (s Span) NewerAnchor() msgid.ID {
	if !s.Newer.IsZero() {
		return s.Newer
	}
	return s.High
}

// Conversation is the paginated cache value for one conversation. Values are
// treated as immutable snapshots: writers Clone, modify the clone, and publish
// it, so a reader holding an older snapshot never observes a partial update.
type Conversation struct {
	// Pages are ordered oldest first and never overlap.
	Pages    []Span
	Messages *Ordered[*Message]
	// Rev counts mutations and stamps entries as they are written.
	Rev uint64
}

// NewConversation returns an empty snapshot.
func NewConversation() Conversation {
	return Conversation{Messages: NewOrdered[*Message]()}
}

// Clone copies the page list and lazily clones the message tree.
func (c Conversation) Clone() Conversation {
	return Conversation{
		Pages:    slices.Clone(c.Pages),
		Messages: c.Messages.Clone(),
		Rev:      c.Rev,
	}
}

// PageOf returns the index of the span containing id, or -1.
func (c Conversation) PageOf(id msgid.ID) int {
	return slices.IndexFunc(c.Pages, func(s Span) bool { return s.Contains(id) })
}

// Newest returns the index of the newest span, or -1 when nothing is loaded.
func (c Conversation) Newest() int {
	return len(c.Pages) - 1
}

// Empty reports whether no page has been loaded.
func (c Conversation) Empty() bool { return len(c.Pages) == 0 }

// Ordered yields every loaded entry in ascending id order, tombstones
// included as nil messages.
func (c Conversation) Ordered() iter.Seq2[msgid.ID, *Message] {
	return c.Messages.All()
}

// FindProvisional returns the id of the message whose CacheID matches cid and that is
// stored at cid's provisional slot.
func (c Conversation) FindProvisional(cid CacheID) (msgid.ID, bool) {
	slot := cid.Slot()
	m, ok := c.Messages.Get(slot)
	if !ok || m == nil || !m.Provisional || !m.CacheID().Matches(cid) {
		return msgid.ID{}, false
	}
	return slot, true
}

// Cover adds s to the page list, coalescing it with every span it touches,
// and returns the index of the resulting span. The merged span keeps the
// older cursor of its lowest member and the newer cursor of its highest; s
// wins ties. c must not share its page slice with a published snapshot.
func (c *Conversation) Cover(s Span) int {
	merged := s
	kept := c.Pages[:0:0]
	for _, p := range c.Pages {
		if !p.Touches(merged) {
			kept = append(kept, p)
			continue
		}
		if p.Low.Less(merged.Low) {
			merged.Low, merged.Older = p.Low, p.Older
		}
		if merged.High.Less(p.High) {
			merged.High, merged.Newer = p.High, p.Newer
		}
	}
	at, _ := slices.BinarySearchFunc(kept, merged, func(a, b Span) int { return a.Low.Cmp(b.Low) })
	c.Pages = slices.Insert(kept, at, merged)
	return at
}

// Shrink recomputes the bounds of page i from the entries it still holds and
// drops the page when it holds none.
func (c *Conversation) Shrink(i int) {
	if i < 0 || i >= len(c.Pages) {
		return
	}
	p := c.Pages[i]
	var low, high msgid.ID
	for id := range c.Messages.Range(p.Low, p.High, true) {
		if low.IsZero() {
			low = id
		}
		high = id
	}
	if low.IsZero() {
		c.Pages = slices.Delete(c.Pages, i, i+1)
		return
	}
	c.Pages[i].Low, c.Pages[i].High = low, high
}
