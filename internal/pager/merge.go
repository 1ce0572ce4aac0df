package pager

import (
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

// MergeResult reports what a Merge did besides producing the new state.
type MergeResult struct {
	Changed bool
	// Delivered lists provisional entries replaced by fetched messages.
	Delivered []store.CacheID
	// Seen lists the identity of every fetched message.
	Seen []store.CacheID
}

// Merge folds a fetched page into st. startRev is the conversation revision
// when the fetch was issued: an entry written after that (by the
// subscription or a local action) is newer than the fetched copy and kept,
// unless it is provisional. The page's range is widened to the anchor for
// older and newer fetches so it coalesces with the span it continues.
func Merge(st store.Conversation, page *store.Page, anchor transport.Anchor, startRev uint64) (store.Conversation, MergeResult) {
	var res MergeResult
	low, high, ok := page.Bounds()
	if !ok {
		return st, res
	}

	next := st.Clone()
	if next.Messages == nil {
		next.Messages = store.NewOrdered[*store.Message]()
	}
	next.Rev++

	var removed []msgid.ID
	for _, e := range page.Entries {
		fetched := e.Message
		if fetched != nil && !fetched.Provisional {
			res.Seen = append(res.Seen, fetched.CacheID())
			if slot, ok := next.FindProvisional(fetched.CacheID()); ok {
				if !slot.Equal(e.ID) {
					next.Messages.Remove(slot)
					removed = append(removed, slot)
				}
				res.Delivered = append(res.Delivered, fetched.CacheID())
			}
		}

		existing, present := next.Messages.Get(e.ID)
		if present && (existing == nil || !existing.Provisional) && next.Messages.Rev(e.ID) > startRev {
			continue
		}
		next.Messages.Set(e.ID, keepThread(fetched, existing), next.Rev)
	}

	span := store.Span{Low: low, High: high, Older: page.Older, Newer: page.Newer}
	if !anchor.Time.IsZero() {
		switch anchor.Direction {
		case transport.Older:
			span.High = msgid.Max(span.High, anchor.Time)
		case transport.Newer:
			span.Low = msgid.Min(span.Low, anchor.Time)
		}
	}
	next.Cover(span)
	for _, slot := range removed {
		next.Shrink(next.PageOf(slot))
	}

	res.Changed = true
	return next, res
}

// keepThread carries a loaded reply tree over to a fetched copy that does
// not include one.
func keepThread(fetched, existing *store.Message) *store.Message {
	if fetched == nil || fetched.Replies != nil || existing == nil || existing.Replies == nil {
		return fetched
	}
	m := fetched.Clone()
	m.Replies, m.PartialThread = existing.Replies, existing.PartialThread
	return m
}

// MergeThread replaces parent's reply tree with a fetched one and derives
// the summary from the result. Provisional replies the fetch does not
// include yet are kept; those it does include are reported as delivered.
func MergeThread(st store.Conversation, parent msgid.ID, th *store.Thread) (store.Conversation, MergeResult) {
	var res MergeResult
	m, ok := st.Messages.Get(parent)
	if !ok || m == nil || th == nil {
		return st, res
	}

	replies := th.Replies.Clone()
	for _, r := range th.Replies.All() {
		if r != nil {
			res.Seen = append(res.Seen, r.CacheID())
		}
	}
	for id, r := range m.Replies.All() {
		if r == nil || !r.Provisional {
			continue
		}
		if containsReply(th.Replies, r.CacheID()) {
			res.Delivered = append(res.Delivered, r.CacheID())
			continue
		}
		if !replies.Has(id) {
			replies.Upsert(id, r)
		}
	}

	c := m.Clone()
	c.Replies, c.PartialThread = replies, false
	c.Meta = patch.Summarize(replies)

	next := st.Clone()
	next.Rev++
	next.Messages.Set(parent, c, next.Rev)
	res.Changed = true
	return next, res
}

func containsReply(replies *store.Ordered[*store.Reply], cid store.CacheID) bool {
	for _, r := range replies.All() {
		if r != nil && !r.Provisional && r.CacheID().Matches(cid) {
			return true
		}
	}
	return false
}
