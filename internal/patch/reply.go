package patch

import (
	"slices"

	"github.com/matheus3301/chatcache/internal/store"
)

func setReply(st store.Conversation, e SetReply, opts Options) (store.Conversation, Outcome) {
	var out Outcome
	if e.Reply != nil && !e.Reply.Provisional {
		out.Seen = append(out.Seen, e.Reply.CacheID())
	}

	parent, ok := st.Messages.Get(e.ID)
	if !ok || parent == nil {
		return st, out
	}

	replies, partial := parent.Replies, parent.PartialThread
	if replies == nil && opts.PatchThrough && e.Reply != nil && e.Reply.Provisional {
		// A local reply into a thread that was never fetched starts a
		// partial one.
		replies, partial = store.NewOrdered[*store.Reply](), true
	}

	var prev *store.Reply
	existed := false
	if replies != nil {
		prev, existed = replies.Get(e.ReplyID)
		existed = existed && prev != nil
		replies = replies.Clone()
		if e.Reply == nil {
			replies.Remove(e.ReplyID)
		} else {
			if !e.Reply.Provisional {
				slot := e.Reply.CacheID().Slot()
				if p, ok := replies.Get(slot); ok && p != nil && p.Provisional && p.CacheID().Matches(e.Reply.CacheID()) {
					if !slot.Equal(e.ReplyID) {
						replies.Remove(slot)
					}
					out.Delivered = append(out.Delivered, e.Reply.CacheID())
					// The provisional already counted towards the thread.
					existed = true
				}
			}
			r := e.Reply.Clone()
			r.Parent = e.ID
			replies.Upsert(e.ReplyID, r)
		}
	} else if e.Reply == nil && e.Meta == nil {
		// Deleting from an unloaded thread without a summary: nothing to fold.
		return st, out
	}

	if e.Reply == nil && !existed && replies != nil && e.Meta == nil {
		return st, out
	}

	m := parent.Clone()
	m.Replies, m.PartialThread = replies, partial
	m.Meta = nextMeta(parent.Meta, replies != nil && !partial, replies, e, existed)

	next := st.Clone()
	next.Rev++
	next.Messages.Set(e.ID, m, next.Rev)
	out.Changed = true
	return next, out
}

// nextMeta keeps the thread summary consistent with the change: the event's
// own summary wins, a fully loaded thread is summarized directly, and an
// unloaded or partial one is adjusted by one.
func nextMeta(cur store.ReplyMeta, loaded bool, replies *store.Ordered[*store.Reply], e SetReply, existed bool) store.ReplyMeta {
	if e.Meta != nil {
		meta := *e.Meta
		meta.LastRepliers = slices.Clone(meta.LastRepliers)
		return meta
	}
	if loaded {
		return Summarize(replies)
	}
	if e.Reply == nil {
		return dropOne(cur)
	}
	meta := store.ReplyMeta{
		Count:        cur.Count,
		LastReply:    cur.LastReply,
		LastRepliers: slices.Clone(cur.LastRepliers),
	}
	if !existed {
		meta.Count++
	}
	if e.Reply.Sent > meta.LastReply {
		meta.LastReply = e.Reply.Sent
	}
	meta.LastRepliers = pushReplier(meta.LastRepliers, e.Reply.Author)
	return meta
}

// Summarize derives a thread summary from a loaded reply tree.
func Summarize(replies *store.Ordered[*store.Reply]) store.ReplyMeta {
	var meta store.ReplyMeta
	var order []*store.Reply
	for _, r := range replies.All() {
		if r == nil {
			continue
		}
		meta.Count++
		meta.LastReply = max(meta.LastReply, r.Sent)
		order = append(order, r)
	}
	for i := len(order) - 1; i >= 0 && len(meta.LastRepliers) < store.MaxLastRepliers; i-- {
		if !slices.Contains(meta.LastRepliers, order[i].Author) {
			meta.LastRepliers = append(meta.LastRepliers, order[i].Author)
		}
	}
	return meta
}

func dropOne(cur store.ReplyMeta) store.ReplyMeta {
	return store.ReplyMeta{
		Count:        max(0, cur.Count-1),
		LastReply:    cur.LastReply,
		LastRepliers: slices.Clone(cur.LastRepliers),
	}
}

func pushReplier(list []string, author string) []string {
	out := []string{author}
	for _, a := range list {
		if a != author && len(out) < store.MaxLastRepliers {
			out = append(out, a)
		}
	}
	return out
}

func setReplyReaction(st store.Conversation, e SetReplyReaction) (store.Conversation, Outcome) {
	parent, ok := st.Messages.Get(e.ID)
	if !ok || parent == nil || parent.Replies == nil {
		return st, Outcome{}
	}
	r, ok := parent.Replies.Get(e.ReplyID)
	if !ok || r == nil || r.Reactions[e.Author] == e.React {
		return st, Outcome{}
	}
	replies := parent.Replies.Clone()
	replies.Upsert(e.ReplyID, r.WithReaction(e.Author, e.React))
	m := parent.Clone()
	m.Replies = replies

	next := st.Clone()
	next.Rev++
	next.Messages.Set(e.ID, m, next.Rev)
	return next, Outcome{Changed: true}
}

func retractReply(st store.Conversation, e RetractReply) (store.Conversation, Outcome) {
	parent, ok := st.Messages.Get(e.Parent)
	if !ok || parent == nil || parent.Replies == nil {
		return st, Outcome{}
	}
	slot := e.CacheID.Slot()
	r, ok := parent.Replies.Get(slot)
	if !ok || r == nil || !r.Provisional || !r.CacheID().Matches(e.CacheID) {
		return st, Outcome{}
	}
	replies := parent.Replies.Clone()
	replies.Remove(slot)
	m := parent.Clone()
	switch {
	case !parent.PartialThread:
		m.Replies = replies
		m.Meta = Summarize(replies)
	case replies.Len() == 0:
		m.Replies, m.PartialThread = nil, false
		m.Meta = dropOne(parent.Meta)
	default:
		m.Replies = replies
		m.Meta = dropOne(parent.Meta)
	}

	next := st.Clone()
	next.Rev++
	next.Messages.Set(e.Parent, m, next.Rev)
	return next, Outcome{Changed: true}
}
