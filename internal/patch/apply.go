// Package patch folds incremental conversation events into cache snapshots.
//
// Every function here is pure: it takes a snapshot, returns a new one, and
// never mutates its input. Unchanged snapshots are returned as-is so callers
// can skip publishing.
package patch

import (
	"fmt"
	"maps"
	"slices"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/store"
)

// Options control how an event is placed.
type Options struct {
	// PatchThrough lets a message newer than every loaded page extend the
	// newest page (or start one). It is set for the live edge and for local
	// writes.
	PatchThrough bool
}

// Outcome reports what an Apply did.
type Outcome struct {
	Changed bool
	// Delivered lists provisional entries that were replaced by their
	// canonical version.
	Delivered []store.CacheID
	// Seen lists the identity of every canonical message or reply the event
	// carried, applied or not.
	Seen []store.CacheID
	Err  error
}

// Apply folds ev into st. It is total: an event for something not loaded is
// a no-op and an invalid event is a no-op with Outcome.Err wrapping
// ErrMalformed. Hide and Show are ignored here; see ApplyHidden.
func Apply(st store.Conversation, ev Event, opts Options) (store.Conversation, Outcome) {
	if ev == nil {
		return st, Outcome{Err: fmt.Errorf("nil event: %w", ErrMalformed)}
	}
	if err := ev.validate(); err != nil {
		return st, Outcome{Err: err}
	}
	if st.Messages == nil {
		st = store.NewConversation()
	}

	switch e := ev.(type) {
	case SetMessage:
		return setMessage(st, e, opts)
	case EditMessage:
		return updateMessage(st, e.ID, func(m *store.Message) *store.Message {
			if m.Content == e.Content {
				return nil
			}
			return m.WithContent(e.Content)
		})
	case SetReaction:
		return updateMessage(st, e.ID, func(m *store.Message) *store.Message {
			if m.Reactions[e.Author] == e.React {
				return nil
			}
			return m.WithReaction(e.Author, e.React)
		})
	case SetReply:
		return setReply(st, e, opts)
	case SetReplyReaction:
		return setReplyReaction(st, e)
	case Retract:
		return retract(st, e)
	case RetractReply:
		return retractReply(st, e)
	case Hide, Show:
		return st, Outcome{}
	default:
		return st, Outcome{Err: fmt.Errorf("unknown event %T: %w", ev, ErrMalformed)}
	}
}

// ApplyHidden folds Hide and Show into the hidden set. Other events leave it
// unchanged.
func ApplyHidden(h store.Hidden, ev Event) (store.Hidden, Outcome) {
	switch e := ev.(type) {
	case Hide:
		if err := e.validate(); err != nil {
			return h, Outcome{Err: err}
		}
		if h.Has(e.ID) {
			return h, Outcome{}
		}
		return h.With(e.ID), Outcome{Changed: true}
	case Show:
		if err := e.validate(); err != nil {
			return h, Outcome{Err: err}
		}
		if !h.Has(e.ID) {
			return h, Outcome{}
		}
		return h.Without(e.ID), Outcome{Changed: true}
	}
	return h, Outcome{}
}

func setMessage(st store.Conversation, e SetMessage, opts Options) (store.Conversation, Outcome) {
	var out Outcome
	incoming := e.Message
	if incoming != nil && !incoming.Provisional {
		out.Seen = append(out.Seen, incoming.CacheID())
	}

	existing, present := st.Messages.Get(e.ID)
	page := st.PageOf(e.ID)

	// A provisional entry for the same local write, stored at its
	// timestamp-derived slot, is replaced by the canonical message.
	var provisional msgid.ID
	if incoming != nil && !incoming.Provisional {
		if slot, ok := st.FindProvisional(incoming.CacheID()); ok {
			provisional = slot
			if page < 0 {
				page = st.PageOf(slot)
			}
		}
	}

	if page < 0 && !present {
		if incoming == nil || !opts.PatchThrough || !newerThanLoaded(st, e.ID) {
			return st, out
		}
	}
	value := preserveThread(incoming, existing)
	if provisional.IsZero() && present && sameMessage(existing, value) {
		return st, out
	}

	next := st.Clone()
	next.Rev++
	if !provisional.IsZero() {
		if !provisional.Equal(e.ID) {
			next.Messages.Remove(provisional)
		}
		out.Delivered = append(out.Delivered, incoming.CacheID())
	}
	next.Messages.Set(e.ID, value, next.Rev)
	place(&next, page, e.ID, provisional)
	out.Changed = true
	return next, out
}

// place makes sure id is covered by a span. page is the span that already
// contains id or the provisional it replaced, or -1 to extend the live edge.
func place(c *store.Conversation, page int, id, removed msgid.ID) {
	switch {
	case page >= 0:
		p := c.Pages[page]
		p.Low = msgid.Min(p.Low, id)
		p.High = msgid.Max(p.High, id)
		c.Cover(p)
	case len(c.Pages) == 0:
		c.Cover(store.Span{Low: id, High: id})
	default:
		p := c.Pages[c.Newest()]
		p.High = msgid.Max(p.High, id)
		c.Cover(p)
	}
	if !removed.IsZero() && !removed.Equal(id) {
		c.Shrink(c.PageOf(removed))
	}
}

func newerThanLoaded(st store.Conversation, id msgid.ID) bool {
	n := st.Newest()
	return n < 0 || st.Pages[n].High.Less(id)
}

// preserveThread keeps a loaded reply tree when the incoming copy of the
// message does not carry one.
func preserveThread(incoming, existing *store.Message) *store.Message {
	if incoming == nil || incoming.Replies != nil || existing == nil || existing.Replies == nil {
		return incoming
	}
	c := incoming.Clone()
	c.Replies, c.PartialThread = existing.Replies, existing.PartialThread
	if c.Meta.Count == 0 && existing.Meta.Count > 0 {
		c.Meta = existing.Meta
	}
	return c
}

func sameMessage(a, b *store.Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	return a.Author == b.Author && a.Sent == b.Sent && a.Content == b.Content &&
		a.Nonce == b.Nonce && a.Edited == b.Edited && a.Provisional == b.Provisional &&
		a.Replies == b.Replies && a.PartialThread == b.PartialThread && maps.Equal(a.Reactions, b.Reactions) &&
		a.Meta.Count == b.Meta.Count && a.Meta.LastReply == b.Meta.LastReply &&
		slices.Equal(a.Meta.LastRepliers, b.Meta.LastRepliers)
}

// updateMessage rewrites an existing, non-deleted message in place. fn
// returns nil when nothing changes.
func updateMessage(st store.Conversation, id msgid.ID, fn func(*store.Message) *store.Message) (store.Conversation, Outcome) {
	m, ok := st.Messages.Get(id)
	if !ok || m == nil {
		return st, Outcome{}
	}
	updated := fn(m)
	if updated == nil {
		return st, Outcome{}
	}
	next := st.Clone()
	next.Rev++
	next.Messages.Set(id, updated, next.Rev)
	return next, Outcome{Changed: true}
}

func retract(st store.Conversation, e Retract) (store.Conversation, Outcome) {
	slot, ok := st.FindProvisional(e.CacheID)
	if !ok {
		return st, Outcome{}
	}
	page := st.PageOf(slot)
	next := st.Clone()
	next.Rev++
	next.Messages.Remove(slot)
	next.Shrink(page)
	return next, Outcome{Changed: true}
}
