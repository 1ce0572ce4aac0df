package store

import (
	"maps"
	"slices"

	"github.com/matheus3301/chatcache/internal/msgid"
)

// MaxLastRepliers bounds ReplyMeta.LastRepliers.
const MaxLastRepliers = 3

// CacheID identifies a message the local client authored before the remote
// source assigned it an id. Nonce is optional; when both sides of a
// comparison carry one they must agree.
type CacheID struct {
	Author string
	Sent   int64
	Nonce  string
}

// WriteKey is the (author, sent) pair a CacheID is tracked under.
type WriteKey struct {
	Author string
	Sent   int64
}

// Key drops the nonce.
func (c CacheID) Key() WriteKey { return WriteKey{Author: c.Author, Sent: c.Sent} }

// Slot returns the id a provisional entry for c is stored at.
func (c CacheID) Slot() msgid.ID { return msgid.FromUnixMilli(c.Sent) }

// Matches reports whether c and other refer to the same local write.
func (c CacheID) Matches(other CacheID) bool {
	if c.Author != other.Author || c.Sent != other.Sent {
		return false
	}
	return c.Nonce == "" || other.Nonce == "" || c.Nonce == other.Nonce
}

// ReplyMeta summarizes a message's thread.
type ReplyMeta struct {
	Count        int
	LastReply    int64 // unix ms, 0 when there are no replies
	LastRepliers []string
}

// Message is one post in a conversation.
type Message struct {
	Author    string
	Sent      int64 // unix ms, as stamped by the author's client
	Content   string
	Nonce     string
	Reactions map[string]string // author -> reaction
	// Replies is nil when the thread has not been loaded.
	Replies *Ordered[*Reply]
	// PartialThread marks Replies as holding only replies written locally
	// since the message was fetched. Meta then keeps counting from the
	// source's summary instead of being derived from Replies.
	PartialThread bool
	Meta          ReplyMeta
	Edited        bool
	Provisional   bool
}

// CacheID returns the identity the message had before confirmation.
func (m *Message) CacheID() CacheID {
	return CacheID{Author: m.Author, Sent: m.Sent, Nonce: m.Nonce}
}

// Clone returns a shallow copy. Maps, slices and the reply tree are shared
// and must be replaced, not mutated, on the copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// WithReaction returns a copy with author's reaction set, or removed when
// react is empty.
func (m *Message) WithReaction(author, react string) *Message {
	c := m.Clone()
	c.Reactions = withReaction(m.Reactions, author, react)
	return c
}

// WithContent returns an edited copy.
func (m *Message) WithContent(content string) *Message {
	c := m.Clone()
	c.Content = content
	c.Edited = true
	return c
}

// Reply is one entry in a message's thread.
type Reply struct {
	Parent      msgid.ID
	Author      string
	Sent        int64
	Content     string
	Nonce       string
	Reactions   map[string]string
	Provisional bool
}

// CacheID returns the identity the reply had before confirmation.
func (r *Reply) CacheID() CacheID {
	return CacheID{Author: r.Author, Sent: r.Sent, Nonce: r.Nonce}
}

// Clone returns a shallow copy.
func (r *Reply) Clone() *Reply {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// WithReaction returns a copy with author's reaction set or removed.
func (r *Reply) WithReaction(author, react string) *Reply {
	c := r.Clone()
	c.Reactions = withReaction(r.Reactions, author, react)
	return c
}

func withReaction(in map[string]string, author, react string) map[string]string {
	out := maps.Clone(in)
	if out == nil {
		out = make(map[string]string)
	}
	if react == "" {
		delete(out, author)
	} else {
		out[author] = react
	}
	return out
}

// Thread is a message's full reply tree as served by the remote source.
type Thread struct {
	Replies *Ordered[*Reply]
	Meta    ReplyMeta
}

// Draft is the author-supplied part of a message or reply.
type Draft struct {
	Content string
}

// Entry is one (id, message) pair. A nil Message is a tombstone.
type Entry struct {
	ID      msgid.ID
	Message *Message
}

// Page is a contiguous batch returned by the remote source. A zero cursor
// means there is nothing further in that direction.
type Page struct {
	Entries []Entry
	Older   msgid.ID
	Newer   msgid.ID
}

// Bounds returns the lowest and highest ids in the page.
func (p *Page) Bounds() (low, high msgid.ID, ok bool) {
	if p == nil || len(p.Entries) == 0 {
		return msgid.ID{}, msgid.ID{}, false
	}
	low, high = p.Entries[0].ID, p.Entries[0].ID
	for _, e := range p.Entries[1:] {
		low = msgid.Min(low, e.ID)
		high = msgid.Max(high, e.ID)
	}
	return low, high, true
}

// Contains reports whether id is one of the page's entries.
func (p *Page) Contains(id msgid.ID) bool {
	if p == nil {
		return false
	}
	return slices.ContainsFunc(p.Entries, func(e Entry) bool { return e.ID.Equal(id) })
}
