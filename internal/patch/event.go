package patch

import (
	"errors"
	"fmt"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/store"
)

// ErrMalformed marks an event whose shape cannot be applied.
var ErrMalformed = errors.New("malformed event")

// Event is one incremental change to a conversation.
type Event interface {
	// Kind names the variant for logs and metrics.
	Kind() string
	validate() error
}

// SetMessage creates or replaces the message at ID. A nil Message deletes it.
type SetMessage struct {
	ID      msgid.ID
	Message *store.Message
}

// EditMessage replaces the content of an existing message.
type EditMessage struct {
	ID      msgid.ID
	Content string
}

// SetReaction sets Author's reaction on a message. An empty React removes it.
type SetReaction struct {
	ID     msgid.ID
	Author string
	React  string
}

// SetReply creates, replaces or (with a nil Reply) deletes one reply in the
// thread under ID. Meta, when present, is the source's summary of the thread
// after the change.
type SetReply struct {
	ID      msgid.ID
	ReplyID msgid.ID
	Reply   *store.Reply
	Meta    *store.ReplyMeta
}

// SetReplyReaction sets Author's reaction on a reply.
type SetReplyReaction struct {
	ID      msgid.ID
	ReplyID msgid.ID
	Author  string
	React   string
}

// Hide adds ID to the local hidden set.
type Hide struct{ ID msgid.ID }

// Show removes ID from the local hidden set.
type Show struct{ ID msgid.ID }

// Retract removes the provisional message written for CacheID.
type Retract struct{ CacheID store.CacheID }

// RetractReply removes the provisional reply written for CacheID under
// Parent.
type RetractReply struct {
	Parent  msgid.ID
	CacheID store.CacheID
}

func (SetMessage) Kind() string       { return "set" }
func (EditMessage) Kind() string      { return "edit" }
func (SetReaction) Kind() string      { return "react" }
func (SetReply) Kind() string         { return "reply" }
func (SetReplyReaction) Kind() string { return "reply-react" }
func (Hide) Kind() string             { return "hide" }
func (Show) Kind() string             { return "show" }
func (Retract) Kind() string          { return "retract" }
func (RetractReply) Kind() string     { return "retract-reply" }

func malformed(kind, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", kind, fmt.Sprintf(format, args...), ErrMalformed)
}

func (e SetMessage) validate() error {
	if e.ID.IsZero() {
		return malformed(e.Kind(), "missing id")
	}
	if e.Message != nil && e.Message.Author == "" {
		return malformed(e.Kind(), "message %s has no author", e.ID)
	}
	return nil
}

func (e EditMessage) validate() error {
	if e.ID.IsZero() {
		return malformed(e.Kind(), "missing id")
	}
	return nil
}

func (e SetReaction) validate() error {
	if e.ID.IsZero() || e.Author == "" {
		return malformed(e.Kind(), "missing id or author")
	}
	return nil
}

func (e SetReply) validate() error {
	if e.ID.IsZero() || e.ReplyID.IsZero() {
		return malformed(e.Kind(), "missing parent or reply id")
	}
	if e.Reply != nil && e.Reply.Author == "" {
		return malformed(e.Kind(), "reply %s has no author", e.ReplyID)
	}
	if e.Meta != nil && e.Meta.Count < 0 {
		return malformed(e.Kind(), "negative reply count")
	}
	return nil
}

func (e SetReplyReaction) validate() error {
	if e.ID.IsZero() || e.ReplyID.IsZero() || e.Author == "" {
		return malformed(e.Kind(), "missing id, reply id or author")
	}
	return nil
}

func (e Hide) validate() error {
	if e.ID.IsZero() {
		return malformed(e.Kind(), "missing id")
	}
	return nil
}

func (e Show) validate() error {
	if e.ID.IsZero() {
		return malformed(e.Kind(), "missing id")
	}
	return nil
}

func (e Retract) validate() error {
	if e.CacheID.Author == "" {
		return malformed(e.Kind(), "missing author")
	}
	return nil
}

func (e RetractReply) validate() error {
	if e.Parent.IsZero() || e.CacheID.Author == "" {
		return malformed(e.Kind(), "missing parent or author")
	}
	return nil
}
