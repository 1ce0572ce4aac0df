// Package transport defines what the cache core needs from the remote
// source of conversation history.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/store"
)

// ErrNotFound is returned when an anchor or target no longer exists.
var ErrNotFound = errors.New("not found")

// Direction selects which side of an anchor a page is fetched from.
type Direction string

const (
	Older  Direction = "older"
	Newer  Direction = "newer"
	Around Direction = "around"
	// Newest ignores the anchor time and returns the latest page.
	Newest Direction = "newest"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Older, Newer, Around, Newest:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Anchor positions a page fetch.
type Anchor struct {
	Time      msgid.ID
	Direction Direction
}

// Source is the remote conversation store. Every method is safe for
// concurrent use and honors ctx cancellation.
type Source interface {
	// FetchPage returns up to size messages next to anchor. Older and Newer
	// pages exclude the anchor itself; Around includes it.
	FetchPage(ctx context.Context, conv string, anchor Anchor, size int) (*store.Page, error)
	// FetchThread returns every reply under parent with the thread summary.
	// It fails with ErrNotFound when parent is not a live message.
	FetchThread(ctx context.Context, conv string, parent msgid.ID) (*store.Thread, error)
	// Subscribe delivers encoded event frames for conv, in order, until the
	// returned function is called or ctx ends.
	Subscribe(ctx context.Context, conv string, onFrame func([]byte)) (unsubscribe func(), err error)

	SubmitWrite(ctx context.Context, conv string, msg *store.Message) error
	SubmitReply(ctx context.Context, conv string, parent msgid.ID, reply *store.Reply) error
	SubmitReaction(ctx context.Context, conv string, id msgid.ID, author, react string) error
	SubmitReplyReaction(ctx context.Context, conv string, parent, id msgid.ID, author, react string) error
	SubmitEdit(ctx context.Context, conv string, id msgid.ID, content string) error
	SubmitDelete(ctx context.Context, conv string, id msgid.ID) error
	SubmitReplyDelete(ctx context.Context, conv string, parent, id msgid.ID) error
	// SubmitToggle hides (or with hide unset, shows) id for the local user.
	SubmitToggle(ctx context.Context, conv string, id msgid.ID, hide bool) error
}
