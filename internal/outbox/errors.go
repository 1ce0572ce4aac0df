package outbox

import (
	"errors"
	"fmt"

	"github.com/matheus3301/chatcache/internal/store"
)

var (
	// ErrWriteTimeout is recorded on a write that was not delivered in time.
	ErrWriteTimeout = errors.New("write not delivered before timeout")
	// ErrInvalidWrite is returned for a write missing its conversation,
	// author or timestamp.
	ErrInvalidWrite = errors.New("invalid write")
	// ErrNotTracked is returned by operations on an unknown write.
	ErrNotTracked = errors.New("write not tracked")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("outbox stopped")
)

// RejectedError is recorded when the source refuses a write.
type RejectedError struct {
	Conversation string
	CacheID      store.CacheID
	Err          error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("write %s/%d in %s rejected: %v", e.CacheID.Author, e.CacheID.Sent, e.Conversation, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }
