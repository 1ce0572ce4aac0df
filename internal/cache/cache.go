// Package cache owns the per-conversation snapshots every other component
// reads and writes.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/window"
)

// ErrStale is returned by Update when the conversation was reset or torn
// down after the caller read its epoch.
var ErrStale = errors.New("conversation changed since the read")

// Query keys registered by the fetch paths.
const (
	QueryRefresh = "refresh"
	QueryOlder   = "older"
	QueryNewer   = "newer"
	QueryAround  = "around"
	QueryThread  = "thread"
)

// Change is the payload of cache.changed events.
type Change struct {
	Rev  uint64
	Kind string
}

// Cache holds every loaded conversation. Only whole entries are inserted into
// or removed from the top-level map; each entry's snapshot is swapped under
// that entry's own lock.
type Cache struct {
	mu     sync.RWMutex
	convs  map[string]*entry
	stale  map[string]bool
	epochs atomic.Uint64

	hiddenMu sync.RWMutex
	hidden   store.Hidden

	windows *window.Tracker
	bus     *bus.Bus
	log     *zap.Logger
}

type entry struct {
	mu      sync.Mutex
	state   store.Conversation
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
	queries map[string]map[uint64]context.CancelFunc
	nextQ   uint64
}

// New creates an empty cache. A nil logger is replaced with a no-op one and a
// nil bus disables change notification.
func New(b *bus.Bus, windows *window.Tracker, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windows == nil {
		windows = window.NewTracker()
	}
	return &Cache{
		convs:   make(map[string]*entry),
		stale:   make(map[string]bool),
		windows: windows,
		bus:     b,
		log:     logger,
	}
}

// Windows returns the tracker the cache resets alongside its entries.
func (c *Cache) Windows() *window.Tracker { return c.windows }

func (c *Cache) newEntry() *entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry{
		state:   store.NewConversation(),
		epoch:   c.epochs.Add(1),
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[string]map[uint64]context.CancelFunc),
	}
}

func (c *Cache) lookup(conv string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.convs[conv]
}

func (c *Cache) ensure(conv string) *entry {
	if e := c.lookup(conv); e != nil {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.convs[conv]; ok {
		return e
	}
	e := c.newEntry()
	c.convs[conv] = e
	return e
}

// Open makes sure conv has an entry and returns its current epoch.
func (c *Cache) Open(conv string) uint64 {
	e := c.ensure(conv)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Snapshot returns the current state of conv. The returned value must be
// treated as read-only.
func (c *Cache) Snapshot(conv string) (store.Conversation, bool) {
	e := c.lookup(conv)
	if e == nil {
		return store.Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// SnapshotEpoch is like Snapshot but also returns the epoch the state belongs
// to, for a later Update.
func (c *Cache) SnapshotEpoch(conv string) (store.Conversation, uint64, bool) {
	e := c.lookup(conv)
	if e == nil {
		return store.Conversation{}, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.epoch, true
}

// Apply folds a remote event into conv. Conversations that are not cached
// are left alone, but the outcome still reports the identities the event
// carried so pending writes can be confirmed.
func (c *Cache) Apply(conv string, ev patch.Event) patch.Outcome {
	if isHiddenEvent(ev) {
		return c.ApplyHidden(conv, ev)
	}
	opts := patch.Options{PatchThrough: c.windows.Get(conv).LoadedNewest}
	e := c.lookup(conv)
	if e == nil {
		_, out := patch.Apply(store.Conversation{}, ev, opts)
		return out
	}
	return c.fold(conv, e, ev, opts)
}

// ApplyLocal folds a locally originated event. The entry is created if
// needed and the event may always extend the live edge.
func (c *Cache) ApplyLocal(conv string, ev patch.Event) patch.Outcome {
	if isHiddenEvent(ev) {
		return c.ApplyHidden(conv, ev)
	}
	return c.fold(conv, c.ensure(conv), ev, patch.Options{PatchThrough: true})
}

func (c *Cache) fold(conv string, e *entry, ev patch.Event, opts patch.Options) patch.Outcome {
	e.mu.Lock()
	next, out := patch.Apply(e.state, ev, opts)
	if out.Changed {
		e.state = next
	}
	e.mu.Unlock()

	if out.Err != nil {
		c.log.Debug("event not applied",
			zap.String("conversation", conv),
			zap.String("kind", kindOf(ev)),
			zap.Error(out.Err),
		)
	}
	if out.Changed {
		c.publish(conv, next.Rev, kindOf(ev))
	}
	return out
}

// ApplyHidden folds Hide and Show into the hidden set.
func (c *Cache) ApplyHidden(conv string, ev patch.Event) patch.Outcome {
	c.hiddenMu.Lock()
	next, out := patch.ApplyHidden(c.hidden, ev)
	if out.Changed {
		c.hidden = next
	}
	c.hiddenMu.Unlock()
	if out.Changed {
		c.publish(conv, 0, kindOf(ev))
	}
	return out
}

// IsHidden reports whether the local user hid the message.
func (c *Cache) IsHidden(id msgid.ID) bool {
	c.hiddenMu.RLock()
	defer c.hiddenMu.RUnlock()
	return c.hidden.Has(id)
}

// Hidden returns the current hidden set. It must not be modified.
func (c *Cache) Hidden() store.Hidden {
	c.hiddenMu.RLock()
	defer c.hiddenMu.RUnlock()
	return c.hidden
}

// Update replaces conv's state with fn's result if conv is still at epoch.
// fn returns false to leave the state unchanged.
func (c *Cache) Update(conv string, epoch uint64, fn func(store.Conversation) (store.Conversation, bool)) error {
	e := c.lookup(conv)
	if e == nil {
		return ErrStale
	}
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return ErrStale
	}
	next, changed := fn(e.state)
	if changed {
		e.state = next
	}
	e.mu.Unlock()
	if changed {
		c.publish(conv, next.Rev, "merge")
	}
	return nil
}

// BeginQuery registers an in-flight fetch of kind key for conv. The returned
// context is cancelled by CancelQueries, Reset, Teardown or done.
func (c *Cache) BeginQuery(conv, key string) (ctx context.Context, epoch uint64, done func()) {
	e := c.ensure(conv)
	e.mu.Lock()
	defer e.mu.Unlock()

	qctx, cancel := context.WithCancel(e.ctx)
	id := e.nextQ
	e.nextQ++
	if e.queries[key] == nil {
		e.queries[key] = make(map[uint64]context.CancelFunc)
	}
	e.queries[key][id] = cancel
	q := e.queries[key]
	return qctx, e.epoch, func() {
		e.mu.Lock()
		delete(q, id)
		e.mu.Unlock()
		cancel()
	}
}

// CancelQueries cancels every in-flight query of the given kinds for conv.
// It returns how many were cancelled.
func (c *Cache) CancelQueries(conv string, keys ...string) int {
	e := c.lookup(conv)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, key := range keys {
		for id, cancel := range e.queries[key] {
			cancel()
			delete(e.queries[key], id)
			n++
		}
	}
	return n
}

// MarkStale records that conv should be refetched next time it is shown.
func (c *Cache) MarkStale(conv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale[conv] = true
}

// TakeStale reports and clears the stale mark.
func (c *Cache) TakeStale(conv string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stale[conv]
	delete(c.stale, conv)
	return s
}

// Reset discards every page of conv, cancels its queries and resets its
// window, keeping the entry. The new epoch is returned.
func (c *Cache) Reset(conv string) uint64 {
	e := c.ensure(conv)
	e.mu.Lock()
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.queries = make(map[string]map[uint64]context.CancelFunc)
	e.state = store.NewConversation()
	e.epoch = c.epochs.Add(1)
	epoch := e.epoch
	e.mu.Unlock()

	c.windows.Reset(conv)
	c.bus.Publish(bus.Event{Kind: bus.KindCacheReset, Conversation: conv, Timestamp: time.Now()})
	return epoch
}

// Teardown drops conv entirely: in-flight queries are cancelled and any
// result they produce later is discarded.
func (c *Cache) Teardown(conv string) {
	c.mu.Lock()
	e, ok := c.convs[conv]
	delete(c.convs, conv)
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.cancel()
	e.epoch = 0
	e.mu.Unlock()
	c.windows.Reset(conv)
}

// Conversations lists the ids with a cache entry.
func (c *Cache) Conversations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.convs))
	for k := range c.convs {
		out = append(out, k)
	}
	return out
}

// Watch returns a channel that receives a bus event after every change to
// conv, and a function to stop watching.
func (c *Cache) Watch(conv string) (<-chan bus.Event, func()) {
	if c.bus == nil {
		return nil, func() {}
	}
	return c.bus.SubscribeConversation("cache.", conv, 64)
}

func (c *Cache) publish(conv string, rev uint64, kind string) {
	c.bus.Publish(bus.Event{
		Kind:         bus.KindCacheChanged,
		Conversation: conv,
		Timestamp:    time.Now(),
		Payload:      Change{Rev: rev, Kind: kind},
	})
}

func isHiddenEvent(ev patch.Event) bool {
	switch ev.(type) {
	case patch.Hide, patch.Show:
		return true
	}
	return false
}

func kindOf(ev patch.Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.Kind()
}
