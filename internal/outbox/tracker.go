// Package outbox tracks locally authored writes from the optimistic insert
// until the subscription delivers them.
package outbox

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/metrics"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/status"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

// DefaultTimeout bounds how long a write may stay undelivered.
const DefaultTimeout = 15 * time.Second

// TrackedWrite is the consumer view of one tracked write.
type TrackedWrite struct {
	Conversation string
	CacheID      store.CacheID
	// Parent is set for replies.
	Parent msgid.ID
	Status status.State
	Err    error
}

type write struct {
	conv    string
	cid     store.CacheID
	parent  msgid.ID
	draft   store.Draft
	machine *status.Machine
	err     error
	timer   *clock.Timer
	gen     uint64
}

func (w *write) isReply() bool { return !w.parent.IsZero() }

// Tracker inserts provisional entries, issues the remote writes and resolves
// each write to Delivered or Failed.
type Tracker struct {
	mu      sync.Mutex
	writes  map[store.WriteKey]*write
	stopped bool
	// gen stamps every send and resolution; a write replaced under the same
	// key never shares a generation with its replacement.
	gen uint64

	cache    *cache.Cache
	source   transport.Source
	bus      *bus.Bus
	clock    clock.Clock
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	rejected func(conv string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configure a Tracker. Zero values select the defaults.
type Options struct {
	Clock   clock.Clock
	Timeout time.Duration
	Metrics *metrics.Metrics
	// OnRejected is called when an untracked write (reaction, edit,
	// delete) is refused, so the conversation can be refetched.
	OnRejected func(conv string)
}

// NewTracker creates a tracker writing to c and src.
func NewTracker(c *cache.Cache, src transport.Source, b *bus.Bus, logger *zap.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		writes:   make(map[store.WriteKey]*write),
		cache:    c,
		source:   src,
		bus:      b,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		logger:   logger,
		metrics:  opts.Metrics,
		rejected: opts.OnRejected,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetRejectHandler replaces the OnRejected callback.
func (t *Tracker) SetRejectHandler(fn func(conv string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected = fn
}

// Submit inserts a provisional message for cid and sends it. It returns
// once the local insert is visible; delivery is reported through Status.
// A missing nonce is generated and the completed CacheID returned.
func (t *Tracker) Submit(conv string, cid store.CacheID, draft store.Draft) (store.CacheID, error) {
	return t.submit(conv, msgid.ID{}, cid, draft)
}

// SubmitReply is Submit for a reply in parent's thread.
func (t *Tracker) SubmitReply(conv string, parent msgid.ID, cid store.CacheID, draft store.Draft) (store.CacheID, error) {
	if parent.IsZero() {
		return cid, fmt.Errorf("submit reply: missing parent: %w", ErrInvalidWrite)
	}
	return t.submit(conv, parent, cid, draft)
}

func (t *Tracker) submit(conv string, parent msgid.ID, cid store.CacheID, draft store.Draft) (store.CacheID, error) {
	if conv == "" || cid.Author == "" || cid.Sent <= 0 {
		return cid, fmt.Errorf("submit %q by %q at %d: %w", conv, cid.Author, cid.Sent, ErrInvalidWrite)
	}
	if cid.Nonce == "" {
		cid.Nonce = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return cid, ErrStopped
	}

	// Last writer wins for two local writes with the same key.
	if old, ok := t.writes[cid.Key()]; ok && old.timer != nil {
		old.timer.Stop()
	}
	w := &write{
		conv:    conv,
		cid:     cid,
		parent:  parent,
		draft:   draft,
		machine: status.NewMachine(t.bus, conv, cid),
	}
	t.writes[cid.Key()] = w
	t.metrics.TrackedWrites(len(t.writes))
	t.metrics.WriteTransition(string(status.Pending))

	t.start(w)
	return cid, nil
}

// start inserts the provisional entry, arms the timeout and sends. Callers
// hold t.mu.
func (t *Tracker) start(w *write) {
	t.cache.CancelQueries(w.conv, cache.QueryRefresh)
	t.cache.ApplyLocal(w.conv, w.provisional())

	gen := t.bump(w)
	key := w.cid.Key()
	w.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(key, gen) })

	t.logger.Debug("write submitted",
		zap.String("conversation", w.conv),
		zap.String("cache_id", cacheIDString(w.cid)),
		zap.Bool("reply", w.isReply()),
	)

	conv, cid, parent, draft := w.conv, w.cid, w.parent, w.draft
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		var err error
		if parent.IsZero() {
			err = t.source.SubmitWrite(t.ctx, conv, &store.Message{
				Author:  cid.Author,
				Sent:    cid.Sent,
				Content: draft.Content,
				Nonce:   cid.Nonce,
			})
		} else {
			err = t.source.SubmitReply(t.ctx, conv, parent, &store.Reply{
				Parent:  parent,
				Author:  cid.Author,
				Sent:    cid.Sent,
				Content: draft.Content,
				Nonce:   cid.Nonce,
			})
		}
		t.ack(key, gen, err)
	}()
}

// bump invalidates every outstanding ack and timeout of w. Callers hold t.mu.
func (t *Tracker) bump(w *write) uint64 {
	t.gen++
	w.gen = t.gen
	return w.gen
}

func (w *write) provisional() patch.Event {
	slot := w.cid.Slot()
	if w.isReply() {
		return patch.SetReply{ID: w.parent, ReplyID: slot, Reply: &store.Reply{
			Parent:      w.parent,
			Author:      w.cid.Author,
			Sent:        w.cid.Sent,
			Content:     w.draft.Content,
			Nonce:       w.cid.Nonce,
			Provisional: true,
		}}
	}
	return patch.SetMessage{ID: slot, Message: &store.Message{
		Author:      w.cid.Author,
		Sent:        w.cid.Sent,
		Content:     w.draft.Content,
		Nonce:       w.cid.Nonce,
		Provisional: true,
	}}
}

func (w *write) retraction() patch.Event {
	if w.isReply() {
		return patch.RetractReply{Parent: w.parent, CacheID: w.cid}
	}
	return patch.Retract{CacheID: w.cid}
}

func (t *Tracker) ack(key store.WriteKey, gen uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writes[key]
	if !ok || w.gen != gen {
		return
	}
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.fail(w, &RejectedError{Conversation: w.conv, CacheID: w.cid, Err: err})
		return
	}
	if w.machine.Current() == status.Pending {
		t.transition(w, status.Sent)
	}
}

func (t *Tracker) expire(key store.WriteKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writes[key]
	if !ok || w.gen != gen {
		return
	}
	switch w.machine.Current() {
	case status.Pending, status.Sent:
		t.fail(w, ErrWriteTimeout)
	}
}

// fail rolls w back and keeps it as Failed. Callers hold t.mu.
func (t *Tracker) fail(w *write, cause error) {
	if w.timer != nil {
		w.timer.Stop()
	}
	t.bump(w)
	w.err = cause
	t.transition(w, status.Failed)
	t.cache.Apply(w.conv, w.retraction())
	t.logger.Warn("write failed",
		zap.String("conversation", w.conv),
		zap.String("cache_id", cacheIDString(w.cid)),
		zap.Error(cause),
	)
}

func (t *Tracker) transition(w *write, to status.State) {
	if err := w.machine.Transition(to); err != nil {
		t.logger.Debug("ignored write transition",
			zap.String("cache_id", cacheIDString(w.cid)),
			zap.Error(err),
		)
		return
	}
	t.metrics.WriteTransition(string(to))
}

func (t *Tracker) lookup(cid store.CacheID) *write {
	w, ok := t.writes[cid.Key()]
	if !ok || !w.cid.Matches(cid) {
		return nil
	}
	return w
}

// Confirm marks the write Delivered and stops tracking it. It reports
// whether cid was tracked. A write that already failed is healed: its
// canonical copy came through after all.
func (t *Tracker) Confirm(cid store.CacheID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.lookup(cid)
	if w == nil {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	t.bump(w)
	w.err = nil
	t.transition(w, status.Delivered)
	delete(t.writes, cid.Key())
	t.metrics.TrackedWrites(len(t.writes))
	t.logger.Debug("write delivered",
		zap.String("conversation", w.conv),
		zap.String("cache_id", cacheIDString(w.cid)),
	)
	return true
}

// Fail gives up on a pending write with cause.
func (t *Tracker) Fail(cid store.CacheID, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.lookup(cid)
	if w == nil {
		return ErrNotTracked
	}
	if w.machine.Current() == status.Failed {
		return nil
	}
	t.fail(w, cause)
	return nil
}

// Retry resubmits a failed write with the same CacheID.
func (t *Tracker) Retry(cid store.CacheID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	w := t.lookup(cid)
	if w == nil {
		return ErrNotTracked
	}
	if err := w.machine.Transition(status.Pending); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	t.metrics.WriteTransition(string(status.Pending))
	w.err = nil
	t.start(w)
	return nil
}

// Dismiss forgets a failed write.
func (t *Tracker) Dismiss(cid store.CacheID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.lookup(cid)
	if w == nil {
		return ErrNotTracked
	}
	if st := w.machine.Current(); st != status.Failed {
		return fmt.Errorf("dismiss %s write: %w", st, ErrInvalidWrite)
	}
	delete(t.writes, cid.Key())
	t.metrics.TrackedWrites(len(t.writes))
	return nil
}

// Status returns the state of the write for cid. Anything not tracked is
// Delivered: messages from other participants and writes that were already
// reconciled.
func (t *Tracker) Status(cid store.CacheID) status.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.lookup(cid); w != nil {
		return w.machine.Current()
	}
	return status.Delivered
}

// Err returns the failure cause recorded for cid, if any.
func (t *Tracker) Err(cid store.CacheID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.lookup(cid); w != nil {
		return w.err
	}
	return nil
}

// Tracked lists every tracked write, oldest first.
func (t *Tracker) Tracked() []TrackedWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedWrite, 0, len(t.writes))
	for _, w := range t.writes {
		out = append(out, TrackedWrite{
			Conversation: w.conv,
			CacheID:      w.cid,
			Parent:       w.parent,
			Status:       w.machine.Current(),
			Err:          w.err,
		})
	}
	slices.SortFunc(out, func(a, b TrackedWrite) int {
		return cmp.Or(cmp.Compare(a.CacheID.Sent, b.CacheID.Sent), cmp.Compare(a.CacheID.Author, b.CacheID.Author))
	})
	return out
}

// Stop cancels in-flight sends, stops every timer and waits for the send
// goroutines to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.cancel()
	for _, w := range t.writes {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func cacheIDString(cid store.CacheID) string {
	if cid.Nonce == "" {
		return fmt.Sprintf("%s/%d", cid.Author, cid.Sent)
	}
	return fmt.Sprintf("%s/%d/%s", cid.Author, cid.Sent, cid.Nonce)
}
