// Package pager loads conversation history into the cache on demand.
package pager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/metrics"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

// DefaultPageSize is the number of messages requested per fetch.
const DefaultPageSize = 50

// ErrAnchorUnavailable is returned when a requested anchor no longer exists
// at the source. It is terminal and not retried.
var ErrAnchorUnavailable = errors.New("anchor unavailable")

// errDiscarded marks a fetch whose result was dropped because the
// conversation was reset, torn down or locally mutated while it ran.
var errDiscarded = errors.New("fetch result discarded")

// Controller coalesces fetches per conversation and direction and merges
// their results into the cache.
type Controller struct {
	cache    *cache.Cache
	source   transport.Source
	pageSize int
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	delivered func(conv string, cid store.CacheID) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller. A non-positive pageSize selects DefaultPageSize.
func New(c *cache.Cache, src transport.Source, pageSize int, logger *zap.Logger, m *metrics.Metrics) *Controller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cache:    c,
		source:   src,
		pageSize: pageSize,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDeliveredHandler registers the function told about every fetched
// message, so pending local writes that are only seen through a fetch are
// still confirmed.
func (p *Controller) SetDeliveredHandler(fn func(conv string, cid store.CacheID) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = fn
}

// LoadAround makes sure anchor is loaded, jumping to it when it is outside
// every loaded page. With a zero anchor it loads the newest page unless the
// conversation already has pages and was not marked stale.
func (p *Controller) LoadAround(ctx context.Context, conv string, anchor msgid.ID) error {
	if anchor.IsZero() {
		snap, ok := p.cache.Snapshot(conv)
		stale := p.cache.TakeStale(conv)
		w := p.cache.Windows().Get(conv)
		loaded := ok && (!snap.Empty() || (w.LoadedOldest && w.LoadedNewest))
		if loaded && !stale {
			return nil
		}
		if loaded {
			return p.Refresh(ctx, conv)
		}
		_, err := p.fetch(ctx, conv, cache.QueryAround, transport.Anchor{Direction: transport.Newest})
		return ignoreDiscarded(err)
	}

	if snap, ok := p.cache.Snapshot(conv); ok && snap.PageOf(anchor) >= 0 {
		return nil
	}

	// A jump cannot be served by paging from the loaded edges, so the
	// conversation is reset before fetching around the anchor.
	page, err := p.fetch(ctx, conv, cache.QueryAround, transport.Anchor{Time: anchor, Direction: transport.Around})
	if errors.Is(err, transport.ErrNotFound) {
		return fmt.Errorf("load around %s: %w", anchor, ErrAnchorUnavailable)
	}
	if err != nil {
		return ignoreDiscarded(err)
	}
	for _, e := range page.Entries {
		if e.ID.Equal(anchor) && e.Message != nil {
			return nil
		}
	}
	return fmt.Errorf("load around %s: %w", anchor, ErrAnchorUnavailable)
}

// LoadOlder extends the oldest loaded page backwards.
func (p *Controller) LoadOlder(ctx context.Context, conv string) error {
	if p.cache.Windows().Get(conv).LoadedOldest {
		return nil
	}
	snap, ok := p.cache.Snapshot(conv)
	if !ok || snap.Empty() {
		return p.LoadAround(ctx, conv, msgid.ID{})
	}
	anchor := transport.Anchor{Time: snap.Pages[0].OlderAnchor(), Direction: transport.Older}
	_, err := p.fetch(ctx, conv, cache.QueryOlder, anchor)
	return ignoreDiscarded(err)
}

// LoadNewer extends the newest loaded page forwards.
func (p *Controller) LoadNewer(ctx context.Context, conv string) error {
	if p.cache.Windows().Get(conv).LoadedNewest {
		return nil
	}
	snap, ok := p.cache.Snapshot(conv)
	if !ok || snap.Empty() {
		return p.LoadAround(ctx, conv, msgid.ID{})
	}
	anchor := transport.Anchor{Time: snap.Pages[snap.Newest()].NewerAnchor(), Direction: transport.Newer}
	_, err := p.fetch(ctx, conv, cache.QueryNewer, anchor)
	return ignoreDiscarded(err)
}

// Refresh refetches a cached conversation and merges the result. With the
// live edge loaded that is the newest page; otherwise it is the page around
// the newest loaded message, so the refetch never opens a gap between the
// loaded history and the live edge. It is cancelled by local writes to the
// same conversation.
func (p *Controller) Refresh(ctx context.Context, conv string) error {
	snap, ok := p.cache.Snapshot(conv)
	if !ok {
		return nil
	}
	_, err := p.fetch(ctx, conv, cache.QueryRefresh, p.refreshAnchor(conv, snap))
	return ignoreDiscarded(err)
}

func (p *Controller) refreshAnchor(conv string, snap store.Conversation) transport.Anchor {
	if snap.Empty() || p.cache.Windows().Get(conv).LoadedNewest {
		return transport.Anchor{Direction: transport.Newest}
	}
	newest := snap.Pages[snap.Newest()]
	var anchor msgid.ID
	for id, m := range snap.Messages.Range(newest.Low, newest.High, true) {
		if m != nil && !m.Provisional {
			anchor = id
		}
	}
	if anchor.IsZero() {
		// Nothing confirmed to center on: continue the span instead.
		return transport.Anchor{Time: newest.NewerAnchor(), Direction: transport.Newer}
	}
	return transport.Anchor{Time: anchor, Direction: transport.Around}
}

// LoadThread fetches the full reply tree of parent and merges it into the
// cache. The parent must be loaded; a thread of a message outside every
// loaded page is not kept.
func (p *Controller) LoadThread(ctx context.Context, conv string, parent msgid.ID) error {
	snap, ok := p.cache.Snapshot(conv)
	if !ok || snap.PageOf(parent) < 0 {
		return fmt.Errorf("load thread %s: parent not loaded", parent)
	}

	qctx, epoch, done := p.cache.BeginQuery(conv, cache.QueryThread)
	defer done()
	stop := context.AfterFunc(ctx, done)
	defer stop()

	start := time.Now()
	th, err := p.source.FetchThread(qctx, conv, parent)
	p.metrics.Fetch(cache.QueryThread, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if qctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("load thread %s of %s: %w", parent, conv, err)
	}

	var res MergeResult
	err = p.cache.Update(conv, epoch, func(st store.Conversation) (store.Conversation, bool) {
		var next store.Conversation
		next, res = MergeThread(st, parent, th)
		return next, res.Changed
	})
	if errors.Is(err, cache.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	p.confirm(conv, res)
	return nil
}

// ThreadEntry is one reply of a thread view.
type ThreadEntry struct {
	ID    msgid.ID
	Reply *store.Reply
}

// Thread returns the cached replies of parent, oldest first, and its
// summary. loaded is false until the full thread has been fetched; the
// replies are then only those written locally.
func (p *Controller) Thread(conv string, parent msgid.ID) (replies []ThreadEntry, meta store.ReplyMeta, loaded bool) {
	snap, ok := p.cache.Snapshot(conv)
	if !ok {
		return nil, meta, false
	}
	m, ok := snap.Messages.Get(parent)
	if !ok || m == nil {
		return nil, meta, false
	}
	for id, r := range m.Replies.All() {
		if r != nil {
			replies = append(replies, ThreadEntry{ID: id, Reply: r})
		}
	}
	return replies, m.Meta, m.Replies != nil && !m.PartialThread
}

func ignoreDiscarded(err error) error {
	if errors.Is(err, errDiscarded) {
		return nil
	}
	return err
}

// fetch runs at most one fetch per conversation and key; concurrent callers
// share its result. The fetch itself runs under the conversation's query
// context, so the caller's ctx only bounds how long the caller waits.
func (p *Controller) fetch(ctx context.Context, conv, key string, anchor transport.Anchor) (*store.Page, error) {
	flight := conv + "\x00" + key
	if anchor.Direction == transport.Around {
		flight += "\x00" + anchor.Time.String()
	}
	ch := p.group.DoChan(flight, func() (any, error) {
		// Only a jump discards the loaded pages; a refresh merges into them.
		if key == cache.QueryAround && anchor.Direction == transport.Around {
			p.cache.Reset(conv)
		}
		return p.run(conv, key, anchor)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Page), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Controller) run(conv, key string, anchor transport.Anchor) (*store.Page, error) {
	qctx, epoch, done := p.cache.BeginQuery(conv, key)
	defer done()

	snap, _ := p.cache.Snapshot(conv)
	startRev := snap.Rev

	start := time.Now()
	page, err := p.source.FetchPage(qctx, conv, anchor, p.pageSize)
	p.metrics.Fetch(string(anchor.Direction), start, err)
	if err != nil {
		if qctx.Err() != nil {
			return nil, errDiscarded
		}
		p.logger.Warn("fetch failed",
			zap.String("conversation", conv),
			zap.String("direction", string(anchor.Direction)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("fetch %s page of %s: %w", anchor.Direction, conv, err)
	}
	if page == nil {
		page = &store.Page{}
	}

	var res MergeResult
	applied := false
	err = p.cache.Update(conv, epoch, func(st store.Conversation) (store.Conversation, bool) {
		if qctx.Err() != nil {
			return st, false
		}
		var next store.Conversation
		next, res = Merge(st, page, anchor, startRev)
		p.markWindow(conv, page, anchor.Direction)
		applied = true
		return next, res.Changed
	})
	if errors.Is(err, cache.ErrStale) || (err == nil && !applied) {
		p.logger.Debug("fetch result discarded",
			zap.String("conversation", conv),
			zap.String("direction", string(anchor.Direction)),
		)
		return nil, errDiscarded
	}
	if err != nil {
		return nil, err
	}

	p.confirm(conv, res)
	return page, nil
}

// markWindow records exhausted edges. Only the cursor on the side the fetch
// moved towards is meaningful.
func (p *Controller) markWindow(conv string, page *store.Page, dir transport.Direction) {
	w := p.cache.Windows()
	if page.Older.IsZero() && dir != transport.Newer {
		w.MarkOldestLoaded(conv)
	}
	if page.Newer.IsZero() && dir != transport.Older {
		w.MarkNewestLoaded(conv)
	}
}

func (p *Controller) confirm(conv string, res MergeResult) {
	p.mu.Lock()
	fn := p.delivered
	p.mu.Unlock()
	if fn == nil {
		return
	}
	for _, cid := range res.Delivered {
		fn(conv, cid)
	}
	for _, cid := range res.Seen {
		fn(conv, cid)
	}
}

// OrderedView yields the loaded messages of conv in ascending id order,
// skipping deleted ones. Each iteration reads the current snapshot, so the
// sequence can be ranged over repeatedly.
func (p *Controller) OrderedView(conv string) iter.Seq2[msgid.ID, *store.Message] {
	return func(yield func(msgid.ID, *store.Message) bool) {
		snap, ok := p.cache.Snapshot(conv)
		if !ok {
			return
		}
		for id, m := range snap.Ordered() {
			if m == nil {
				continue
			}
			if !yield(id, m) {
				return
			}
		}
	}
}

// Page materializes OrderedView.
func (p *Controller) Page(conv string) []store.Entry {
	var out []store.Entry
	for id, m := range p.OrderedView(conv) {
		out = append(out, store.Entry{ID: id, Message: m})
	}
	return out
}

// HasOlder reports whether older history may exist beyond the loaded pages.
func (p *Controller) HasOlder(conv string) bool {
	return !p.cache.Windows().Get(conv).LoadedOldest
}

// HasNewer reports whether newer history may exist beyond the loaded pages.
func (p *Controller) HasNewer(conv string) bool {
	return !p.cache.Windows().Get(conv).LoadedNewest
}

// OnReachedOldest is called by a renderer when the visible window nears the
// oldest loaded message. It loads older history in the background.
func (p *Controller) OnReachedOldest(conv string) {
	p.background(conv, "older", p.LoadOlder)
}

// OnReachedNewest is OnReachedOldest for the newest edge.
func (p *Controller) OnReachedNewest(conv string) {
	p.background(conv, "newer", p.LoadNewer)
}

// RefreshInBackground is Refresh without waiting for the result.
func (p *Controller) RefreshInBackground(conv string) {
	p.background(conv, "newest", p.Refresh)
}

func (p *Controller) background(conv, direction string, load func(context.Context, string) error) {
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := load(p.ctx, conv); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("boundary load failed",
				zap.String("conversation", conv),
				zap.String("direction", direction),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every background load started so far has finished.
func (p *Controller) Wait() { p.wg.Wait() }

// Close cancels background loads and waits for them.
func (p *Controller) Close() {
	p.cancel()
	p.wg.Wait()
}
