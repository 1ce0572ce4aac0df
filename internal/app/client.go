// Package app composes the cache, the source and the background workers
// into one fx module and exposes them to front ends through Client.
package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/convid"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/outbox"
	"github.com/matheus3301/chatcache/internal/pager"
	"github.com/matheus3301/chatcache/internal/status"
	"github.com/matheus3301/chatcache/internal/store"
	intsync "github.com/matheus3301/chatcache/internal/sync"
)

// Client is what a renderer talks to. Writes are authored by the configured
// self ship.
type Client struct {
	self   string
	clock  clock.Clock
	cache  *cache.Cache
	pager  *pager.Controller
	outbox *outbox.Tracker
	engine *intsync.Engine
	logger *zap.Logger
}

// NewClient creates a client over the composed components.
func NewClient(p Params, clk clock.Clock, c *cache.Cache, pg *pager.Controller, tr *outbox.Tracker, e *intsync.Engine, logger *zap.Logger) *Client {
	return &Client{
		self:   p.Config.Self,
		clock:  clk,
		cache:  c,
		pager:  pg,
		outbox: tr,
		engine: e,
		logger: logger,
	}
}

// Open subscribes to conv and loads the page around anchor, or the newest
// page for a zero anchor. The subscription is taken first so nothing sent
// during the fetch is lost.
func (c *Client) Open(ctx context.Context, conv string, anchor msgid.ID) error {
	if err := convid.Validate(conv); err != nil {
		return err
	}
	if err := c.engine.Watch(ctx, conv); err != nil {
		return err
	}
	c.logger.Debug("conversation opened", zap.String("conversation", conv), zap.Stringer("anchor", anchor))
	return c.pager.LoadAround(ctx, conv, anchor)
}

// Close drops the subscription and the cached pages of conv.
func (c *Client) Close(conv string) {
	c.engine.Unwatch(conv)
	c.cache.Teardown(conv)
}

// LoadOlder extends the oldest loaded page.
func (c *Client) LoadOlder(ctx context.Context, conv string) error {
	return c.pager.LoadOlder(ctx, conv)
}

// LoadNewer extends the newest loaded page.
func (c *Client) LoadNewer(ctx context.Context, conv string) error {
	return c.pager.LoadNewer(ctx, conv)
}

// ReachedOldest is called when the renderer shows the oldest loaded
// message. Older history loads in the background.
func (c *Client) ReachedOldest(conv string) { c.pager.OnReachedOldest(conv) }

// ReachedNewest is ReachedOldest for the newest edge.
func (c *Client) ReachedNewest(conv string) { c.pager.OnReachedNewest(conv) }

// Expand loads one page past each edge concurrently.
func (c *Client) Expand(ctx context.Context, conv string) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.pager.HasOlder(conv) {
		g.Go(func() error { return c.pager.LoadOlder(ctx, conv) })
	}
	if c.pager.HasNewer(conv) {
		g.Go(func() error { return c.pager.LoadNewer(ctx, conv) })
	}
	return g.Wait()
}

// HasOlder reports whether older history may exist beyond the loaded pages.
func (c *Client) HasOlder(conv string) bool { return c.pager.HasOlder(conv) }

// HasNewer reports whether newer history may exist beyond the loaded pages.
func (c *Client) HasNewer(conv string) bool { return c.pager.HasNewer(conv) }

// View returns the visible messages of conv, oldest first.
func (c *Client) View(conv string) []store.Entry {
	return c.pager.Page(conv)
}

// LoadThread fetches the full reply tree of parent.
func (c *Client) LoadThread(ctx context.Context, conv string, parent msgid.ID) error {
	return c.pager.LoadThread(ctx, conv, parent)
}

// Thread returns the cached replies of parent and its summary. loaded is
// false until LoadThread has run.
func (c *Client) Thread(conv string, parent msgid.ID) (replies []pager.ThreadEntry, meta store.ReplyMeta, loaded bool) {
	return c.pager.Thread(conv, parent)
}

// Watch delivers a cache.changed event for every change to conv.
func (c *Client) Watch(conv string) (<-chan bus.Event, func()) {
	return c.cache.Watch(conv)
}

// Post sends content as a new message. The returned CacheID identifies the
// write for Status.
func (c *Client) Post(conv, content string) (store.CacheID, error) {
	cid := c.newCacheID()
	return c.outbox.Submit(conv, cid, store.Draft{Content: content})
}

// Reply sends content into parent's thread.
func (c *Client) Reply(conv string, parent msgid.ID, content string) (store.CacheID, error) {
	cid := c.newCacheID()
	return c.outbox.SubmitReply(conv, parent, cid, store.Draft{Content: content})
}

// React sets the local user's reaction on id.
func (c *Client) React(conv string, id msgid.ID, react string) error {
	return c.outbox.React(conv, id, c.self, react)
}

// ReactReply sets the local user's reaction on a reply.
func (c *Client) ReactReply(conv string, parent, id msgid.ID, react string) error {
	return c.outbox.ReactReply(conv, parent, id, c.self, react)
}

// Edit replaces the content of id.
func (c *Client) Edit(conv string, id msgid.ID, content string) error {
	return c.outbox.Edit(conv, id, content)
}

// Delete removes id.
func (c *Client) Delete(conv string, id msgid.ID) error {
	return c.outbox.Delete(conv, id)
}

// DeleteReply removes a reply from parent's thread.
func (c *Client) DeleteReply(conv string, parent, id msgid.ID) error {
	return c.outbox.DeleteReply(conv, parent, id)
}

// Hide hides id for the local user only.
func (c *Client) Hide(conv string, id msgid.ID) error {
	return c.outbox.Hide(conv, id)
}

// Show reverses Hide.
func (c *Client) Show(conv string, id msgid.ID) error {
	return c.outbox.Show(conv, id)
}

// IsHidden reports whether the local user hid id.
func (c *Client) IsHidden(id msgid.ID) bool {
	return c.cache.IsHidden(id)
}

// Status returns the delivery state of a local write.
func (c *Client) Status(cid store.CacheID) status.State {
	return c.outbox.Status(cid)
}

// Err returns why a local write failed, if it did.
func (c *Client) Err(cid store.CacheID) error {
	return c.outbox.Err(cid)
}

// Retry resubmits a failed write.
func (c *Client) Retry(cid store.CacheID) error {
	if err := c.outbox.Retry(cid); err != nil {
		return fmt.Errorf("retry %s/%d: %w", cid.Author, cid.Sent, err)
	}
	return nil
}

// Dismiss forgets a failed write.
func (c *Client) Dismiss(cid store.CacheID) error {
	if err := c.outbox.Dismiss(cid); err != nil {
		return fmt.Errorf("dismiss %s/%d: %w", cid.Author, cid.Sent, err)
	}
	return nil
}

// Pending lists the writes that have not been delivered yet.
func (c *Client) Pending() []outbox.TrackedWrite {
	return c.outbox.Tracked()
}

func (c *Client) newCacheID() store.CacheID {
	return store.CacheID{Author: c.self, Sent: c.clock.Now().UnixMilli()}
}
