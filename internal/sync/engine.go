// Package sync applies subscription frames from the remote source to the
// cache.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/invalidate"
	"github.com/matheus3301/chatcache/internal/metrics"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
	"github.com/matheus3301/chatcache/internal/wire"
)

// Confirmer is told about every message identity a frame carried, so
// pending local writes can be marked delivered.
type Confirmer interface {
	Confirm(cid store.CacheID) bool
}

// Notifier receives the refetch classification of every frame.
type Notifier interface {
	Notify(conv string, t invalidate.RefetchType)
}

// Rejection is the payload of sync.frame_rejected events.
type Rejection struct {
	Frame []byte
	Err   error
}

// Engine subscribes to conversations and folds their frames into the cache.
type Engine struct {
	cache   *cache.Cache
	source  transport.Source
	confirm Confirmer
	notify  Notifier
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	watches map[string]func()
	stopped bool
}

// NewEngine creates a new sync engine. confirm and notify may be nil.
func NewEngine(c *cache.Cache, src transport.Source, confirm Confirmer, notify Notifier, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:   c,
		source:  src,
		confirm: confirm,
		notify:  notify,
		bus:     b,
		logger:  logger,
		metrics: m,
		watches: make(map[string]func()),
	}
}

// Watch subscribes to conv. Watching an already watched conversation is a
// no-op.
func (e *Engine) Watch(ctx context.Context, conv string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("watch %s: engine stopped", conv)
	}
	if _, ok := e.watches[conv]; ok {
		return nil
	}
	unsub, err := e.source.Subscribe(ctx, conv, func(raw []byte) {
		e.HandleFrame(conv, raw)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", conv, err)
	}
	e.watches[conv] = unsub
	e.logger.Debug("watching conversation", zap.String("conversation", conv))
	return nil
}

// Unwatch ends the subscription to conv. Once it returns no further frame of
// conv is applied.
func (e *Engine) Unwatch(conv string) {
	e.mu.Lock()
	unsub, ok := e.watches[conv]
	delete(e.watches, conv)
	e.mu.Unlock()
	if ok {
		unsub()
	}
}

// Watching lists the subscribed conversations.
func (e *Engine) Watching() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.watches))
	for conv := range e.watches {
		out = append(out, conv)
	}
	sort.Strings(out)
	return out
}

// HandleFrame decodes one frame and applies it. Frames of one conversation
// must be handed over in arrival order, one at a time.
func (e *Engine) HandleFrame(conv string, raw []byte) {
	ev, err := wire.Decode(raw)
	if err != nil {
		e.logger.Warn("malformed frame dropped",
			zap.String("conversation", conv),
			zap.ByteString("frame", raw),
			zap.Error(err),
		)
		e.metrics.FrameMalformed()
		e.bus.Publish(bus.Event{
			Kind:         bus.KindFrameRejected,
			Conversation: conv,
			Timestamp:    time.Now(),
			Payload:      Rejection{Frame: raw, Err: err},
		})
		e.notifyRefetch(conv, invalidate.RefetchFor(nil, err))
		return
	}

	out := e.cache.Apply(conv, ev)
	e.metrics.FrameApplied(ev.Kind())
	if e.confirm != nil {
		for _, cid := range out.Delivered {
			e.confirm.Confirm(cid)
		}
		for _, cid := range out.Seen {
			e.confirm.Confirm(cid)
		}
	}
	e.notifyRefetch(conv, invalidate.RefetchFor(ev, out.Err))
}

func (e *Engine) notifyRefetch(conv string, t invalidate.RefetchType) {
	if e.notify != nil {
		e.notify.Notify(conv, t)
	}
}

// Stop ends every subscription. Watch fails afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	watches := e.watches
	e.watches = make(map[string]func())
	e.mu.Unlock()
	for _, unsub := range watches {
		unsub()
	}
}
