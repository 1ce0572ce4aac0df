// Package source provides reference implementations of transport.Source:
// an in-memory one for tests and demos and a SQLite-backed one that
// persists between runs. Both assign ids, apply writes and fan the
// resulting frames out to subscribers the same way.
package source

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
	"github.com/matheus3301/chatcache/internal/wire"
)

// Op names a source operation for failure injection.
type Op string

const (
	OpFetch     Op = "fetch"
	OpThread    Op = "thread"
	OpSubscribe Op = "subscribe"
	OpWrite     Op = "write"
	OpReply     Op = "reply"
	OpReact     Op = "react"
	OpEdit      Op = "edit"
	OpDelete    Op = "delete"
	OpToggle    Op = "toggle"
)

// frameBuffer is the per-subscriber queue. A subscriber that falls this far
// behind loses frames, which the cache recovers from on the next refresh.
const frameBuffer = 1024

// Options configures a source.
type Options struct {
	Clock clock.Clock
	// Latency delays every operation.
	Latency time.Duration
	// Bus carries frames to subscribers. A private bus is used when nil.
	Bus    *bus.Bus
	Logger *zap.Logger
}

// backend stores conversations for a server.
type backend interface {
	fetch(ctx context.Context, conv string, anchor transport.Anchor, size int) (*store.Page, error)
	// thread returns the reply tree of a live message, or nil when parent
	// is missing or deleted.
	thread(ctx context.Context, conv string, parent msgid.ID) (*store.Thread, error)
	// apply stores ev and returns the event to broadcast, which may carry
	// source-computed fields such as a thread summary.
	apply(ctx context.Context, conv string, ev patch.Event) (patch.Event, error)
	// live reports whether id is a stored, non-deleted message.
	live(ctx context.Context, conv string, id msgid.ID) (bool, error)
	// liveReply is live for a reply under parent.
	liveReply(ctx context.Context, conv string, parent, id msgid.ID) (bool, error)
}

// server implements transport.Source on top of a backend.
type server struct {
	backend backend
	bus     *bus.Bus
	clock   clock.Clock
	latency time.Duration
	logger  *zap.Logger

	// mu serializes writes so frames leave in the order they were applied.
	mu   sync.Mutex
	last msgid.ID
	fail map[Op]error
}

func newServer(b backend, opts Options) *server {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &server{
		backend: b,
		bus:     opts.Bus,
		clock:   opts.Clock,
		latency: opts.Latency,
		logger:  opts.Logger,
		fail:    make(map[Op]error),
	}
}

// FailNext makes the next call of op return err.
func (s *server) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *server) begin(ctx context.Context, op Op) error {
	s.mu.Lock()
	err, ok := s.fail[op]
	delete(s.fail, op)
	s.mu.Unlock()
	if ok {
		return err
	}
	if s.latency > 0 {
		select {
		case <-s.clock.After(s.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// nextID derives an id from the current time, kept strictly above every id
// handed out or stored so far. Callers hold s.mu.
func (s *server) nextID() msgid.ID {
	id := msgid.FromUnixMilli(s.clock.Now().UnixMilli())
	if !s.last.IsZero() && !s.last.Less(id) {
		id = msgid.FromBig(new(big.Int).Add(s.last.Big(), big.NewInt(1)))
	}
	s.last = id
	return id
}

// Publish stores ev as if another participant had produced it and
// broadcasts the resulting frame. Hide and Show are broadcast without
// being stored.
func (s *server) Publish(ctx context.Context, conv string, ev patch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ctx, conv, ev)
}

// Put stores a message at id without broadcasting it, for seeding.
func (s *server) Put(ctx context.Context, conv string, id msgid.ID, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = msgid.Max(s.last, id)
	_, err := s.backend.apply(ctx, conv, patch.SetMessage{ID: id, Message: serverCopy(m)})
	return err
}

// PutReply stores a reply without broadcasting it.
func (s *server) PutReply(ctx context.Context, conv string, parent, id msgid.ID, r *store.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = msgid.Max(s.last, id)
	_, err := s.backend.apply(ctx, conv, patch.SetReply{ID: parent, ReplyID: id, Reply: serverReply(r, parent)})
	return err
}

func (s *server) publishLocked(ctx context.Context, conv string, ev patch.Event) error {
	switch e := ev.(type) {
	case patch.Hide, patch.Show:
	case patch.SetMessage:
		s.last = msgid.Max(s.last, e.ID)
		e.Message = serverCopy(e.Message)
		out, err := s.backend.apply(ctx, conv, e)
		if err != nil {
			return err
		}
		ev = out
	case patch.SetReply:
		s.last = msgid.Max(s.last, e.ReplyID)
		e.Reply = serverReply(e.Reply, e.ID)
		out, err := s.backend.apply(ctx, conv, e)
		if err != nil {
			return err
		}
		ev = out
	default:
		out, err := s.backend.apply(ctx, conv, ev)
		if err != nil {
			return err
		}
		ev = out
	}

	raw, err := wire.Encode(ev)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Kind(), err)
	}
	s.bus.Publish(bus.Event{
		Kind:         bus.KindSourceFrame,
		Conversation: conv,
		Timestamp:    s.clock.Now(),
		Payload:      raw,
	})
	return nil
}

func serverCopy(m *store.Message) *store.Message {
	if m == nil {
		return nil
	}
	c := m.Clone()
	c.Provisional = false
	c.Replies = nil
	c.Meta = store.ReplyMeta{}
	return c
}

func serverReply(r *store.Reply, parent msgid.ID) *store.Reply {
	if r == nil {
		return nil
	}
	c := r.Clone()
	c.Parent = parent
	c.Provisional = false
	return c
}

// FetchPage implements transport.Source.
func (s *server) FetchPage(ctx context.Context, conv string, anchor transport.Anchor, size int) (*store.Page, error) {
	if err := s.begin(ctx, OpFetch); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("fetch %s: page size %d", conv, size)
	}
	if anchor.Direction != transport.Newest && anchor.Time.IsZero() {
		return nil, fmt.Errorf("fetch %s %s: missing anchor", conv, anchor.Direction)
	}
	return s.backend.fetch(ctx, conv, anchor, size)
}

// FetchThread implements transport.Source.
func (s *server) FetchThread(ctx context.Context, conv string, parent msgid.ID) (*store.Thread, error) {
	if err := s.begin(ctx, OpThread); err != nil {
		return nil, err
	}
	th, err := s.backend.thread(ctx, conv, parent)
	if err != nil {
		return nil, fmt.Errorf("thread %s in %s: %w", parent, conv, err)
	}
	if th == nil {
		return nil, fmt.Errorf("thread %s in %s: %w", parent, conv, transport.ErrNotFound)
	}
	return th, nil
}

// Subscribe implements transport.Source. The returned function blocks until
// the delivery goroutine has exited, so no frame is delivered after it
// returns; it must not be called from onFrame.
func (s *server) Subscribe(ctx context.Context, conv string, onFrame func([]byte)) (func(), error) {
	if err := s.begin(ctx, OpSubscribe); err != nil {
		return nil, err
	}
	ch, unsub := s.bus.SubscribeConversation(bus.KindSourceFrame, conv, frameBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case evt := <-ch:
				if raw, ok := evt.Payload.([]byte); ok {
					onFrame(raw)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}, nil
}

// SubmitWrite implements transport.Source.
func (s *server) SubmitWrite(ctx context.Context, conv string, msg *store.Message) error {
	if err := s.begin(ctx, OpWrite); err != nil {
		return err
	}
	if msg == nil || msg.Author == "" {
		return fmt.Errorf("write to %s: missing author", conv)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ctx, conv, patch.SetMessage{ID: s.nextID(), Message: msg})
}

// SubmitReply implements transport.Source.
func (s *server) SubmitReply(ctx context.Context, conv string, parent msgid.ID, reply *store.Reply) error {
	if err := s.begin(ctx, OpReply); err != nil {
		return err
	}
	if reply == nil || reply.Author == "" {
		return fmt.Errorf("reply to %s in %s: missing author", parent, conv)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLive(ctx, conv, parent); err != nil {
		return err
	}
	return s.publishLocked(ctx, conv, patch.SetReply{ID: parent, ReplyID: s.nextID(), Reply: reply})
}

// SubmitReaction implements transport.Source.
func (s *server) SubmitReaction(ctx context.Context, conv string, id msgid.ID, author, react string) error {
	if err := s.begin(ctx, OpReact); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLive(ctx, conv, id); err != nil {
		return err
	}
	return s.publishLocked(ctx, conv, patch.SetReaction{ID: id, Author: author, React: react})
}

// SubmitReplyReaction implements transport.Source.
func (s *server) SubmitReplyReaction(ctx context.Context, conv string, parent, id msgid.ID, author, react string) error {
	if err := s.begin(ctx, OpReact); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLiveReply(ctx, conv, parent, id); err != nil {
		return err
	}
	return s.publishLocked(ctx, conv, patch.SetReplyReaction{ID: parent, ReplyID: id, Author: author, React: react})
}

// SubmitEdit implements transport.Source.
func (s *server) SubmitEdit(ctx context.Context, conv string, id msgid.ID, content string) error {
	if err := s.begin(ctx, OpEdit); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLive(ctx, conv, id); err != nil {
		return err
	}
	return s.publishLocked(ctx, conv, patch.EditMessage{ID: id, Content: content})
}

// SubmitDelete implements transport.Source.
func (s *server) SubmitDelete(ctx context.Context, conv string, id msgid.ID) error {
	if err := s.begin(ctx, OpDelete); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLive(ctx, conv, id); err != nil {
		return err
	}
	return s.publishLocked(ctx, conv, patch.SetMessage{ID: id})
}

// SubmitReplyDelete implements transport.Source.
func (s *server) SubmitReplyDelete(ctx context.Context, conv string, parent, id msgid.ID) error {
	if err := s.begin(ctx, OpDelete); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLiveReply(ctx, conv, parent, id); err != nil {
		return err
	}
	return s.publishLocked(ctx, conv, patch.SetReply{ID: parent, ReplyID: id})
}

// SubmitToggle implements transport.Source. The hidden set is per user and
// not stored; the toggle is only broadcast.
func (s *server) SubmitToggle(ctx context.Context, conv string, id msgid.ID, hide bool) error {
	if err := s.begin(ctx, OpToggle); err != nil {
		return err
	}
	if id.IsZero() {
		return fmt.Errorf("toggle in %s: missing id", conv)
	}
	var ev patch.Event = patch.Show{ID: id}
	if hide {
		ev = patch.Hide{ID: id}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ctx, conv, ev)
}

func (s *server) requireLive(ctx context.Context, conv string, id msgid.ID) error {
	ok, err := s.backend.live(ctx, conv, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %s in %s: %w", id, conv, transport.ErrNotFound)
	}
	return nil
}

func (s *server) requireLiveReply(ctx context.Context, conv string, parent, id msgid.ID) error {
	ok, err := s.backend.liveReply(ctx, conv, parent, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reply %s/%s in %s: %w", parent, id, conv, transport.ErrNotFound)
	}
	return nil
}
