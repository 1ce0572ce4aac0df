// Package invalidate bounds refetch traffic under bursts of subscription
// events.
package invalidate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/metrics"
	"github.com/matheus3301/chatcache/internal/patch"
)

// DefaultWindow is the debounce window.
const DefaultWindow = 300 * time.Millisecond

// RefetchType says how a conversation should be refreshed after an event.
type RefetchType int

const (
	// None: the event was folded precisely; at most mark the data stale.
	None RefetchType = iota
	// Active: refetch the conversation if it is being shown.
	Active
)

func (r RefetchType) String() string {
	if r == Active {
		return "active"
	}
	return "none"
}

// RefetchFor classifies an event and the error (if any) from decoding or
// applying it.
func RefetchFor(ev patch.Event, err error) RefetchType {
	if err != nil || ev == nil {
		return Active
	}
	switch ev.(type) {
	case patch.SetMessage, patch.EditMessage, patch.SetReaction,
		patch.SetReply, patch.SetReplyReaction, patch.Hide, patch.Show:
		return None
	}
	return Active
}

// FireFunc is invoked on the leading and trailing edge of a burst.
type FireFunc func(conv string, t RefetchType)

type phase int

const (
	idle phase = iota
	pending
)

// debounce is the per-conversation state. In idle a Notify fires at once and
// moves to pending; in pending a Notify accumulates and re-arms the timer.
// When the timer expires the accumulated type, if any, fires and the state
// returns to idle.
type debounce struct {
	phase       phase
	gen         uint64
	timer       *clock.Timer
	accumulated bool
	acc         RefetchType
}

// Scheduler debounces notifications per conversation with a leading and a
// trailing edge.
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	fire    FireFunc
	convs   map[string]*debounce
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a scheduler. A nil clock means the wall clock and a
// non-positive window means DefaultWindow.
func New(clk clock.Clock, window time.Duration, fire FireFunc, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:   clk,
		window:  window,
		fire:    fire,
		convs:   make(map[string]*debounce),
		logger:  logger,
		metrics: m,
	}
}

// SetFireFunc replaces the callback. It exists so the callback can close over
// components that are constructed after the scheduler.
func (s *Scheduler) SetFireFunc(fn FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fn
}

// Notify records an event for conv.
func (s *Scheduler) Notify(conv string, t RefetchType) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	d := s.convs[conv]
	if d == nil {
		d = &debounce{}
		s.convs[conv] = d
	}

	if d.phase == pending {
		d.accumulated = true
		d.acc = max(d.acc, t)
		s.arm(conv, d)
		s.mu.Unlock()
		return
	}

	d.phase = pending
	d.accumulated = false
	d.acc = None
	s.arm(conv, d)
	fire := s.fire
	s.mu.Unlock()

	s.metrics.Invalidation(t.String(), "leading")
	s.call(fire, conv, t)
}

// arm (re)starts d's timer. Callers hold s.mu.
func (s *Scheduler) arm(conv string, d *debounce) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = s.clock.AfterFunc(s.window, func() { s.expire(conv, gen) })
}

func (s *Scheduler) expire(conv string, gen uint64) {
	s.mu.Lock()
	d := s.convs[conv]
	if s.closed || d == nil || d.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.convs, conv)
	accumulated, t, fire := d.accumulated, d.acc, s.fire
	s.mu.Unlock()

	if accumulated {
		s.metrics.Invalidation(t.String(), "trailing")
		s.call(fire, conv, t)
	}
}

func (s *Scheduler) call(fire FireFunc, conv string, t RefetchType) {
	if fire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("invalidation callback panicked",
				zap.String("conversation", conv),
				zap.Any("panic", r),
			)
		}
	}()
	fire(conv, t)
}

// Pending reports whether conv is inside a debounce window.
func (s *Scheduler) Pending(conv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.convs[conv]
	return d != nil && d.phase == pending
}

// Close stops every timer. Later notifications are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conv, d := range s.convs {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.convs, conv)
	}
}
