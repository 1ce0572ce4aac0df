package outbox

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
)

// React sets (or with an empty react, removes) author's reaction on id.
func (t *Tracker) React(conv string, id msgid.ID, author, react string) error {
	return t.optimistic(conv, patch.SetReaction{ID: id, Author: author, React: react}, nil, func(ctx context.Context) error {
		return t.source.SubmitReaction(ctx, conv, id, author, react)
	})
}

// ReactReply is React for a reply.
func (t *Tracker) ReactReply(conv string, parent, id msgid.ID, author, react string) error {
	return t.optimistic(conv, patch.SetReplyReaction{ID: parent, ReplyID: id, Author: author, React: react}, nil, func(ctx context.Context) error {
		return t.source.SubmitReplyReaction(ctx, conv, parent, id, author, react)
	})
}

// Edit replaces the content of id.
func (t *Tracker) Edit(conv string, id msgid.ID, content string) error {
	return t.optimistic(conv, patch.EditMessage{ID: id, Content: content}, nil, func(ctx context.Context) error {
		return t.source.SubmitEdit(ctx, conv, id, content)
	})
}

// Delete removes id.
func (t *Tracker) Delete(conv string, id msgid.ID) error {
	return t.optimistic(conv, patch.SetMessage{ID: id}, nil, func(ctx context.Context) error {
		return t.source.SubmitDelete(ctx, conv, id)
	})
}

// DeleteReply removes a reply from parent's thread.
func (t *Tracker) DeleteReply(conv string, parent, id msgid.ID) error {
	return t.optimistic(conv, patch.SetReply{ID: parent, ReplyID: id}, nil, func(ctx context.Context) error {
		return t.source.SubmitReplyDelete(ctx, conv, parent, id)
	})
}

// Hide hides id for the local user. A refused hide is undone.
func (t *Tracker) Hide(conv string, id msgid.ID) error {
	return t.toggle(conv, id, true)
}

// Show reverses Hide.
func (t *Tracker) Show(conv string, id msgid.ID) error {
	return t.toggle(conv, id, false)
}

func (t *Tracker) toggle(conv string, id msgid.ID, hide bool) error {
	var ev, undo patch.Event = patch.Show{ID: id}, patch.Hide{ID: id}
	if hide {
		ev, undo = undo, ev
	}
	return t.optimistic(conv, ev, undo, func(ctx context.Context) error {
		return t.source.SubmitToggle(ctx, conv, id, hide)
	})
}

// optimistic folds ev locally and sends it without tracking. A refused write
// with an undo event is reverted by folding undo; any other refused write
// leaves the conversation to be refetched.
func (t *Tracker) optimistic(conv string, ev, undo patch.Event, send func(context.Context) error) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.cache.CancelQueries(conv, cache.QueryRefresh)
	out := t.cache.ApplyLocal(conv, ev)
	t.wg.Add(1)
	t.mu.Unlock()

	if out.Err != nil {
		t.wg.Done()
		return out.Err
	}

	go func() {
		defer t.wg.Done()
		err := send(t.ctx)
		if err == nil || t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("optimistic write rejected",
			zap.String("conversation", conv),
			zap.String("kind", ev.Kind()),
			zap.Error(err),
		)
		if undo != nil {
			t.cache.ApplyLocal(conv, undo)
			return
		}
		t.mu.Lock()
		onRejected := t.rejected
		t.mu.Unlock()
		if onRejected != nil {
			onRejected(conv)
		}
	}()
	return nil
}
