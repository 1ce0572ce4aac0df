// Package wire converts subscription frames to and from patch events.
//
// A frame is one JSON object whose "t" field names the variant:
//
//	{"t":"set","id":"170.141...","message":{...}|null}
//	{"t":"edit","id":"...","content":"..."}
//	{"t":"react","id":"...","author":"~zod","react":"👍"|null}
//	{"t":"reply","id":"...","reply_id":"...","reply":{...}|null,"meta":{...}}
//	{"t":"reply-react","id":"...","reply_id":"...","author":"~zod","react":"👍"|null}
//	{"t":"hide","id":"..."}
//	{"t":"show","id":"..."}
//
// Ids are decimal or dotted strings.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
)

// ErrMalformed is wrapped by every Decode error. It also matches
// patch.ErrMalformed.
var ErrMalformed = fmt.Errorf("wire: %w", patch.ErrMalformed)

type frame struct {
	T       string          `json:"t"`
	ID      msgid.ID        `json:"id"`
	ReplyID msgid.ID        `json:"reply_id,omitzero"`
	Message json.RawMessage `json:"message,omitempty"`
	Reply   json.RawMessage `json:"reply,omitempty"`
	Meta    *meta           `json:"meta,omitempty"`
	Content *string         `json:"content,omitempty"`
	Author  string          `json:"author,omitempty"`
	React   *string         `json:"react,omitempty"`
}

type message struct {
	Author    string            `json:"author"`
	Sent      int64             `json:"sent"`
	Content   string            `json:"content"`
	Nonce     string            `json:"nonce,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`
	Edited    bool              `json:"edited,omitempty"`
	Meta      *meta             `json:"meta,omitempty"`
}

type reply struct {
	Author    string            `json:"author"`
	Sent      int64             `json:"sent"`
	Content   string            `json:"content"`
	Nonce     string            `json:"nonce,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`
}

type meta struct {
	Count        int      `json:"count"`
	LastReply    int64    `json:"last_reply,omitempty"`
	LastRepliers []string `json:"last_repliers,omitempty"`
}

var null = []byte("null")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrMalformed)
}

// Decode parses one frame. Unknown variants, invalid JSON, unparseable ids
// and missing required fields return an error wrapping ErrMalformed.
func Decode(raw []byte) (patch.Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, malformed("decode frame: %v", err)
	}
	if f.ID.IsZero() {
		return nil, malformed("frame %q: missing id", f.T)
	}

	switch f.T {
	case "set":
		if len(f.Message) == 0 {
			return nil, malformed("set %s: missing message", f.ID)
		}
		if bytes.Equal(f.Message, null) {
			return patch.SetMessage{ID: f.ID}, nil
		}
		var m message
		if err := json.Unmarshal(f.Message, &m); err != nil {
			return nil, malformed("set %s: %v", f.ID, err)
		}
		return patch.SetMessage{ID: f.ID, Message: m.toStore()}, nil

	case "edit":
		if f.Content == nil {
			return nil, malformed("edit %s: missing content", f.ID)
		}
		return patch.EditMessage{ID: f.ID, Content: *f.Content}, nil

	case "react":
		if f.Author == "" {
			return nil, malformed("react %s: missing author", f.ID)
		}
		return patch.SetReaction{ID: f.ID, Author: f.Author, React: deref(f.React)}, nil

	case "reply":
		if f.ReplyID.IsZero() || len(f.Reply) == 0 {
			return nil, malformed("reply %s: missing reply_id or reply", f.ID)
		}
		ev := patch.SetReply{ID: f.ID, ReplyID: f.ReplyID}
		if f.Meta != nil {
			ev.Meta = f.Meta.toStore()
		}
		if !bytes.Equal(f.Reply, null) {
			var r reply
			if err := json.Unmarshal(f.Reply, &r); err != nil {
				return nil, malformed("reply %s/%s: %v", f.ID, f.ReplyID, err)
			}
			ev.Reply = &store.Reply{
				Parent:    f.ID,
				Author:    r.Author,
				Sent:      r.Sent,
				Content:   r.Content,
				Nonce:     r.Nonce,
				Reactions: r.Reactions,
			}
		}
		return ev, nil

	case "reply-react":
		if f.ReplyID.IsZero() || f.Author == "" {
			return nil, malformed("reply-react %s: missing reply_id or author", f.ID)
		}
		return patch.SetReplyReaction{ID: f.ID, ReplyID: f.ReplyID, Author: f.Author, React: deref(f.React)}, nil

	case "hide":
		return patch.Hide{ID: f.ID}, nil
	case "show":
		return patch.Show{ID: f.ID}, nil
	}
	return nil, malformed("unknown frame type %q", f.T)
}

// Encode renders ev as a frame. Local-only events cannot be encoded.
func Encode(ev patch.Event) ([]byte, error) {
	var f frame
	switch e := ev.(type) {
	case patch.SetMessage:
		f = frame{T: "set", ID: e.ID, Message: null}
		if e.Message != nil {
			b, err := json.Marshal(fromStoreMessage(e.Message))
			if err != nil {
				return nil, fmt.Errorf("encode set %s: %w", e.ID, err)
			}
			f.Message = b
		}
	case patch.EditMessage:
		f = frame{T: "edit", ID: e.ID, Content: &e.Content}
	case patch.SetReaction:
		f = frame{T: "react", ID: e.ID, Author: e.Author, React: ref(e.React)}
	case patch.SetReply:
		f = frame{T: "reply", ID: e.ID, ReplyID: e.ReplyID, Reply: null}
		if e.Meta != nil {
			f.Meta = fromStoreMeta(*e.Meta)
		}
		if e.Reply != nil {
			b, err := json.Marshal(reply{
				Author:    e.Reply.Author,
				Sent:      e.Reply.Sent,
				Content:   e.Reply.Content,
				Nonce:     e.Reply.Nonce,
				Reactions: e.Reply.Reactions,
			})
			if err != nil {
				return nil, fmt.Errorf("encode reply %s: %w", e.ReplyID, err)
			}
			f.Reply = b
		}
	case patch.SetReplyReaction:
		f = frame{T: "reply-react", ID: e.ID, ReplyID: e.ReplyID, Author: e.Author, React: ref(e.React)}
	case patch.Hide:
		f = frame{T: "hide", ID: e.ID}
	case patch.Show:
		f = frame{T: "show", ID: e.ID}
	default:
		return nil, fmt.Errorf("encode %T: not a wire event", ev)
	}
	return json.Marshal(f)
}

func (m message) toStore() *store.Message {
	out := &store.Message{
		Author:    m.Author,
		Sent:      m.Sent,
		Content:   m.Content,
		Nonce:     m.Nonce,
		Reactions: m.Reactions,
		Edited:    m.Edited,
	}
	if m.Meta != nil {
		out.Meta = *m.Meta.toStore()
	}
	return out
}

func fromStoreMessage(m *store.Message) message {
	out := message{
		Author:    m.Author,
		Sent:      m.Sent,
		Content:   m.Content,
		Nonce:     m.Nonce,
		Reactions: m.Reactions,
		Edited:    m.Edited,
	}
	if m.Meta.Count > 0 {
		out.Meta = fromStoreMeta(m.Meta)
	}
	return out
}

func (m *meta) toStore() *store.ReplyMeta {
	return &store.ReplyMeta{Count: m.Count, LastReply: m.LastReply, LastRepliers: m.LastRepliers}
}

func fromStoreMeta(m store.ReplyMeta) *meta {
	return &meta{Count: m.Count, LastReply: m.LastReply, LastRepliers: m.LastRepliers}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
