package store

import (
	"maps"

	"github.com/matheus3301/chatcache/internal/msgid"
)

// Hidden is the set of message ids the local user has hidden. It lives beside
// the paginated cache rather than inside it.
type Hidden map[string]struct{}

// Has reports whether id is hidden.
func (h Hidden) Has(id msgid.ID) bool {
	_, ok := h[id.String()]
	return ok
}

// With returns a copy of h with id added.
func (h Hidden) With(id msgid.ID) Hidden {
	out := maps.Clone(h)
	if out == nil {
		out = make(Hidden)
	}
	out[id.String()] = struct{}{}
	return out
}

// Without returns a copy of h with id removed.
func (h Hidden) Without(id msgid.ID) Hidden {
	out := maps.Clone(h)
	delete(out, id.String())
	return out
}
