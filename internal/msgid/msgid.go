// Package msgid implements the arbitrary-precision message ids conversations
// are ordered by, and their dotted text form.
package msgid

import (
	"fmt"
	"math/big"
	"strings"
)

var (
	// daEpoch is the id of the Unix epoch (1970-01-01T00:00:00Z).
	daEpoch, _ = new(big.Int).SetString("170141184475152167957503069145530368000", 10)
	// daSecond is one second in id units (2^64).
	daSecond = new(big.Int).Lsh(big.NewInt(1), 64)
	// halfMilli is added before dividing so UnixMilli rounds to the nearest ms.
	halfMilli = new(big.Int).Div(daSecond, big.NewInt(2000))
	thousand  = big.NewInt(1000)
)

// ID is a message identifier: an arbitrary-precision integer that orders
// messages within a conversation. The zero value is "no id" and is used for
// absent cursors. IDs are immutable; methods never modify the receiver.
type ID struct {
	v *big.Int
}

// New returns the id with the given small integer value.
func New(n int64) ID {
	return ID{v: big.NewInt(n)}
}

// FromBig copies b into a new id.
func FromBig(b *big.Int) ID {
	if b == nil {
		return ID{}
	}
	return ID{v: new(big.Int).Set(b)}
}

// FromUnixMilli encodes a Unix millisecond timestamp the same way the remote
// source assigns ids, so locally synthesized ids sort among real ones.
func FromUnixMilli(ms int64) ID {
	v := new(big.Int).Mul(big.NewInt(ms), daSecond)
	v.Div(v, thousand)
	v.Add(v, daEpoch)
	return ID{v: v}
}

// Parse accepts plain decimal ("170141...") or dotted @ud ("170.141...").
func Parse(s string) (ID, error) {
	clean := strings.ReplaceAll(s, ".", "")
	if clean == "" {
		return ID{}, fmt.Errorf("parse id %q: empty", s)
	}
	if strings.Contains(s, ".") && !validUd(s) {
		return ID{}, fmt.Errorf("parse id %q: malformed dot grouping", s)
	}
	v, ok := new(big.Int).SetString(clean, 10)
	if !ok || v.Sign() < 0 {
		return ID{}, fmt.Errorf("parse id %q: not a non-negative integer", s)
	}
	return ID{v: v}, nil
}

// MustParse is like Parse but panics on error. For tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func validUd(s string) bool {
	groups := strings.Split(s, ".")
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

// IsZero reports whether id is the absent id.
func (id ID) IsZero() bool { return id.v == nil }

// Cmp compares two ids. The absent id sorts before every present id.
func (id ID) Cmp(other ID) int {
	switch {
	case id.v == nil && other.v == nil:
		return 0
	case id.v == nil:
		return -1
	case other.v == nil:
		return 1
	}
	return id.v.Cmp(other.v)
}

func (id ID) Less(other ID) bool  { return id.Cmp(other) < 0 }
func (id ID) Equal(other ID) bool { return id.Cmp(other) == 0 }

// Max returns the larger of a and b.
func Max(a, b ID) ID {
	if a.Less(b) {
		return b
	}
	return a
}

// Min returns the smaller present id of a and b; a zero argument is ignored.
func Min(a, b ID) ID {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Less(a):
		return b
	}
	return a
}

// Big returns a copy of the underlying integer, or nil for the zero id.
func (id ID) Big() *big.Int {
	if id.v == nil {
		return nil
	}
	return new(big.Int).Set(id.v)
}

// UnixMilli decodes a time-derived id back into Unix milliseconds.
func (id ID) UnixMilli() int64 {
	if id.v == nil {
		return 0
	}
	v := new(big.Int).Sub(id.v, daEpoch)
	v.Add(v, halfMilli)
	v.Mul(v, thousand)
	v.Div(v, daSecond)
	return v.Int64()
}

// String renders the id in plain decimal. The zero id renders as "".
func (id ID) String() string {
	if id.v == nil {
		return ""
	}
	return id.v.String()
}

// Ud renders the id in dotted @ud form: 170.141.184.
func (id ID) Ud() string {
	s := id.String()
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler using the decimal form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero id.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
