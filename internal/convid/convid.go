// Package convid validates conversation identifiers.
package convid

import (
	"fmt"
	"regexp"
)

// Kind is the sort of conversation an id names.
type Kind string

const (
	// Channel is a group channel nest: kind/~host/name.
	Channel Kind = "channel"
	// DM is a one-to-one conversation named by the other ship.
	DM Kind = "dm"
	// Club is a multi-party direct conversation.
	Club Kind = "club"
)

var (
	shipRegexp    = regexp.MustCompile(`^~[a-z]{3}(-?[a-z]{3}){0,15}$`)
	clubRegexp    = regexp.MustCompile(`^0v[0-9a-v]{1,5}(\.[0-9a-v]{5}){0,25}$`)
	channelRegexp = regexp.MustCompile(`^(chat|diary|heap)/~[a-z]{3}(-?[a-z]{3}){0,15}/[a-z0-9][a-z0-9-]{0,63}$`)
)

// Parse classifies id, failing when it matches no known form.
func Parse(id string) (Kind, error) {
	switch {
	case channelRegexp.MatchString(id):
		return Channel, nil
	case shipRegexp.MatchString(id):
		return DM, nil
	case clubRegexp.MatchString(id):
		return Club, nil
	}
	return "", fmt.Errorf("invalid conversation id %q: want a channel nest (chat/~host/name), a ship (~zod) or a club id (0v...)", id)
}

// Validate checks that id is a well-formed conversation id.
func Validate(id string) error {
	_, err := Parse(id)
	return err
}

// ValidateShip checks that s is a ship name such as ~zod or ~sampel-palnet.
func ValidateShip(s string) error {
	if !shipRegexp.MatchString(s) {
		return fmt.Errorf("invalid ship %q", s)
	}
	return nil
}
