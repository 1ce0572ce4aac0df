package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matheus3301/chatcache/internal/store"
)

func formatEntry(e store.Entry, now time.Time) string {
	m := e.Message
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-14s %s", e.ID.Ud(), m.Author, m.Content)

	var notes []string
	if m.Provisional {
		notes = append(notes, "sending")
	}
	if m.Edited {
		notes = append(notes, "edited")
	}
	if m.Meta.Count > 0 {
		notes = append(notes, humanize.Plural(m.Meta.Count, "reply", "replies"))
	}
	if n := len(m.Reactions); n > 0 {
		notes = append(notes, humanize.Plural(n, "reaction", "reactions"))
	}
	if len(notes) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(notes, ", "))
	}
	if m.Sent > 0 {
		fmt.Fprintf(&b, "  %s", humanize.RelTime(time.UnixMilli(m.Sent), now, "ago", "from now"))
	}
	return b.String()
}

func printEntries(w io.Writer, entries []store.Entry) {
	now := time.Now()
	for _, e := range entries {
		fmt.Fprintln(w, formatEntry(e, now))
	}
}

func printEdges(w io.Writer, hasOlder, hasNewer bool, n int) {
	older, newer := "start of history", "live"
	if hasOlder {
		older = "more above"
	}
	if hasNewer {
		newer = "more below"
	}
	fmt.Fprintf(w, "-- %s, %s, %s loaded --\n", older, newer, humanize.Plural(n, "message", "messages"))
}
