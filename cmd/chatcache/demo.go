package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatcache/internal/app"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/source"
	"github.com/matheus3301/chatcache/internal/status"
	"github.com/matheus3301/chatcache/internal/store"
)

const demoConversation = "chat/~zod/demo"

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through paging, a live event and an optimistic post in memory",
	Long: `demo seeds an in-memory source with messages 70 to 110, opens the
conversation around 100, pages older history in, receives message 111 from
another participant and then posts a draft that is confirmed in place.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().Duration("latency", 200*time.Millisecond, "simulated source latency")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	latency, _ := cmd.Flags().GetDuration("latency")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.PageSize = 21

	ctx := cmd.Context()
	mem := source.NewMemory(source.Options{Latency: latency})
	base := time.Now().Add(-time.Hour)
	for n := int64(70); n <= 110; n++ {
		msg := &store.Message{
			Author:  "~nec",
			Sent:    base.Add(time.Duration(n-70) * time.Minute).UnixMilli(),
			Content: fmt.Sprintf("message %d", n),
		}
		if err := mem.Put(ctx, demoConversation, msgid.New(n), msg); err != nil {
			return err
		}
	}

	rt, err := start(ctx, app.Params{Config: cfg, Source: mem})
	if err != nil {
		return err
	}
	defer rt.stop()

	out := cmd.OutOrStdout()
	c := rt.client
	show := func(step string) {
		fmt.Fprintf(out, "\n== %s\n", step)
		entries := c.View(demoConversation)
		printEntries(out, entries)
		printEdges(out, c.HasOlder(demoConversation), c.HasNewer(demoConversation), len(entries))
	}

	if err := c.Open(ctx, demoConversation, msgid.New(100)); err != nil {
		return err
	}
	show("opened around 100")

	if err := c.LoadOlder(ctx, demoConversation); err != nil {
		return err
	}
	show("loaded older history")

	live := &store.Message{Author: "~bud", Sent: time.Now().UnixMilli(), Content: "message 111"}
	if err := mem.Publish(ctx, demoConversation, patch.SetMessage{ID: msgid.New(111), Message: live}); err != nil {
		return err
	}
	if err := waitUntil(ctx, func() bool { return len(c.View(demoConversation)) == 42 }); err != nil {
		return fmt.Errorf("live message never arrived: %w", err)
	}
	show("received 111")

	cid, err := c.Post(demoConversation, "hello from "+cfg.Self)
	if err != nil {
		return err
	}
	show(fmt.Sprintf("posted draft (%s)", c.Status(cid)))

	if err := waitUntil(ctx, func() bool { return c.Status(cid) == status.Delivered }); err != nil {
		return fmt.Errorf("draft never delivered: %w", err)
	}
	show(fmt.Sprintf("draft confirmed (%s)", c.Status(cid)))
	return describeTail(out, c, cid)
}

func describeTail(w io.Writer, c *app.Client, cid store.CacheID) error {
	entries := c.View(demoConversation)
	if len(entries) == 0 {
		return errors.New("empty view")
	}
	tail := entries[len(entries)-1]
	if tail.Message.Provisional || tail.Message.Nonce != cid.Nonce {
		return fmt.Errorf("tail %s is not the confirmed draft", tail.ID)
	}
	fmt.Fprintf(w, "\nthe draft was replaced at the tail by its canonical copy %s\n", tail.ID.Ud())
	return nil
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
