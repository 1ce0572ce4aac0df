package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chatcache/internal/config"
	"github.com/matheus3301/chatcache/internal/convid"
	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/status"
	"github.com/matheus3301/chatcache/internal/store"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(configPath); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", *cfg)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <conversation>",
	Short: "Write generated history into the source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

var viewCmd = &cobra.Command{
	Use:   "view <conversation>",
	Short: "Load and print a window of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runView,
}

var postCmd = &cobra.Command{
	Use:   "post <conversation> <text>...",
	Short: "Post a message and wait for its delivery",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPost,
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	seedCmd.Flags().Int("count", 100, "messages to write")
	seedCmd.Flags().Float64("rate", 0, "messages per second, 0 for no limit")
	seedCmd.Flags().StringSlice("authors", []string{"~nec", "~bud", "~wes"}, "authors to rotate through")

	viewCmd.Flags().String("around", "", "message id to center the window on (default newest)")
	viewCmd.Flags().Int("expand", 0, "extra pages to load on each open edge")

	postCmd.Flags().Duration("wait", 10*time.Second, "how long to wait for delivery")
}

func runSeed(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	authors, _ := cmd.Flags().GetStringSlice("authors")
	perSecond, _ := cmd.Flags().GetFloat64("rate")
	if count <= 0 || len(authors) == 0 {
		return errors.New("need a positive --count and at least one author")
	}

	rt, err := startConfigured(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.stop()

	conv := args[0]
	if err := convid.Validate(conv); err != nil {
		return err
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	base := time.Now().Add(-time.Duration(count) * time.Minute)
	for i := range count {
		if err := limiter.Wait(cmd.Context()); err != nil {
			return err
		}
		msg := &store.Message{
			Author:  authors[i%len(authors)],
			Sent:    base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Content: fmt.Sprintf("message %d", i+1),
		}
		if err := rt.source.SubmitWrite(cmd.Context(), conv, msg); err != nil {
			return fmt.Errorf("seed message %d: %w", i+1, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %s into %s\n", humanize.Plural(count, "message", "messages"), conv)
	return nil
}

func runView(cmd *cobra.Command, args []string) error {
	around, _ := cmd.Flags().GetString("around")
	expand, _ := cmd.Flags().GetInt("expand")
	var anchor msgid.ID
	if around != "" {
		id, err := msgid.Parse(around)
		if err != nil {
			return fmt.Errorf("--around: %w", err)
		}
		anchor = id
	}

	ctx := cmd.Context()
	rt, err := startConfigured(ctx)
	if err != nil {
		return err
	}
	defer rt.stop()

	conv := args[0]
	c := rt.client
	if err := c.Open(ctx, conv, anchor); err != nil {
		return err
	}
	for range expand {
		if err := c.Expand(ctx, conv); err != nil {
			return err
		}
	}
	entries := c.View(conv)
	printEntries(cmd.OutOrStdout(), entries)
	printEdges(cmd.OutOrStdout(), c.HasOlder(conv), c.HasNewer(conv), len(entries))
	return nil
}

func runPost(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetDuration("wait")
	ctx := cmd.Context()
	rt, err := startConfigured(ctx)
	if err != nil {
		return err
	}
	defer rt.stop()

	conv := args[0]
	c := rt.client
	if err := c.Open(ctx, conv, msgid.ID{}); err != nil {
		return err
	}
	cid, err := c.Post(conv, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch st := c.Status(cid); st {
		case status.Delivered:
			fmt.Fprintln(cmd.OutOrStdout(), "delivered")
			return nil
		case status.Failed:
			return fmt.Errorf("post failed: %w", c.Err(cid))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("post still %s after %s", c.Status(cid), wait)
		case <-ticker.C:
		}
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := startConfigured(ctx)
	if err != nil {
		return err
	}
	defer rt.stop()

	conv := args[0]
	c := rt.client
	changes, unwatch := c.Watch(conv)
	defer unwatch()
	if err := c.Open(ctx, conv, msgid.ID{}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var last msgid.ID
	flush := func() {
		for _, e := range c.View(conv) {
			if e.Message.Provisional || !last.Less(e.ID) {
				continue
			}
			fmt.Fprintln(out, formatEntry(e, time.Now()))
			last = e.ID
		}
	}
	flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			flush()
		}
	}
}
