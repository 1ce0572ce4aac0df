// Command chatcache drives the conversation cache against a local source:
// seeding history, viewing pages, posting and following live updates.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatcache/internal/app"
	"github.com/matheus3301/chatcache/internal/config"
	"github.com/matheus3301/chatcache/internal/transport"
)

var (
	configPath  string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "chatcache",
	Short: "Paginated, real-time conversation cache",
	Long: `chatcache keeps partially loaded conversation history consistent with
a live event stream. The commands below run it against the SQLite source
configured in ~/.chatcache/config.toml, or against an in-memory source for
the demo.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")

	rootCmd.AddCommand(configCmd, seedCmd, viewCmd, postCmd, watchCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime is a started fx application.
type runtime struct {
	fx     *fx.App
	client *app.Client
	source transport.Source
}

func start(ctx context.Context, p app.Params) (*runtime, error) {
	rt := &runtime{}
	rt.fx = fx.New(
		app.Module(p),
		fx.Populate(&rt.client, &rt.source),
	)
	if err := rt.fx.Err(); err != nil {
		return nil, err
	}
	if err := rt.fx.Start(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return rt, nil
}

func (rt *runtime) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	_ = rt.fx.Stop(ctx)
}

// startConfigured starts the module against the configured SQLite source.
func startConfigured(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return start(ctx, app.Params{Config: cfg})
}
