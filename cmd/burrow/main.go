package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/burrow/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath  string
	url         string
	logLevel    string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "burrow",
		Short: "Resilient RabbitMQ consumer, producer and RPC client",
		Long: `burrow keeps a single RabbitMQ connection alive across broker restarts and
runs consumers, producers and JSON RPC endpoints on top of it.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config and RABBITMQ_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warning, error")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	rootCmd.AddCommand(
		newConsumeCommand(&flags),
		newSendCommand(&flags),
		newRPCServeCommand(&flags),
		newRPCCallCommand(&flags),
		newDeleteQueueCommand(&flags),
	)
	return rootCmd
}

// load reads the config file and applies command line overrides.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.url != "" {
		cfg.RabbitMQ.URL = f.url
	}
	if f.logLevel != "" {
		cfg.Logger.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	return cfg, cfg.Validate()
}

// parseJSONArgs decodes each argument as JSON, falling back to a plain
// string for arguments that are not valid JSON.
func parseJSONArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		out = append(out, v)
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}
