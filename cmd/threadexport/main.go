package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/threadexport/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config

	root := &cobra.Command{
		Use:           "threadexport",
		Short:         "Batch export of chat conversations to HTML files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := config.Resolve()
			if err != nil {
				return err
			}
			cfg = resolved
			setupLogging(cfg.LogLevel)
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(&cfg),
		newRunCmd(&cfg),
		newResumeCmd(&cfg),
		newStatusCmd(&cfg),
		newCancelCmd(&cfg),
		newExportCmd(&cfg),
		newWatchCmd(&cfg),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM. A running batch then
// pauses and checkpoints.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
