package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/threadexport/internal/api"
	"github.com/MikeSquared-Agency/threadexport/internal/batch"
	"github.com/MikeSquared-Agency/threadexport/internal/config"
	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/events"
	"github.com/MikeSquared-Agency/threadexport/internal/render"
	"github.com/MikeSquared-Agency/threadexport/internal/sink"
)

func withApp(cfg *config.Config, fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		a, err := buildApp(ctx, *cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch control API",
		RunE: withApp(cfg, func(ctx context.Context, a *app) error {
			srv := api.NewServer(ctx, a.cfg.Port, a.cfg.APIToken, a.orch, a.defaultOptions(), a.logger)
			if a.cfg.APIToken == "" {
				a.logger.Warn("THREADEXPORT_API_TOKEN not set, batch routes are unauthenticated")
			}
			err := srv.Start(ctx)
			a.logger.Info("shutting down")
			// Let a running batch reach its checkpoint.
			a.orch.Wait()
			a.logger.Info("threadexport stopped")
			return err
		}),
	}
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		count    int
		replace  bool
		account  string
		monthly  bool
		debugLog bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export conversations in one resumable batch",
		RunE: withApp(cfg, func(ctx context.Context, a *app) error {
			opts := a.defaultOptions()
			if account != "" {
				opts.AccountName = account
			}
			if monthly {
				opts.FolderGranularity = batch.FolderByMonth
			}
			if debugLog {
				opts.DebugLogEnabled = true
			}
			err := a.orch.Run(ctx, batch.StartRequest{Count: count, Options: opts, Replace: replace})
			if errors.Is(err, batch.ErrCheckpointExists) {
				return fmt.Errorf("%w (use resume, or run --replace)", err)
			}
			if err != nil {
				return err
			}
			return printJSON(a.orch.Status())
		}),
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of most recent conversations to export (0 = all)")
	cmd.Flags().BoolVar(&replace, "replace", false, "discard an unfinished batch and start over")
	cmd.Flags().StringVar(&account, "account", "", "account name used for the export folder")
	cmd.Flags().BoolVar(&monthly, "monthly", false, "group exports by year and month instead of year")
	cmd.Flags().BoolVar(&debugLog, "debug-log", false, "keep a live debug log next to the exports")
	return cmd
}

func newResumeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue the unfinished batch",
		RunE: withApp(cfg, func(ctx context.Context, a *app) error {
			if err := a.orch.RunResume(ctx); err != nil {
				return err
			}
			return printJSON(a.orch.Status())
		}),
	}
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current or unfinished batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return remoteCall(cmd.Context(), cfg, server, "GET", "/api/v1/batch/status")
			}
			return withApp(cfg, func(ctx context.Context, a *app) error {
				st, err := a.orch.Inspect(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "ask a running serve instance at this base URL")
	return cmd
}

func newCancelCmd(cfg *config.Config) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Pause the batch so it can be resumed later",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return remoteCall(cmd.Context(), cfg, server, "POST", "/api/v1/batch/cancel")
			}
			return withApp(cfg, func(ctx context.Context, a *app) error {
				if !a.orch.Cancel(ctx) {
					return errors.New("nothing to cancel")
				}
				return printJSON(a.orch.Status())
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "cancel through a running serve instance at this base URL")
	return cmd
}

func newExportCmd(cfg *config.Config) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a single conversation",
		RunE: withApp(cfg, func(ctx context.Context, a *app) error {
			path, err := exportOne(ctx, a, id)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "conversation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func exportOne(ctx context.Context, a *app, id string) (string, error) {
	d := conversation.Descriptor{ID: id}
	res, err := a.retriever.Retrieve(ctx, d)
	if err != nil {
		return "", fmt.Errorf("retrieve %s: %w", id, err)
	}
	if conversation.CountExportable(res.Messages) == 0 {
		return "", fmt.Errorf("%s: %w", id, conversation.ErrEmptyConversation)
	}

	opts := a.defaultOptions()
	now := time.Now()
	title := conversation.NormalizeTitle(res.Title)
	start := conversation.StartTime(d, res.Messages, now)
	data, err := a.renderer.Render(ctx, render.Document{
		Title:          title,
		ConversationID: id,
		SourceTag:      res.SourceTag,
		Account:        opts.AccountName,
		StartedAt:      start,
		ExportedAt:     now,
		Messages:       res.Messages,
	})
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	folder := batch.Folder(a.cfg.RootFolder, opts.AccountName, start, opts.FolderGranularity)
	return a.sink.Save(ctx, data, batch.FileName(start, 1, 1, title), folder, sink.Uniquify)
}

func newWatchCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print batch events from the event bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.NatsURL == "" {
				return errors.New("NATS_URL is required")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			bus, err := events.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, cfg.NatsSubject, slog.Default())
			if err != nil {
				return err
			}
			defer bus.Close()

			err = bus.Subscribe(bus.Subject()+".>", func(subject string, data []byte) {
				fmt.Printf("%s %s\n", subject, data)
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

// remoteCall sends a control request to a running serve instance.
func remoteCall(ctx context.Context, cfg *config.Config, server, method, path string) error {
	client := resty.New().
		SetBaseURL(strings.TrimRight(server, "/")).
		SetTimeout(15 * time.Second)
	if cfg.APIToken != "" {
		client.SetAuthToken(cfg.APIToken)
	}
	resp, err := client.R().SetContext(ctx).Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status(), strings.TrimSpace(resp.String()))
	}
	_, err = os.Stdout.Write(append(resp.Body(), '\n'))
	return err
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
