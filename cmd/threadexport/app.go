package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/threadexport/internal/batch"
	"github.com/MikeSquared-Agency/threadexport/internal/bridge"
	"github.com/MikeSquared-Agency/threadexport/internal/checkpoint"
	"github.com/MikeSquared-Agency/threadexport/internal/collector"
	"github.com/MikeSquared-Agency/threadexport/internal/config"
	"github.com/MikeSquared-Agency/threadexport/internal/debuglog"
	"github.com/MikeSquared-Agency/threadexport/internal/events"
	"github.com/MikeSquared-Agency/threadexport/internal/remote"
	"github.com/MikeSquared-Agency/threadexport/internal/render"
	"github.com/MikeSquared-Agency/threadexport/internal/retriever"
	"github.com/MikeSquared-Agency/threadexport/internal/scrollsync"
	"github.com/MikeSquared-Agency/threadexport/internal/sink"
	"github.com/MikeSquared-Agency/threadexport/internal/slack"
	"github.com/MikeSquared-Agency/threadexport/internal/visibility"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	orch      *batch.Orchestrator
	retriever *retriever.Retriever
	renderer  *render.HTMLRenderer
	sink      *sink.FileSink
	store     *checkpoint.Guarded
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) defaultOptions() batch.Options {
	return batch.Options{
		AccountName:       a.cfg.AccountName,
		FolderGranularity: batch.FolderGranularity(a.cfg.FolderGranularity),
		DebugLogEnabled:   a.cfg.DebugLog,
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := slog.Default()
	a := &app{cfg: cfg, logger: logger}

	store, closeStore, err := checkpoint.Open(ctx, cfg.CheckpointBackend, cfg.CheckpointPath, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	// Collaborators report progress before the orchestrator exists.
	progress := func(msg string) {
		if a.orch != nil {
			a.orch.Progress(msg)
		}
		logger.Debug("progress", "message", msg)
	}

	page := bridge.New(cfg.BridgeURL, cfg.BridgeToken, logger)

	rcfg := remote.DefaultConfig(cfg.OriginURL)
	rcfg.AccessToken = cfg.AccessToken
	rcfg.Cookie = cfg.Cookie
	rcfg.ProjectID = cfg.ProjectID
	if cfg.UserAgent != "" {
		rcfg.UserAgent = cfg.UserAgent
	}
	if cfg.RequestsPerSecond > 0 {
		rcfg.RequestsPerSecond = cfg.RequestsPerSecond
	}
	client := remote.New(rcfg, page, logger)

	vcfg := visibility.DefaultConfig()
	vcfg.MaxWait = cfg.HiddenMaxWait
	gate := visibility.New(page, vcfg, func(n visibility.Notice) { progress(n.Message) }, logger)

	syncer := scrollsync.New(page, scrollsync.DefaultConfig(), progress, logger)
	coll := collector.New(client, page, gate, collector.DefaultConfig(), progress, logger)

	retCfg := retriever.DefaultConfig()
	retCfg.ItemTimeout = cfg.ItemTimeout
	a.retriever = retriever.New(client, page, syncer, retCfg, progress, logger)

	a.renderer = render.NewHTMLRenderer()
	a.sink = sink.NewFileSink(cfg.OutputDir)

	var notifiers batch.Notifiers
	var publisher debuglog.Publisher
	if cfg.NatsURL != "" {
		bus, err := events.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, cfg.NatsSubject, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		a.closers = append(a.closers, bus.Close)
		publisher = bus
		notifiers = append(notifiers, bus)
		logger.Info("NATS connected", "url", cfg.NatsURL, "subject", cfg.NatsSubject)
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifiers = append(notifiers, slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, cfg.AccountName, logger))
		logger.Info("slack poster ready", "channel", cfg.SlackChannel)
	}

	dcfg := debuglog.DefaultConfig()
	dcfg.RootFolder = cfg.RootFolder
	debug := debuglog.New(a.renderer, a.sink, publisher, dcfg, logger)

	bcfg := batch.DefaultConfig()
	bcfg.RootFolder = cfg.RootFolder
	bcfg.ItemTimeout = cfg.ItemTimeout
	deps := batch.Deps{
		Collector: coll,
		Retriever: a.retriever,
		Gate:      gate,
		Store:     store,
		Renderer:  a.renderer,
		Sink:      a.sink,
		Debug:     debug,
	}
	if len(notifiers) > 0 {
		deps.Notifier = notifiers
	}
	a.orch = batch.New(deps, bcfg, logger)
	return a, nil
}
