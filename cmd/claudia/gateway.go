package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/extension"
	"github.com/claudia-dev/claudia/internal/gateway"
	"github.com/claudia-dev/claudia/internal/gateway/methods"
	"github.com/claudia-dev/claudia/internal/ingest"
	"github.com/claudia-dev/claudia/internal/librarian"
	"github.com/claudia-dev/claudia/internal/store"
	"github.com/claudia-dev/claudia/internal/tracing"
	"github.com/claudia-dev/claudia/internal/tts"
	"github.com/claudia-dev/claudia/internal/watcher"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway: WebSocket RPC, transcript ingestion, extension host",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runGateway() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(config.ExpandHome(cfg.Store.Path))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	events := bus.New()

	tracer, err := tracing.New(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled: setup failed", "error", err)
		tracer = nil
	}
	if tracer != nil {
		defer tracer.Shutdown(context.Background())
	}

	sessions := agentsession.New(cfg.Agent, st, events)
	defer sessions.Shutdown()

	extHost := extension.New(cfg.Extension, events)
	if tracer != nil {
		extHost.SetTracer(tracer)
	}
	extHost.Start(ctx)
	defer extHost.Stop()

	var voice *tts.Bridge
	if cfg.Tts.Enabled {
		synth := tts.NewHTTPSynthesizer(cfg.Tts)
		voice = tts.NewBridge(sessions, events, synth, cfg.Tts)
	}

	var worker *librarian.Worker
	if cfg.Librarian.Enabled {
		worker = librarian.New(cfg.Librarian, st, sessions)
		if tracer != nil {
			worker.SetTracer(tracer)
		}
		go func() {
			if err := worker.Run(ctx); err != nil {
				slog.Error("librarian worker stopped", "error", err)
			}
		}()
	}

	pipeline := ingest.New(st, events, ingest.NewJSONLinesParser(), cfg.Ingestion, "watcher")
	if err := pipeline.RecoverStale(); err != nil {
		slog.Warn("ingest: recover stale segments failed", "error", err)
	}

	roots := make([]string, len(cfg.Watcher.Roots))
	for i, root := range cfg.Watcher.Roots {
		roots[i] = config.ExpandHome(root)
	}
	fw, err := watcher.New(roots, cfg.Watcher.IgnorePatterns, cfg.Watcher.DebounceMillis, func(path string) {
		if err := pipeline.IngestFile(path, path); err != nil {
			slog.Warn("ingest: file failed", "path", path, "error", err)
		}
	})
	if err != nil {
		slog.Error("failed to start watcher", "error", err)
		os.Exit(1)
	}
	stopWatch := make(chan struct{})
	if err := fw.Start(stopWatch); err != nil {
		slog.Error("watcher: start failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		close(stopWatch)
		fw.Stop()
	}()

	promoteTicker := time.NewTicker(time.Duration(cfg.Ingestion.IdleGapSeconds) * time.Second / 4)
	defer promoteTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-promoteTicker.C:
				if _, err := pipeline.PromoteReady(time.Now()); err != nil {
					slog.Warn("ingest: promote ready failed", "error", err)
				}
			}
		}
	}()

	router := gateway.NewMethodRouter()
	if tracer != nil {
		router.SetTracer(tracer)
	}
	router.SetExtensionHost(extHost)
	methods.NewWorkspaceMethods(st, sessions).Register(router)
	methods.NewSessionMethods(st, sessions, voice).Register(router)
	methods.NewIntrospectionMethods(extHost, router).Register(router)
	methods.NewMemoryMethods(worker).Register(router)

	server := gateway.NewServer(cfg, events, router)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent("shutdown", nil)
		cancel()
	}()

	slog.Info("claudia gateway starting",
		"version", Version,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"librarian", cfg.Librarian.Enabled,
		"tts", cfg.Tts.Enabled,
		"extensions", len(cfg.Extension.Paths),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
