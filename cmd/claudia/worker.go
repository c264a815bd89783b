package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/librarian"
	"github.com/claudia-dev/claudia/internal/store"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the librarian worker standalone, with a health endpoint for the supervisor",
		Run: func(cmd *cobra.Command, args []string) {
			runWorker()
		},
	}
}

// runWorker runs the librarian as its own process rather than embedded in
// the gateway, so the supervisor (§4.7) can restart it independently of
// RPC traffic. It exposes a bare /health for supervisor.ServiceSpec's
// HealthURL polling, the same role gateway.Server's /health plays there.
func runWorker() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.Librarian.Enabled {
		slog.Error("librarian is disabled in config; nothing for the worker to do")
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
	sessions := agentsession.New(cfg.Agent, st, events)
	defer sessions.Shutdown()

	worker := librarian.New(cfg.Librarian, st, sessions)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	healthServer := &http.Server{Addr: "127.0.0.1:8793", Handler: mux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker: health server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("worker: graceful shutdown initiated")
		healthServer.Shutdown(context.Background())
		cancel()
	}()

	slog.Info("claudia worker starting", "poll_cron", cfg.Librarian.PollCron)
	if err := worker.Run(ctx); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
