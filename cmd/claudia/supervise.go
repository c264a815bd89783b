package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/supervisor"
)

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the gateway and worker as supervised subprocesses with a status dashboard",
		Run: func(cmd *cobra.Command, args []string) {
			runSupervise()
		},
	}
}

// runSupervise spawns `claudia gateway` and `claudia worker` as child
// processes of this one, restarting either on crash or failed health
// check, and serves the dashboard described in §4.7.
func runSupervise() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	self, err := exec.LookPath(os.Args[0])
	if err != nil {
		self = os.Args[0]
	}
	cwd, _ := os.Getwd()

	specs := []supervisor.ServiceSpec{
		{
			Name:      "gateway",
			Command:   self,
			Args:      []string{"gateway", "--config", resolveConfigPath()},
			Dir:       cwd,
			HealthURL: fmt.Sprintf("http://%s:%d/health", cfg.Gateway.Host, cfg.Gateway.Port),
		},
	}
	if cfg.Librarian.Enabled {
		specs = append(specs, supervisor.ServiceSpec{
			Name:      "worker",
			Command:   self,
			Args:      []string{"worker", "--config", resolveConfigPath()},
			Dir:       cwd,
			HealthURL: "http://127.0.0.1:8793/health",
		})
	}

	mgr := supervisor.NewManager(cfg.Supervisor, specs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.StartAll(ctx); err != nil {
		slog.Error("supervisor: failed to start services", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := mgr.RunHealthChecks(ctx); err != nil {
			slog.Error("supervisor: health check loop stopped", "error", err)
		}
	}()

	dash := supervisor.NewDashboard(cfg.Supervisor, mgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("supervisor: graceful shutdown initiated", "signal", sig)
		mgr.StopAll(context.Background())
		cancel()
	}()

	slog.Info("claudia supervisor starting",
		"version", Version,
		"dashboard_addr", fmt.Sprintf("%s:%d", cfg.Supervisor.Host, cfg.Supervisor.Port),
		"services", len(specs),
	)

	if err := dash.Start(ctx); err != nil {
		slog.Error("supervisor: dashboard error", "error", err)
		os.Exit(1)
	}
}
