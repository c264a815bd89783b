package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/claudia-dev/claudia/internal/config"
)

// Manager owns the fixed set of supervised processes (gateway, worker)
// and restarts a crashed one with exponential backoff and an unhealthy one
// immediately.
// Grounded on wingedpig-trellis/internal/service/manager.go's
// ServiceManager, stripped of the dependency graph and multi-service
// generality trellis needs and Claudia's fixed two-service topology does
// not.
type Manager struct {
	cfg    config.SupervisorConfig
	client *http.Client

	mu           sync.Mutex
	processes    map[string]*process
	specs        map[string]ServiceSpec
	restartCount map[string]int
	order        []string
}

// NewManager builds a Manager over specs, in the order given (StartAll
// follows this order and StopAll its reverse).
func NewManager(cfg config.SupervisorConfig, specs []ServiceSpec) *Manager {
	m := &Manager{
		cfg:          cfg,
		client:       &http.Client{Timeout: 5 * time.Second},
		processes:    make(map[string]*process),
		specs:        make(map[string]ServiceSpec),
		restartCount: make(map[string]int),
	}
	for _, spec := range specs {
		m.specs[spec.Name] = spec
		m.processes[spec.Name] = newProcess(spec)
		m.order = append(m.order, spec.Name)
	}
	return m
}

// StartAll starts every supervised process and wires crash-triggered
// restart onto each.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.order {
		if err := m.start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) start(ctx context.Context, name string) error {
	m.mu.Lock()
	proc, ok := m.processes[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown service %q", name)
	}

	proc.OnExit(func(exitCode int) {
		m.scheduleRestart(ctx, name)
	})
	return proc.Start(ctx)
}

// scheduleRestart waits an exponential backoff (base
// cfg.RestartBackoffMs, capped at cfg.MaxRestartBackoffMs, doubling per
// consecutive crash for this service) before restarting name.
func (m *Manager) scheduleRestart(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.restartCount[name]++
	n := m.restartCount[name]
	m.mu.Unlock()

	delay := backoffFor(n, m.cfg.RestartBackoffMs, m.cfg.MaxRestartBackoffMs)
	slog.Warn("supervisor: scheduling restart", "service", name, "attempt", n, "delay", delay)

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := m.start(ctx, name); err != nil {
			slog.Error("supervisor: restart failed", "service", name, "error", err)
		}
	}()
}

// backoffFor returns base*2^(attempt-1), capped at max. base/max <= 0
// default to 1s/30s.
func backoffFor(attempt, baseMs, maxMs int) time.Duration {
	if baseMs <= 0 {
		baseMs = 1000
	}
	if maxMs <= 0 {
		maxMs = 30000
	}
	ms := baseMs
	for i := 1; i < attempt && ms < maxMs; i++ {
		ms *= 2
	}
	if ms > maxMs {
		ms = maxMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Restart stops then starts name, resetting its crash-backoff counter
// (an operator-requested restart is not a crash).
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	proc, ok := m.processes[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown service %q", name)
	}
	if err := proc.Stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.restartCount[name] = 0
	m.mu.Unlock()
	return m.start(ctx, name)
}

// StopAll stops every supervised process, in reverse start order.
func (m *Manager) StopAll(ctx context.Context) {
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		m.mu.Lock()
		proc := m.processes[name]
		m.mu.Unlock()
		if err := proc.Stop(ctx); err != nil {
			slog.Error("supervisor: stop failed", "service", name, "error", err)
		}
	}
}

// Status returns one service's current snapshot.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	proc, ok := m.processes[name]
	restarts := m.restartCount[name]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	st := proc.Status()
	st.RestartCount = restarts
	return st, true
}

// List returns every service's current snapshot, keyed by service name.
func (m *Manager) List() map[string]Status {
	out := make(map[string]Status, len(m.order))
	for _, name := range m.order {
		st, _ := m.Status(name)
		out[name] = st
	}
	return out
}

// Logs returns the last n log lines for name.
func (m *Manager) Logs(name string, n int) ([]string, bool) {
	m.mu.Lock()
	proc, ok := m.processes[name]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return proc.Logs(n), true
}

// RunHealthChecks polls each service with a configured HealthURL on
// cfg.HealthCheckCron, restarting any that fails to answer with 2xx. It
// blocks until ctx is canceled, the same poll-resolution-over-cron shape
// as the librarian worker's Run loop.
func (m *Manager) RunHealthChecks(ctx context.Context) error {
	if m.cfg.HealthCheckCron == "" {
		return nil
	}
	gron := gronx.New()
	if !gron.IsValid(m.cfg.HealthCheckCron) {
		return fmt.Errorf("supervisor: invalid health_check_cron %q", m.cfg.HealthCheckCron)
	}

	const pollResolution = 5 * time.Second
	ticker := time.NewTicker(pollResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := gron.IsDue(m.cfg.HealthCheckCron)
			if err != nil {
				slog.Error("supervisor: cron evaluation failed", "error", err)
				continue
			}
			if !due {
				continue
			}
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, name := range m.order {
		spec := m.specs[name]
		if spec.HealthURL == "" {
			continue
		}
		st, _ := m.Status(name)
		if st.State != StateRunning {
			continue
		}
		if !m.checkOne(ctx, spec.HealthURL) {
			slog.Warn("supervisor: health check failed, restarting", "service", name)
			if err := m.Restart(ctx, name); err != nil {
				slog.Error("supervisor: health-triggered restart failed", "service", name, "error", err)
			}
		}
	}
}

func (m *Manager) checkOne(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
