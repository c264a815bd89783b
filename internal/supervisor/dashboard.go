package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/claudia-dev/claudia/internal/config"
)

// Dashboard serves the supervisor's local HTTP surface: an HTML overview,
// a JSON status endpoint, per-service log tails, and a restart trigger
// (§4.7).
type Dashboard struct {
	cfg        config.SupervisorConfig
	mgr        *Manager
	httpServer *http.Server
}

// NewDashboard wires a Dashboard over mgr.
func NewDashboard(cfg config.SupervisorConfig, mgr *Manager) *Dashboard {
	return &Dashboard{cfg: cfg, mgr: mgr}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (d *Dashboard) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleIndex)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/api/logs/", d.handleLogs)
	mux.HandleFunc("/api/logs", d.handleLogs)
	mux.HandleFunc("/restart/", d.handleRestart)

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	d.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.httpServer.Shutdown(shutdownCtx)
	}()

	if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("supervisor: dashboard serve: %w", err)
	}
	return nil
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><title>Claudia supervisor</title></head>
<body>
<h1>Claudia supervisor</h1>
<table border="1" cellpadding="6">
<tr><th>Service</th><th>State</th><th>PID</th><th>Restarts</th><th>Last error</th></tr>
{{range $name, $st := .}}
<tr>
  <td>{{$name}}</td>
  <td>{{$st.State}}</td>
  <td>{{$st.PID}}</td>
  <td>{{$st.RestartCount}}</td>
  <td>{{$st.LastError}}</td>
</tr>
{{end}}
</table>
</body></html>`))

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, d.mgr.List()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.mgr.List())
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/logs/")
	w.Header().Set("Content-Type", "application/json")

	if name == "" || name == "/api/logs" {
		all := make(map[string][]string)
		for svc := range d.mgr.List() {
			lines, _ := d.mgr.Logs(svc, 200)
			all[svc] = lines
		}
		json.NewEncoder(w).Encode(all)
		return
	}

	lines, ok := d.mgr.Logs(name, 200)
	if !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(lines)
}

func (d *Dashboard) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/restart/")
	if name == "" {
		http.Error(w, "missing service name", http.StatusBadRequest)
		return
	}
	if err := d.mgr.Restart(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
