// Package status exposes the observability surface: a JSON snapshot of every
// bridge and the Prometheus metrics endpoint.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/toolwire/toolwire/internal/state"
)

// ProcStats is resource usage of a bridged subprocess.
type ProcStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// BridgeInfo is one bridge's entry in the status snapshot.
type BridgeInfo struct {
	Name          string        `json:"name"`
	Transport     string        `json:"transport"`
	Pid           int           `json:"pid,omitempty"`
	Pending       int           `json:"pending"`
	Notifications int           `json:"notifications"`
	Proc          *ProcStats    `json:"proc,omitempty"`
	Health        *state.Health `json:"health,omitempty"`
}

// Snapshot produces the current view of all bridges.
type Snapshot func() []BridgeInfo

// New constructs the status HTTP handler.
func New(allowedOrigins []string, snapshot Snapshot) http.Handler {
	r := chi.NewRouter()
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		infos := snapshot()
		for i := range infos {
			if infos[i].Pid > 0 {
				infos[i].Proc = procStats(infos[i].Pid)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"servers": infos})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// procStats reads RSS and CPU for a child pid; nil when the process is gone
// or unreadable.
func procStats(pid int) *ProcStats {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	stats := &ProcStats{}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
