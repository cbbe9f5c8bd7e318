// Package httpapi exposes the relay's read-only HTTP surface: a liveness
// check and a stats snapshot for operators.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"lanrelay/internal/hub"
)

type StatsProvider interface {
	Stats(ctx context.Context) hub.Stats
}

type Handler struct {
	stats StatsProvider
	log   *zap.SugaredLogger
}

func NewHandler(stats StatsProvider, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{stats: stats, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/stats", h.handleStats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type processStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
}

type statsResponse struct {
	Server  hub.Stats    `json:"server"`
	Process processStats `json:"process"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.stats == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp := statsResponse{
		Server:  h.stats.Stats(r.Context()),
		Process: processStats{Goroutines: runtime.NumGoroutine()},
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp.Process.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.Process.CPUPercent = cpu
		}
	} else {
		h.log.Debugw("process stats unavailable", "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
