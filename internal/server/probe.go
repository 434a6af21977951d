// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sustainable-computing-io/gpumon/internal/monitor"
	"github.com/sustainable-computing-io/gpumon/internal/service"
)

type probe struct {
	api     APIService
	monitor monitor.Service
}

var (
	_ service.Service     = (*probe)(nil)
	_ service.Initializer = (*probe)(nil)
)

// NewProbe creates a service registering the liveness and readiness endpoints
func NewProbe(api APIService, m monitor.Service) *probe {
	return &probe{
		api:     api,
		monitor: m,
	}
}

func (p *probe) Name() string {
	return "probe"
}

func (p *probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health check endpoints", p.handlers())
}

func (p *probe) handlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/probe/readyz", p.readyzHandler)
	mux.HandleFunc("/probe/livez", p.livezHandler)
	return mux
}

// readyzHandler reports ready once the monitor has taken its first snapshot
// and can still produce one
func (p *probe) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if pending := service.NotReady(p.monitor); len(pending) > 0 {
		respond(w, http.StatusServiceUnavailable, "not ready", "waiting for "+strings.Join(pending, ", "))
		return
	}
	if _, err := p.monitor.Snapshot(); err != nil {
		respond(w, http.StatusServiceUnavailable, "not ready", err.Error())
		return
	}

	respond(w, http.StatusOK, "ok", "")
}

// livezHandler reports alive as long as the monitor answers snapshot requests
func (p *probe) livezHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := p.monitor.Snapshot(); err != nil {
		respond(w, http.StatusServiceUnavailable, "not alive", err.Error())
		return
	}

	respond(w, http.StatusOK, "alive", "")
}

func respond(w http.ResponseWriter, code int, status, reason string) {
	response := map[string]string{"status": status}
	if reason != "" {
		response["reason"] = reason
	}
	writeJSON(w, code, response)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
