// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"

	"github.com/sustainable-computing-io/gpumon/internal/monitor"
	"github.com/sustainable-computing-io/gpumon/internal/service"
)

// gpuAPI serves monitor snapshots as JSON
type gpuAPI struct {
	logger  *slog.Logger
	api     APIService
	monitor monitor.DataProvider
}

var (
	_ service.Service     = (*gpuAPI)(nil)
	_ service.Initializer = (*gpuAPI)(nil)
)

// NewGPUAPI creates a service registering the /api/v1/gpus endpoints
func NewGPUAPI(api APIService, dp monitor.DataProvider, logger *slog.Logger) *gpuAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &gpuAPI{
		logger:  logger.With("service", "gpu-api"),
		api:     api,
		monitor: dp,
	}
}

func (g *gpuAPI) Name() string {
	return "gpu-api"
}

func (g *gpuAPI) Init() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/gpus", g.listHandler)
	mux.HandleFunc("GET /api/v1/gpus/selected", g.selectedHandler)
	mux.HandleFunc("GET /api/v1/gpus/{card}", g.deviceHandler)

	if err := g.api.Register("/api/v1/gpus", "gpus", "Latest snapshot of all GPUs as JSON", mux); err != nil {
		return err
	}
	return g.api.Register("/api/v1/gpus/", "gpus/{card|selected}", "Latest stats of one GPU as JSON", mux)
}

// snapshot writes an error response and returns nil if no snapshot can be served
func (g *gpuAPI) snapshot(w http.ResponseWriter) *monitor.Snapshot {
	if !g.monitor.Ready() {
		respond(w, http.StatusServiceUnavailable, "not ready", "no GPU snapshot taken yet")
		return nil
	}
	s, err := g.monitor.Snapshot()
	if err != nil {
		g.logger.Error("Failed to get snapshot", "error", err)
		respond(w, http.StatusServiceUnavailable, "error", err.Error())
		return nil
	}
	return s
}

func (g *gpuAPI) listHandler(w http.ResponseWriter, _ *http.Request) {
	if s := g.snapshot(w); s != nil {
		writeJSON(w, http.StatusOK, s)
	}
}

func (g *gpuAPI) selectedHandler(w http.ResponseWriter, _ *http.Request) {
	s := g.snapshot(w)
	if s == nil {
		return
	}
	ds, ok := s.SelectedStats()
	if !ok {
		respond(w, http.StatusNotFound, "not found", "no GPU selected")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (g *gpuAPI) deviceHandler(w http.ResponseWriter, r *http.Request) {
	s := g.snapshot(w)
	if s == nil {
		return
	}

	card := r.PathValue("card")
	for _, ds := range s.Devices {
		if ds.Device.Card == card {
			writeJSON(w, http.StatusOK, ds)
			return
		}
	}
	respond(w, http.StatusNotFound, "not found", "unknown card "+card)
}
