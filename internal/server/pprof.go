// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"

	"github.com/sustainable-computing-io/gpumon/internal/service"
)

const pprofPrefix = "/debug/pprof/"

// pprofRoutes maps the non-index endpoints; named profiles such as heap and
// goroutine are served by pprof.Index
var pprofRoutes = map[string]http.HandlerFunc{
	"cmdline": pprof.Cmdline,
	"profile": pprof.Profile,
	"symbol":  pprof.Symbol,
	"trace":   pprof.Trace,
}

type pprofService struct {
	api APIService
}

var (
	_ service.Service     = (*pprofService)(nil)
	_ service.Initializer = (*pprofService)(nil)
)

// NewPprof creates a service exposing the runtime profiles of the daemon
// under /debug/pprof/. It is only created when debug.pprof.enabled is set.
func NewPprof(api APIService) *pprofService {
	return &pprofService{api: api}
}

func (p *pprofService) Name() string {
	return "pprof"
}

func (p *pprofService) Init() error {
	return p.api.Register(pprofPrefix, "pprof", "Go runtime profiles of gpumon", pprofHandler())
}

func pprofHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pprofPrefix, pprof.Index)
	for name, h := range pprofRoutes {
		mux.HandleFunc(pprofPrefix+name, h)
	}
	return mux
}
