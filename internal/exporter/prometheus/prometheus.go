// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sustainable-computing-io/gpumon/config"
	collector "github.com/sustainable-computing-io/gpumon/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
	"github.com/sustainable-computing-io/gpumon/internal/service"
)

type (
	Initializer = service.Initializer
	Monitor     = monitor.Service
)

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

const metricsPath = "/metrics"

type Opts struct {
	logger          *slog.Logger
	debugCollectors []string
	collectors      map[string]prom.Collector
	metricsLevel    config.Level
}

// DefaultOpts returns the options of an exporter serving the GPU collectors
// and the Go runtime collector
func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		debugCollectors: []string{"go"},
		metricsLevel:    config.MetricsLevelAll,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the runtime collectors; "go" and "process"
// are known
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = slices.Clone(names)
	}
}

// WithCollectors adds collectors next to the GPU ones
func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// WithMetricsLevel selects the GPU metric groups exported
func WithMetricsLevel(level config.Level) OptionFn {
	return func(o *Opts) {
		o.metricsLevel = level
	}
}

// Exporter serves the monitor's snapshots as Prometheus metrics on /metrics
type Exporter struct {
	logger   *slog.Logger
	monitor  Monitor
	server   APIRegistry
	registry *prom.Registry
	opts     Opts
}

var _ Initializer = (*Exporter)(nil)

func NewExporter(m Monitor, s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "prometheus"),
		monitor:  m,
		server:   s,
		registry: prom.NewRegistry(),
		opts:     opts,
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func runtimeCollector(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// CreateCollectors returns the GPU collectors keyed by name
func CreateCollectors(m Monitor, applyOpts ...OptionFn) map[string]prom.Collector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"gpu":        collector.NewGPUCollector(m, opts.logger, opts.metricsLevel),
		"gpu_info":   collector.NewGPUInfoCollector(m, opts.logger),
	}
}

// Init registers the GPU, runtime and extra collectors and mounts /metrics.
// Unknown runtime collectors and duplicate metrics fail Init.
func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter", "level", e.opts.metricsLevel.String())

	all := CreateCollectors(e.monitor,
		WithLogger(e.opts.logger),
		WithMetricsLevel(e.opts.metricsLevel))

	for _, name := range e.opts.debugCollectors {
		if _, dup := all[name]; dup {
			continue
		}
		c, err := runtimeCollector(name)
		if err != nil {
			return err
		}
		all[name] = c
	}
	maps.Copy(all, e.opts.collectors)

	for _, name := range slices.Sorted(maps.Keys(all)) {
		if err := e.registry.Register(all[name]); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", name, err)
		}
		e.logger.Debug("Collector registered", "collector", name)
	}

	return e.server.Register(metricsPath, "Metrics", "Prometheus GPU metrics",
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          e.registry,
			ErrorLog:          slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
		}))
}
