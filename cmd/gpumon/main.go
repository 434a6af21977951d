// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kingpin/v2"
	_ "go.uber.org/automaxprocs"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/gpumon/config"
	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu/amd"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu/intel"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu/nvidia"
	"github.com/sustainable-computing-io/gpumon/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/gpumon/internal/exporter/stdout"
	"github.com/sustainable-computing-io/gpumon/internal/logger"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
	"github.com/sustainable-computing-io/gpumon/internal/server"
	"github.com/sustainable-computing-io/gpumon/internal/service"
	"github.com/sustainable-computing-io/gpumon/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)
	logVersionInfo(log)
	printConfigInfo(log, cfg)

	services, err := createServices(log, cfg)
	if err != nil {
		log.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	log.Info("Starting gpumon")
	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("gpumon terminated with an error", "error", err)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("gpumon version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "gpumon"
	app := kingpin.New(appName, "GPU telemetry monitor and Prometheus exporter.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	overrides := app.Flag("config.set", "YAML fragment merged over the configuration file; repeat for more").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.FromFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", *configFile, err)
		}
		cfg = loaded
	}

	if len(*overrides) > 0 {
		merged, err := (&config.Builder{}).Use(cfg).Merge(*overrides...).Build()
		if err != nil {
			return nil, fmt.Errorf("error applying config overrides: %w", err)
		}
		cfg = merged
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		return nil, fmt.Errorf("error applying command line flags: %w", err)
	}

	return cfg, nil
}

func printConfigInfo(log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createBackends returns the enabled vendor backends in lookup order
func createBackends(log *slog.Logger, cfg *config.Config) []gpu.Backend {
	var backends []gpu.Backend

	if cfg.VendorEnabled(string(gpu.VendorNVIDIA)) {
		opts := []nvidia.OptionFn{
			nvidia.WithLogger(log),
			nvidia.WithEnabled(ptr.Deref(cfg.GPU.NVML.Enabled, true)),
			nvidia.WithLibraryPaths(cfg.GPU.NVML.LibraryPaths),
		}
		if namer, err := nvidia.NewProcfsNamer(cfg.Host.ProcFS); err == nil {
			opts = append(opts, nvidia.WithProcessNamer(namer))
		} else {
			log.Warn("process names unavailable", "procfs", cfg.Host.ProcFS, "error", err)
		}
		backends = append(backends, nvidia.NewBackend(opts...))
	}
	if cfg.VendorEnabled(string(gpu.VendorAMD)) {
		backends = append(backends, amd.NewBackend(log))
	}
	if cfg.VendorEnabled(string(gpu.VendorIntel)) {
		backends = append(backends, intel.NewBackend(intel.WithLogger(log)))
	}
	return backends
}

func createServices(log *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	log.Debug("Creating all services")

	enumOpts := []gpu.EnumeratorOptionFn{gpu.WithEnumeratorLogger(log)}
	if ptr.Deref(cfg.GPU.Lspci.Enabled, false) {
		enumOpts = append(enumOpts, gpu.WithNamer(gpu.NewLspciNamer(cfg.GPU.Lspci.Timeout, gpu.WithLspciLogger(log))))
	}
	enumerator := gpu.NewEnumerator(cfg.Host.SysFS, enumOpts...)
	registry := gpu.NewRegistry(enumerator, createBackends(log, cfg), gpu.WithRegistryLogger(log))

	monitorOpts := []monitor.OptionFn{
		monitor.WithLogger(log),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithMaxStaleness(cfg.Monitor.Staleness),
		monitor.WithRefreshEvery(cfg.Monitor.RefreshEvery),
		monitor.WithProcesses(cfg.Exporter.Prometheus.MetricsLevel.IsProcessEnabled()),
	}
	if cfg.Exporter.Prometheus.MetricsLevel.IsProcessEnabled() {
		sampler, err := delta.NewSampler(cfg.Host.ProcFS, delta.NewEngine(log), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create process sampler: %w", err)
		}
		monitorOpts = append(monitorOpts, monitor.WithProcessSampler(sampler))
	}
	gpuMonitor := monitor.NewGPUMonitor(registry, monitorOpts...)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)

	services := []service.Service{
		gpuMonitor,
		apiServer,
		server.NewProbe(apiServer, gpuMonitor),
		server.NewGPUAPI(apiServer, gpuMonitor, log),
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		services = append(services, prometheus.NewExporter(gpuMonitor, apiServer,
			prometheus.WithLogger(log),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
		))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(gpuMonitor,
			stdout.WithLogger(log),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	return append(services, service.NewSignalHandler(log, os.Interrupt, syscall.SIGTERM)), nil
}
