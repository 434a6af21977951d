// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// gpu-probe enumerates the GPUs of a host once, reads every device and prints
// the result. It exits non-zero when no device could be read.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/sustainable-computing-io/gpumon/config"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu/amd"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu/intel"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu/nvidia"
	"github.com/sustainable-computing-io/gpumon/internal/logger"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
)

type options struct {
	sysfs    string
	procfs   string
	skipNVML bool
	lspci    bool
	timeout  time.Duration
	format   string
	details  bool
	logLevel string
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "gpu-probe:", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	app := kingpin.New("gpu-probe", "Enumerate GPUs and print their current stats.")
	o := &options{}
	app.Flag("sysfs", "Host sysfs path").Default("/sys").StringVar(&o.sysfs)
	app.Flag("procfs", "Host procfs path used for process names").Default("/proc").StringVar(&o.procfs)
	app.Flag("skip-nvml", "Do not load NVML").BoolVar(&o.skipNVML)
	app.Flag("lspci", "Use lspci to resolve GPU names").Default("true").BoolVar(&o.lspci)
	app.Flag("lspci.timeout", "Upper bound for a single lspci invocation").Default("3s").DurationVar(&o.timeout)
	app.Flag("format", "Output format").Default("table").EnumVar(&o.format, "table", "json")
	app.Flag("details", "Also print DPM levels, power profiles and engines").BoolVar(&o.details)
	app.Flag("log.level", "Logging level").Default("warn").EnumVar(&o.logLevel, "debug", "info", "warn", "error")

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}
	log := logger.New(o.logLevel, "text", errOut)

	enumOpts := []gpu.EnumeratorOptionFn{gpu.WithEnumeratorLogger(log)}
	if o.lspci {
		enumOpts = append(enumOpts, gpu.WithNamer(gpu.NewLspciNamer(o.timeout, gpu.WithLspciLogger(log))))
	}

	nvOpts := []nvidia.OptionFn{
		nvidia.WithLogger(log),
		nvidia.WithEnabled(!o.skipNVML),
		nvidia.WithLibraryPaths(config.DefaultNVMLLibraryPaths()),
	}
	if namer, err := nvidia.NewProcfsNamer(o.procfs); err == nil {
		nvOpts = append(nvOpts, nvidia.WithProcessNamer(namer))
	}
	registry := gpu.NewRegistry(gpu.NewEnumerator(o.sysfs, enumOpts...),
		[]gpu.Backend{
			nvidia.NewBackend(nvOpts...),
			amd.NewBackend(log),
			intel.NewBackend(intel.WithLogger(log)),
		},
		gpu.WithRegistryLogger(log))
	if err := registry.Init(); err != nil {
		return err
	}
	defer func() { _ = registry.Shutdown() }()

	devices, err := registry.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate GPUs: %w", err)
	}
	gpu.SortByPriority(devices)

	snapshot := monitor.NewSnapshot()
	snapshot.Timestamp = time.Now()
	readings := readings{}
	for _, d := range devices {
		stats, err := registry.ReadStatsFor(d)
		if err == nil {
			if procs, perr := registry.ProcessUsagesFor(d); perr == nil {
				stats.Processes = procs
			}
		}
		readings[d.CardPath] = reading{stats: stats, err: err}
		snapshot.Devices = append(snapshot.Devices, monitor.DeviceStats{Device: d, Stats: stats, Err: err})
	}

	if selected, _, err := gpu.NewSelector(readings, log).Select(devices); err == nil {
		snapshot.Selected = &selected
	}

	switch o.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			return err
		}
	default:
		writeTable(out, snapshot)
		if o.details {
			writeDetails(out, snapshot, registry.Backends())
		}
	}

	if snapshot.Selected == nil {
		return gpu.ErrNoDevice
	}
	return nil
}

type reading struct {
	stats gpu.Stats
	err   error
}

// readings serves selection from the reads already taken
type readings map[string]reading

func (r readings) ReadStatsFor(d gpu.Device) (gpu.Stats, error) {
	rd, ok := r[d.CardPath]
	if !ok {
		return gpu.NewStats(), gpu.ErrNoData
	}
	return rd.stats, rd.err
}

func orNA(ok bool, v string) string {
	if !ok {
		return "-"
	}
	return v
}

func writeTable(out io.Writer, snapshot *monitor.Snapshot) {
	rows := make([][]string, 0, len(snapshot.Devices))
	for _, ds := range snapshot.Devices {
		d, s := ds.Device, ds.Stats
		selected := ""
		if snapshot.Selected != nil && snapshot.Selected.CardPath == d.CardPath {
			selected = "*"
		}
		status := "ok"
		if ds.Err != nil {
			status = ds.Err.Error()
		}
		rows = append(rows, []string{
			selected,
			d.Card,
			d.Vendor.DisplayName(),
			d.Name,
			orNA(d.PCIBusID != "", d.PCIBusID),
			orNA(s.UtilizationPercent >= 0, strconv.Itoa(s.UtilizationPercent)),
			orNA(s.MemoryTotalBytes > 0, fmt.Sprintf("%d/%d (%.0f%%)", s.MemoryUsedBytes>>20, s.MemoryTotalBytes>>20, s.MemoryUsedPercent())),
			orNA(s.TemperatureC >= 0, strconv.Itoa(s.TemperatureC)),
			orNA(s.PowerUsageWatts >= 0, fmt.Sprintf("%.2f", s.PowerUsageWatts)),
			orNA(s.CoreClockKHz >= 0, strconv.FormatInt(s.CoreClockKHz/1000, 10)),
			orNA(s.DriverVersion != "", s.DriverVersion),
			status,
		})
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Sel", "Card", "Vendor", "Name", "Bus", "Util(%)", "Mem(MiB)", "Temp(C)", "Power(W)", "Clock(MHz)", "Driver", "Status"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeDetails(out io.Writer, snapshot *monitor.Snapshot, backends []gpu.Backend) {
	var (
		amdBackend   *amd.Backend
		intelBackend *intel.Backend
	)
	for _, b := range backends {
		switch be := b.(type) {
		case *nvidia.Backend:
			if v := be.DriverVersion(); v != "" {
				fmt.Fprintf(out, "NVIDIA driver: %s\n", v)
			}
		case *amd.Backend:
			amdBackend = be
		case *intel.Backend:
			intelBackend = be
		}
	}

	for _, ds := range snapshot.Devices {
		d := ds.Device
		switch d.Vendor {
		case gpu.VendorAMD:
			if amdBackend == nil {
				break
			}
			if levels, err := amdBackend.ClockLevels(d, amd.ClockGraphics); err == nil {
				fmt.Fprintf(out, "%s sclk levels: %s\n", d.Card, strings.Join(levels, ", "))
			}
			if levels, err := amdBackend.ClockLevels(d, amd.ClockMemory); err == nil {
				fmt.Fprintf(out, "%s mclk levels: %s\n", d.Card, strings.Join(levels, ", "))
			}
			if profiles, err := amdBackend.PowerProfiles(d); err == nil {
				fmt.Fprintf(out, "%s power profiles:\n  %s\n", d.Card, strings.Join(profiles, "\n  "))
			}
		case gpu.VendorIntel:
			if intelBackend == nil {
				break
			}
			if engines := intelBackend.Engines(d); len(engines) > 0 {
				fmt.Fprintf(out, "%s engines: %s\n", d.Card, strings.Join(engines, ", "))
			}
		}
		for _, p := range ds.Stats.Processes {
			fmt.Fprintf(out, "%s process %d %s %d MiB (%s)\n", d.Card, p.PID, p.Name, p.UsedMemoryBytes>>20, p.Type)
		}
	}
}
