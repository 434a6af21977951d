// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/gpumon/config"
	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
)

type DataProvider = monitor.DataProvider

const (
	gpuSubsystem     = "gpu"
	processSubsystem = "process"

	cardLabel   = "card"
	busIDLabel  = "pci_bus_id"
	vendorLabel = "vendor"
	nameLabel   = "name"
)

// deviceLabels should remain the same across all per-device descriptors to ease querying
var deviceLabels = []string{cardLabel, busIDLabel, vendorLabel}

func gpuDesc(name, help string, extra ...string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(gpumonNS, gpuSubsystem, name),
		help,
		append(append([]string{}, deviceLabels...), extra...),
		nil)
}

// GPUCollector exports the latest monitor snapshot, taking all values from a
// single snapshot per scrape
type GPUCollector struct {
	dp           DataProvider
	logger       *slog.Logger
	metricsLevel config.Level

	// device
	up              *prometheus.Desc
	selected        *prometheus.Desc
	utilization     *prometheus.Desc
	memUtilization  *prometheus.Desc
	memUsed         *prometheus.Desc
	memTotal        *prometheus.Desc
	gttUsed         *prometheus.Desc
	gttTotal        *prometheus.Desc
	temperature     *prometheus.Desc
	power           *prometheus.Desc
	powerLimit      *prometheus.Desc
	clock           *prometheus.Desc
	fanPercent      *prometheus.Desc
	fanRPM          *prometheus.Desc
	perfState       *prometheus.Desc
	pcieGeneration  *prometheus.Desc
	pcieWidth       *prometheus.Desc
	lastCollectTime *prometheus.Desc

	// engine
	engineGroupUtil *prometheus.Desc
	engineUtil      *prometheus.Desc
	engineBusy      *prometheus.Desc

	// process
	processMemory *prometheus.Desc
	processCPU    *prometheus.Desc
	processIO     *prometheus.Desc
}

// NewGPUCollector creates a collector for the GPU metrics enabled by metricsLevel
func NewGPUCollector(dp DataProvider, logger *slog.Logger, metricsLevel config.Level) *GPUCollector {
	return &GPUCollector{
		dp:           dp,
		logger:       logger.With("collector", "gpu"),
		metricsLevel: metricsLevel,

		up:             gpuDesc("up", "Whether the last read of the GPU succeeded (1) or failed (0)"),
		selected:       gpuDesc("selected", "1 for the GPU currently followed by device selection"),
		utilization:    gpuDesc("utilization_percent", "GPU core utilization in percent"),
		memUtilization: gpuDesc("memory_utilization_percent", "GPU memory controller utilization in percent"),
		memUsed:        gpuDesc("memory_used_bytes", "Dedicated GPU memory in use in bytes"),
		memTotal:       gpuDesc("memory_total_bytes", "Dedicated GPU memory in bytes"),
		gttUsed:        gpuDesc("gtt_used_bytes", "GTT memory in use in bytes"),
		gttTotal:       gpuDesc("gtt_total_bytes", "GTT memory in bytes"),
		temperature:    gpuDesc("temperature_celsius", "GPU temperature in degrees celsius"),
		power:          gpuDesc("power_watts", "GPU power draw in watts"),
		powerLimit:     gpuDesc("power_limit_watts", "GPU power limit in watts"),
		clock:          gpuDesc("clock_hertz", "GPU clock frequency in hertz", "clock"),
		fanPercent:     gpuDesc("fan_speed_percent", "GPU fan speed in percent of its maximum"),
		fanRPM:         gpuDesc("fan_speed_rpm", "GPU fan speed in revolutions per minute"),
		perfState:      gpuDesc("performance_state", "GPU performance state, 0 is the highest"),
		pcieGeneration: gpuDesc("pcie_link_generation", "Current PCIe link generation"),
		pcieWidth:      gpuDesc("pcie_link_width", "Current PCIe link width in lanes"),
		lastCollectTime: prometheus.NewDesc(
			prometheus.BuildFQName(gpumonNS, gpuSubsystem, "last_collection_timestamp_seconds"),
			"Unix time of the snapshot the GPU metrics were taken from",
			nil, nil),

		engineGroupUtil: gpuDesc("engine_group_utilization_percent", "Utilization of an engine group in percent", "group"),
		engineUtil:      gpuDesc("engine_utilization_percent", "Utilization of a single engine in percent", "engine", "class"),
		engineBusy:      gpuDesc("engine_busy_seconds_total", "Cumulative busy time of a single engine in seconds", "engine", "class"),

		processMemory: gpuDesc("process_memory_used_bytes", "GPU memory held by a process in bytes", "pid", "comm", "type"),
		processCPU: prometheus.NewDesc(
			prometheus.BuildFQName(gpumonNS, processSubsystem, "cpu_ticks"),
			"CPU clock ticks used by a GPU process during the last collection interval",
			[]string{"pid", "comm", "mode"}, nil),
		processIO: prometheus.NewDesc(
			prometheus.BuildFQName(gpumonNS, processSubsystem, "io_bytes"),
			"Bytes of storage I/O by a GPU process during the last collection interval",
			[]string{"pid", "comm", "direction"}, nil),
	}
}

// Describe implements the prometheus.Collector interface
func (c *GPUCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lastCollectTime
	if c.metricsLevel.IsDeviceEnabled() {
		ch <- c.up
		ch <- c.selected
		ch <- c.utilization
		ch <- c.memUtilization
		ch <- c.memUsed
		ch <- c.memTotal
		ch <- c.gttUsed
		ch <- c.gttTotal
		ch <- c.temperature
		ch <- c.power
		ch <- c.powerLimit
		ch <- c.clock
		ch <- c.fanPercent
		ch <- c.fanRPM
		ch <- c.perfState
		ch <- c.pcieGeneration
		ch <- c.pcieWidth
	}

	if c.metricsLevel.IsEngineEnabled() {
		ch <- c.engineGroupUtil
		ch <- c.engineUtil
		ch <- c.engineBusy
	}

	if c.metricsLevel.IsProcessEnabled() {
		ch <- c.processMemory
		ch <- c.processCPU
		ch <- c.processIO
	}
}

// Collect implements the prometheus.Collector interface
func (c *GPUCollector) Collect(ch chan<- prometheus.Metric) {
	if !c.dp.Ready() {
		c.logger.Debug("Collect called before monitor is ready")
		return
	}

	started := time.Now()
	defer func() {
		c.logger.Debug("Collected GPU metrics", "duration", time.Since(started))
	}()

	snapshot, err := c.dp.Snapshot()
	if err != nil {
		c.logger.Error("Failed to collect GPU data", "error", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.lastCollectTime, prometheus.GaugeValue,
		float64(snapshot.Timestamp.UnixNano())/1e9)

	for _, ds := range snapshot.Devices {
		labels := []string{ds.Device.Card, ds.Device.PCIBusID, string(ds.Device.Vendor)}

		if c.metricsLevel.IsDeviceEnabled() {
			isSelected := snapshot.Selected != nil && snapshot.Selected.CardPath == ds.Device.CardPath
			c.collectDevice(ch, labels, ds, isSelected)
		}
		if !ds.OK() {
			continue
		}
		if c.metricsLevel.IsEngineEnabled() {
			c.collectEngines(ch, labels, ds.Stats)
		}
		if c.metricsLevel.IsProcessEnabled() {
			c.collectProcessMemory(ch, labels, ds.Stats.Processes)
		}
	}

	if c.metricsLevel.IsProcessEnabled() {
		c.collectProcessDeltas(ch, snapshot.Processes)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// gauge emits v unless it is the unavailable sentinel
func gauge[T int | int64 | float64](ch chan<- prometheus.Metric, desc *prometheus.Desc, v T, labels ...string) {
	if v < 0 {
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
}

func withLabel(labels []string, extra ...string) []string {
	return append(append(make([]string, 0, len(labels)+len(extra)), labels...), extra...)
}

func (c *GPUCollector) collectDevice(ch chan<- prometheus.Metric, labels []string, ds monitor.DeviceStats, isSelected bool) {
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, boolToFloat(ds.OK()), labels...)
	ch <- prometheus.MustNewConstMetric(c.selected, prometheus.GaugeValue, boolToFloat(isSelected), labels...)
	if !ds.OK() {
		return
	}

	s := ds.Stats
	gauge(ch, c.utilization, s.UtilizationPercent, labels...)
	gauge(ch, c.memUtilization, s.MemoryUtilizationPercent, labels...)
	if s.MemoryTotalBytes > 0 {
		// 0 bytes used is a real reading once the total is known
		ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(s.MemoryUsedBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.memTotal, prometheus.GaugeValue, float64(s.MemoryTotalBytes), labels...)
	}
	if s.GTTTotalBytes > 0 {
		ch <- prometheus.MustNewConstMetric(c.gttUsed, prometheus.GaugeValue, float64(s.GTTUsedBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.gttTotal, prometheus.GaugeValue, float64(s.GTTTotalBytes), labels...)
	}
	gauge(ch, c.temperature, s.TemperatureC, labels...)
	gauge(ch, c.power, s.PowerUsageWatts, labels...)
	gauge(ch, c.powerLimit, s.MaxPowerWatts, labels...)

	for _, clk := range []struct {
		name string
		khz  int64
	}{
		{"core", s.CoreClockKHz},
		{"core_min", s.CoreClockMinKHz},
		{"core_max", s.CoreClockMaxKHz},
		{"memory", s.MemoryClockKHz},
	} {
		if clk.khz < 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.clock, prometheus.GaugeValue, float64(clk.khz)*1000, withLabel(labels, clk.name)...)
	}

	gauge(ch, c.fanPercent, s.FanSpeedPercent, labels...)
	gauge(ch, c.fanRPM, s.FanSpeedRPM, labels...)
	gauge(ch, c.perfState, s.PerformanceState, labels...)
	gauge(ch, c.pcieGeneration, s.PCIeGeneration, labels...)
	gauge(ch, c.pcieWidth, s.PCIeLanes, labels...)
}

func (c *GPUCollector) collectEngines(ch chan<- prometheus.Metric, labels []string, s gpu.Stats) {
	gauge(ch, c.engineGroupUtil, s.Engines.Graphics, withLabel(labels, "graphics")...)
	gauge(ch, c.engineGroupUtil, s.Engines.VideoEncode, withLabel(labels, "video_encode")...)
	gauge(ch, c.engineGroupUtil, s.Engines.VideoDecode, withLabel(labels, "video_decode")...)
	gauge(ch, c.engineGroupUtil, s.Engines.Compute, withLabel(labels, "compute")...)

	for _, e := range s.EngineStats {
		engineLabels := withLabel(labels, e.Name, e.Class.String())
		gauge(ch, c.engineUtil, e.UtilizationPercent, engineLabels...)
		if e.BusyNS > 0 {
			ch <- prometheus.MustNewConstMetric(c.engineBusy, prometheus.CounterValue,
				float64(e.BusyNS)/float64(time.Second), engineLabels...)
		}
	}
}

func (c *GPUCollector) collectProcessMemory(ch chan<- prometheus.Metric, labels []string, procs []gpu.ProcessUsage) {
	for _, p := range gpu.MergeProcessUsages(procs) {
		ch <- prometheus.MustNewConstMetric(c.processMemory, prometheus.GaugeValue,
			float64(p.UsedMemoryBytes),
			withLabel(labels, strconv.FormatUint(uint64(p.PID), 10), p.Name, string(p.Type))...)
	}
}

func (c *GPUCollector) collectProcessDeltas(ch chan<- prometheus.Metric, procs []delta.ProcessDeltas) {
	if len(procs) == 0 {
		c.logger.Debug("No GPU processes to export deltas for")
		return
	}

	for _, p := range procs {
		pid := strconv.Itoa(p.PID)
		for _, mode := range []delta.Field{delta.UTime, delta.STime, delta.CUTime, delta.CSTime} {
			ch <- prometheus.MustNewConstMetric(c.processCPU, prometheus.GaugeValue,
				float64(p.Deltas.Get(mode)), pid, p.Comm, mode.String())
		}
		if !p.IOAvailable {
			continue
		}
		for _, dir := range []struct {
			name  string
			field delta.Field
		}{
			{"read", delta.ReadBytes},
			{"write", delta.WriteBytes},
			{"cancelled_write", delta.CancelledWriteBytes},
		} {
			ch <- prometheus.MustNewConstMetric(c.processIO, prometheus.GaugeValue,
				float64(p.Deltas.Get(dir.field)), pid, p.Comm, dir.name)
		}
	}
}
