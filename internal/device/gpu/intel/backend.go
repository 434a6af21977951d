// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package intel reads Intel GPU telemetry exposed by the i915 and xe drivers
// in sysfs.
package intel

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/sysfs"
	"k8s.io/utils/clock"
)

// Backend reads engine utilization, GT frequencies and hwmon sensors.
//
// The engine topology of a device is discovered once and cached by device
// path; engine values are re-read on every call. Engines that only expose
// busy_ns get their utilization from the change since the previous read.
type Backend struct {
	logger *slog.Logger
	clock  clock.PassiveClock

	mu       sync.Mutex
	topology map[string][]engine
	busy     map[string]busySample
}

var _ gpu.Backend = (*Backend)(nil)

// OptionFn configures the backend
type OptionFn func(*Backend)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(b *Backend) {
		b.logger = logger.With("backend", "intel")
	}
}

// WithClock sets the clock used to rate busy_ns counters
func WithClock(c clock.PassiveClock) OptionFn {
	return func(b *Backend) {
		b.clock = c
	}
}

func NewBackend(opts ...OptionFn) *Backend {
	b := &Backend{
		logger:   slog.Default().With("backend", "intel"),
		clock:    clock.RealClock{},
		topology: map[string][]engine{},
		busy:     map[string]busySample{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return "intel"
}

func (b *Backend) Vendor() gpu.Vendor {
	return gpu.VendorIntel
}

func (b *Backend) Init() error {
	return nil
}

// Shutdown drops the cached topology and busy_ns history
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topology = map[string][]engine{}
	b.busy = map[string]busySample{}
	return nil
}

func (b *Backend) Supports(d gpu.Device) bool {
	return d.Vendor == gpu.VendorIntel && d.DevicePath != ""
}

// attrDirs are the directories searched for card level attributes; i915
// places them on the card, other layouts on the PCI device
func attrDirs(d gpu.Device) []string {
	var dirs []string
	if d.CardPath != "" {
		dirs = append(dirs, d.CardPath)
	}
	return append(dirs, d.DevicePath)
}

func readCardInt(d gpu.Device, name string) (int64, bool) {
	for _, dir := range attrDirs(d) {
		if v, ok := sysfs.ReadInt(filepath.Join(dir, name)); ok {
			return v, true
		}
	}
	return 0, false
}

// ReadStats reads a snapshot. ErrNoData is returned when neither
// utilization, temperature nor the current frequency could be read.
func (b *Backend) ReadStats(d gpu.Device) (gpu.Stats, error) {
	stats := gpu.NewStats()
	hasData := false

	engines := b.readEngines(d)
	if len(engines) > 0 {
		stats.EngineStats = engines
		if avg := AverageUtilization(engines); avg >= 0 {
			stats.UtilizationPercent = avg
			hasData = true
		}
		stats.Engines.Graphics = classAverage(engines, gpu.EngineClassRender)
		stats.Engines.Compute = classAverage(engines, gpu.EngineClassCompute)
		// vcs engines serve both encode and decode
		video := classAverage(engines, gpu.EngineClassVideo)
		stats.Engines.VideoEncode = video
		stats.Engines.VideoDecode = video
	}

	if hwmon, ok := sysfs.FindHwmonDir(d.DevicePath); ok {
		if milli, ok := sysfs.FirstSensorValue(hwmon, "temp", "input"); ok {
			stats.TemperatureC = int(milli / 1000)
			hasData = true
		}
		if micro, ok := sysfs.FirstSensorValue(hwmon, "power", "average", "input"); ok {
			stats.PowerUsageWatts = float64(micro) / 1e6
		}
		if micro, ok := sysfs.FirstSensorValue(hwmon, "power", "cap", "max"); ok {
			stats.MaxPowerWatts = float64(micro) / 1e6
		}
	}

	if mhz, ok := readCardInt(d, "gt_cur_freq_mhz"); ok && mhz > 0 {
		stats.CoreClockKHz = mhz * 1000
		hasData = true
	}
	if mhz, ok := readCardInt(d, "gt_min_freq_mhz"); ok && mhz > 0 {
		stats.CoreClockMinKHz = mhz * 1000
	}
	if mhz, ok := readCardInt(d, "gt_max_freq_mhz"); ok && mhz > 0 {
		stats.CoreClockMaxKHz = mhz * 1000
	}

	// integrated parts have no dedicated memory or memory clock
	stats.MemoryUsedBytes = 0
	stats.MemoryTotalBytes = 0
	stats.MemoryClockKHz = -1

	stats.DriverVersion = driverName(d.DevicePath)
	stats.PlatformName = PlatformName(pciID(d.DevicePath))
	stats.PCIeGeneration, stats.PCIeLanes = sysfs.PCIeLink(d.DevicePath)

	stats.Sanitize()

	if !hasData {
		b.logger.Debug("no intel telemetry", "device", d.String())
		return stats, gpu.ErrNoData
	}
	return stats, nil
}

// Engines returns the engine names of the device, discovering them if needed
func (b *Backend) Engines(d gpu.Device) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	topo := b.topologyLocked(d)
	names := make([]string, 0, len(topo))
	for _, e := range topo {
		names = append(names, e.name)
	}
	return names
}

// topologyLocked returns the cached engines of d; b.mu must be held
func (b *Backend) topologyLocked(d gpu.Device) []engine {
	if topo, ok := b.topology[d.DevicePath]; ok {
		return topo
	}

	var topo []engine
	for _, dir := range attrDirs(d) {
		if topo = discoverEngines(filepath.Join(dir, "engine")); len(topo) > 0 {
			break
		}
	}
	if len(topo) == 0 {
		// not cached so engines appearing later are still found
		return nil
	}
	b.logger.Debug("discovered intel engines", "device", d.String(), "engines", len(topo))
	b.topology[d.DevicePath] = topo
	return topo
}

func (b *Backend) readEngines(d gpu.Device) []gpu.EngineStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	topo := b.topologyLocked(d)
	if len(topo) == 0 {
		return nil
	}

	now := b.clock.Now()
	out := make([]gpu.EngineStats, 0, len(topo))
	for _, e := range topo {
		st := gpu.EngineStats{
			Name:               e.name,
			Class:              e.class,
			UtilizationPercent: -1,
			Instances:          1,
		}
		if n, ok := sysfs.ReadInt(filepath.Join(e.path, "instances")); ok && n > 0 {
			st.Instances = int(n)
		}

		busyNS, hasBusyNS := sysfs.ReadUint(filepath.Join(e.path, "busy_ns"))
		if hasBusyNS {
			st.BusyNS = busyNS
		}

		if pct, ok := sysfs.ReadInt(filepath.Join(e.path, "busy_percent")); ok && pct >= 0 {
			st.UtilizationPercent = int(pct)
		} else if hasBusyNS {
			key := fmt.Sprintf("%s/%s", d.DevicePath, e.name)
			cur := busySample{busyNS: busyNS, at: now}
			if prev, ok := b.busy[key]; ok {
				st.UtilizationPercent = busyPercent(prev, cur, st.Instances)
			}
			b.busy[key] = cur
		}

		out = append(out, st)
	}
	return out
}

// driverName prefers the module version, then the uevent driver, then the
// name of the bound driver
func driverName(dev string) string {
	for _, p := range []string{"driver/module/version", "driver/version"} {
		if v, ok := sysfs.ReadFirstLine(filepath.Join(dev, p)); ok {
			return v
		}
	}
	if uevent, ok := sysfs.ReadKeyValues(filepath.Join(dev, "uevent")); ok && uevent["DRIVER"] != "" {
		return uevent["DRIVER"]
	}
	if name, ok := sysfs.LinkBase(filepath.Join(dev, "driver")); ok {
		return name
	}
	return ""
}

// pciID returns "vendor:device" from the uevent, or from the vendor and
// device attributes
func pciID(dev string) string {
	if uevent, ok := sysfs.ReadKeyValues(filepath.Join(dev, "uevent")); ok && uevent["PCI_ID"] != "" {
		return uevent["PCI_ID"]
	}
	vendor, okV := sysfs.ReadFirstLine(filepath.Join(dev, "vendor"))
	device, okD := sysfs.ReadFirstLine(filepath.Join(dev, "device"))
	if !okV || !okD {
		return ""
	}
	return fmt.Sprintf("%s:%s", trimHex(vendor), trimHex(device))
}

func trimHex(s string) string {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
