// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package amd reads AMD GPU telemetry exposed by the amdgpu driver in sysfs.
package amd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/sysfs"
)

// ClockType selects a DPM table
type ClockType int

const (
	ClockGraphics ClockType = iota
	ClockMemory
)

func (c ClockType) file() string {
	if c == ClockMemory {
		return "pp_dpm_mclk"
	}
	return "pp_dpm_sclk"
}

func (c ClockType) String() string {
	if c == ClockMemory {
		return "memory"
	}
	return "graphics"
}

// Backend reads the amdgpu attributes below the PCI device directory and its
// hwmon node. It holds no state.
type Backend struct {
	logger *slog.Logger
}

var _ gpu.Backend = (*Backend)(nil)

func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{logger: logger.With("backend", "amdgpu")}
}

func (b *Backend) Name() string {
	return "amdgpu"
}

func (b *Backend) Vendor() gpu.Vendor {
	return gpu.VendorAMD
}

func (b *Backend) Init() error {
	return nil
}

func (b *Backend) Shutdown() error {
	return nil
}

func (b *Backend) Supports(d gpu.Device) bool {
	return d.Vendor == gpu.VendorAMD && d.DevicePath != ""
}

// ReadStats reads a snapshot. Fields whose attribute is missing keep their
// sentinel; ErrNoData is returned when none of utilization, VRAM,
// temperature or clocks could be read.
func (b *Backend) ReadStats(d gpu.Device) (gpu.Stats, error) {
	stats := gpu.NewStats()
	dev := d.DevicePath
	hasData := false

	if util, ok := sysfs.ReadInt(filepath.Join(dev, "gpu_busy_percent")); ok && util >= 0 {
		stats.UtilizationPercent = int(util)
		stats.Engines.Graphics = int(util)
		hasData = true
	}

	if used, total, ok := readUsedTotal(dev, "mem_info_vram"); ok {
		stats.MemoryUsedBytes = used
		stats.MemoryTotalBytes = total
		hasData = true
	}
	if used, total, ok := readUsedTotal(dev, "mem_info_gtt"); ok {
		stats.GTTUsedBytes = used
		stats.GTTTotalBytes = total
	}

	if hwmon, ok := sysfs.FindHwmonDir(dev); ok {
		if milli, ok := sysfs.FirstSensorValue(hwmon, "temp", "input"); ok {
			stats.TemperatureC = int(milli / 1000)
			hasData = true
		}
		if micro, ok := sysfs.FirstSensorValue(hwmon, "power", "average", "input"); ok {
			stats.PowerUsageWatts = float64(micro) / 1e6
		}
		if micro, ok := sysfs.FirstSensorValue(hwmon, "power", "cap"); ok {
			stats.MaxPowerWatts = float64(micro) / 1e6
		}
		stats.FanSpeedRPM, stats.FanSpeedPercent = readFan(hwmon)
	}

	if mhz, ok := currentClock(dev, ClockGraphics); ok {
		stats.CoreClockKHz = mhz * 1000
		hasData = true
	}
	if mhz, ok := currentClock(dev, ClockMemory); ok {
		stats.MemoryClockKHz = mhz * 1000
		hasData = true
	}

	if v, ok := sysfs.ReadFirstLine(filepath.Join(dev, "vbios_version")); ok {
		stats.VBIOSVersion = v
	}
	stats.DriverVersion = driverVersion(dev)
	stats.PCIeGeneration, stats.PCIeLanes = sysfs.PCIeLink(dev)

	stats.Sanitize()

	if !hasData {
		b.logger.Debug("no amdgpu telemetry", "device", d.String())
		return stats, gpu.ErrNoData
	}
	return stats, nil
}

// readUsedTotal reads a <prefix>_used / <prefix>_total pair; both must exist
func readUsedTotal(dev, prefix string) (used, total uint64, ok bool) {
	used, okUsed := sysfs.ReadUint(filepath.Join(dev, prefix+"_used"))
	total, okTotal := sysfs.ReadUint(filepath.Join(dev, prefix+"_total"))
	return used, total, okUsed && okTotal
}

// readFan returns the first fan speed in RPM and its share of the first
// channel's maximum
func readFan(hwmon string) (rpm, percent int) {
	rpm, percent = -1, -1
	v, ok := sysfs.FirstSensorValue(hwmon, "fan", "input")
	if !ok {
		return rpm, percent
	}
	rpm = int(v)

	fans := sysfs.Sensors(hwmon, "fan")
	for _, f := range fans {
		path, ok := f.Attrs["max"]
		if !ok {
			continue
		}
		if maxRPM, ok := sysfs.ReadInt(path); ok && maxRPM > 0 {
			percent = int(v * 100 / maxRPM)
		}
		break
	}
	return rpm, percent
}

func currentClock(dev string, c ClockType) (int64, bool) {
	table, ok := sysfs.ReadString(filepath.Join(dev, c.file()))
	if !ok {
		return 0, false
	}
	mhz, ok := ParseCurrentDPMClock(table)
	return mhz, ok && mhz > 0
}

// driverVersion prefers the module version; a device that is clearly amdgpu
// but exposes no version reports the driver name
func driverVersion(dev string) string {
	for _, p := range []string{"driver/module/version", "driver/version"} {
		if v, ok := sysfs.ReadFirstLine(filepath.Join(dev, p)); ok {
			return v
		}
	}
	if name, ok := sysfs.LinkBase(filepath.Join(dev, "driver")); ok && name == "amdgpu" {
		return name
	}
	if modalias, ok := sysfs.ReadFirstLine(filepath.Join(dev, "modalias")); ok {
		if strings.Contains(modalias, "v00001002") || strings.Contains(modalias, "v00001022") {
			return "amdgpu"
		}
	}
	return ""
}

// ClockLevels lists the DPM levels of a clock domain
func (b *Backend) ClockLevels(d gpu.Device, c ClockType) ([]string, error) {
	table, ok := sysfs.ReadString(filepath.Join(d.DevicePath, c.file()))
	if !ok {
		return nil, fmt.Errorf("%s clock levels unavailable for %s", c, d)
	}
	return ParseClockLevels(table), nil
}

// PowerProfiles lists the entries of pp_power_profile_mode
func (b *Backend) PowerProfiles(d gpu.Device) ([]string, error) {
	content, ok := sysfs.ReadString(filepath.Join(d.DevicePath, "pp_power_profile_mode"))
	if !ok {
		return nil, fmt.Errorf("power profiles unavailable for %s", d)
	}
	return ParsePowerProfiles(content), nil
}
