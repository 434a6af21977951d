// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"strconv"
	"strings"
)

// Vendor represents the GPU manufacturer. The set is closed: every vendor has
// exactly one backend.
type Vendor string

const (
	VendorNVIDIA  Vendor = "nvidia"
	VendorAMD     Vendor = "amd"
	VendorIntel   Vendor = "intel"
	VendorUnknown Vendor = "unknown"
)

// PCI vendor identifiers as found in /sys/bus/pci/devices/*/vendor
const (
	pciVendorNVIDIA = 0x10de
	pciVendorATI    = 0x1002
	pciVendorAMD    = 0x1022
	pciVendorIntel  = 0x8086
)

// VendorFromPCIID classifies a PCI vendor id such as "0x10de" or "10DE"
func VendorFromPCIID(id string) Vendor {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "0x")

	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return VendorUnknown
	}

	switch v {
	case pciVendorNVIDIA:
		return VendorNVIDIA
	case pciVendorATI, pciVendorAMD:
		return VendorAMD
	case pciVendorIntel:
		return VendorIntel
	default:
		return VendorUnknown
	}
}

// Priority orders vendors for device selection; lower is preferred
func (v Vendor) Priority() int {
	switch v {
	case VendorNVIDIA:
		return 1
	case VendorAMD:
		return 2
	case VendorIntel:
		return 3
	default:
		return 4
	}
}

// DisplayName returns the vendor name as shown to users
func (v Vendor) DisplayName() string {
	switch v {
	case VendorNVIDIA:
		return "NVIDIA"
	case VendorAMD:
		return "AMD"
	case VendorIntel:
		return "Intel"
	default:
		return "Unknown"
	}
}

// GenericName is the last-resort device name when nothing better is known
func (v Vendor) GenericName() string {
	if v == VendorUnknown || v == "" {
		return "GPU"
	}
	return v.DisplayName() + " GPU"
}

// Device identifies one GPU adapter found under /sys/class/drm.
// Devices are values; enumeration builds new ones every time.
type Device struct {
	// Card is the DRM card name, e.g. card0
	Card string `json:"card"`
	// CardPath is /sys/class/drm/cardN
	CardPath string `json:"cardPath"`
	// DevicePath is the PCI device directory backing all sysfs reads
	DevicePath string `json:"devicePath"`
	// PCIBusID is domain:bus:device.function; empty if it could not be read
	PCIBusID string `json:"pciBusId"`
	Name     string `json:"name"`
	Vendor   Vendor `json:"vendor"`
}

func (d Device) String() string {
	if d.PCIBusID != "" {
		return fmt.Sprintf("%s (%s, %s)", d.Name, d.Vendor, d.PCIBusID)
	}
	return fmt.Sprintf("%s (%s, %s)", d.Name, d.Vendor, d.Card)
}

// EngineClass is the kind of work an execution engine performs
type EngineClass int

const (
	EngineClassUnknown EngineClass = iota
	EngineClassRender
	EngineClassCopy
	EngineClassVideo
	EngineClassVideoEnhance
	EngineClassCompute
)

func (c EngineClass) String() string {
	switch c {
	case EngineClassRender:
		return "render"
	case EngineClassCopy:
		return "copy"
	case EngineClassVideo:
		return "video"
	case EngineClassVideoEnhance:
		return "video-enhance"
	case EngineClassCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// MarshalText renders the class by name in JSON
func (c EngineClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// EngineStats describes one hardware engine instance
type EngineStats struct {
	Name               string      `json:"name"`
	Class              EngineClass `json:"class"`
	UtilizationPercent int         `json:"utilizationPercent"`
	// BusyNS is the cumulative busy time; 0 when not exposed
	BusyNS    uint64 `json:"busyNs"`
	Instances int    `json:"instances"`
}

// EngineUtilization is per engine-group utilization, -1 when unavailable
type EngineUtilization struct {
	Graphics    int `json:"graphics"`
	VideoEncode int `json:"videoEncode"`
	VideoDecode int `json:"videoDecode"`
	Compute     int `json:"compute"`
}

// ProcessType tells whether a process holds a compute or graphics context
type ProcessType string

const (
	ProcessCompute  ProcessType = "compute"
	ProcessGraphics ProcessType = "graphics"
)

// ProcessUsage is the GPU memory held by one process
type ProcessUsage struct {
	PID             uint32      `json:"pid"`
	Name            string      `json:"name"`
	UsedMemoryBytes uint64      `json:"usedMemoryBytes"`
	Type            ProcessType `json:"type"`
}

// MergeProcessUsages folds entries sharing a PID and type into one, summing
// their memory. MIG devices list a process once per GPU instance. Order of
// first appearance is kept.
func MergeProcessUsages(procs []ProcessUsage) []ProcessUsage {
	type key struct {
		pid uint32
		typ ProcessType
	}
	merged := make([]ProcessUsage, 0, len(procs))
	seen := make(map[key]int, len(procs))
	for _, p := range procs {
		k := key{p.PID, p.Type}
		if i, ok := seen[k]; ok {
			merged[i].UsedMemoryBytes += p.UsedMemoryBytes
			continue
		}
		seen[k] = len(merged)
		merged = append(merged, p)
	}
	return merged
}

// Stats is a point-in-time telemetry snapshot for one device.
//
// Unavailable values are sentinels rather than optionals: -1 for signed
// numbers, 0 for byte counts and "" for strings. Consumers render every
// sentinel the same way.
type Stats struct {
	UtilizationPercent       int `json:"utilizationPercent"`
	MemoryUtilizationPercent int `json:"memoryUtilizationPercent"`

	MemoryUsedBytes  uint64 `json:"memoryUsedBytes"`
	MemoryTotalBytes uint64 `json:"memoryTotalBytes"`
	GTTUsedBytes     uint64 `json:"gttUsedBytes"`
	GTTTotalBytes    uint64 `json:"gttTotalBytes"`

	TemperatureC int `json:"temperatureC"`

	PowerUsageWatts float64 `json:"powerUsageWatts"`
	MaxPowerWatts   float64 `json:"maxPowerWatts"`

	CoreClockKHz    int64 `json:"coreClockKHz"`
	CoreClockMinKHz int64 `json:"coreClockMinKHz"`
	CoreClockMaxKHz int64 `json:"coreClockMaxKHz"`
	MemoryClockKHz  int64 `json:"memoryClockKHz"`

	FanSpeedPercent int `json:"fanSpeedPercent"`
	FanSpeedRPM     int `json:"fanSpeedRpm"`

	PerformanceState int `json:"performanceState"`

	Engines EngineUtilization `json:"engines"`

	DriverVersion string `json:"driverVersion,omitempty"`
	VBIOSVersion  string `json:"vbiosVersion,omitempty"`
	PlatformName  string `json:"platformName,omitempty"`

	PCIeGeneration int `json:"pcieGeneration"`
	PCIeLanes      int `json:"pcieLanes"`

	EngineStats []EngineStats  `json:"engineStats,omitempty"`
	Processes   []ProcessUsage `json:"processes,omitempty"`
}

// NewStats returns Stats with every field set to its unavailable sentinel
func NewStats() Stats {
	return Stats{
		UtilizationPercent:       -1,
		MemoryUtilizationPercent: -1,
		TemperatureC:             -1,
		PowerUsageWatts:          -1,
		MaxPowerWatts:            -1,
		CoreClockKHz:             -1,
		CoreClockMinKHz:          -1,
		CoreClockMaxKHz:          -1,
		MemoryClockKHz:           -1,
		FanSpeedPercent:          -1,
		FanSpeedRPM:              -1,
		PerformanceState:         -1,
		Engines: EngineUtilization{
			Graphics:    -1,
			VideoEncode: -1,
			VideoDecode: -1,
			Compute:     -1,
		},
		PCIeGeneration: -1,
		PCIeLanes:      -1,
	}
}

// Sanitize enforces the value ranges consumers rely on: percentages are -1 or
// within [0,100] and used memory never exceeds a known total.
func (s *Stats) Sanitize() {
	s.UtilizationPercent = clampPercent(s.UtilizationPercent)
	s.MemoryUtilizationPercent = clampPercent(s.MemoryUtilizationPercent)
	s.FanSpeedPercent = clampPercent(s.FanSpeedPercent)
	s.Engines.Graphics = clampPercent(s.Engines.Graphics)
	s.Engines.VideoEncode = clampPercent(s.Engines.VideoEncode)
	s.Engines.VideoDecode = clampPercent(s.Engines.VideoDecode)
	s.Engines.Compute = clampPercent(s.Engines.Compute)

	if s.MemoryTotalBytes > 0 && s.MemoryUsedBytes > s.MemoryTotalBytes {
		s.MemoryUsedBytes = s.MemoryTotalBytes
	}
	if s.GTTTotalBytes > 0 && s.GTTUsedBytes > s.GTTTotalBytes {
		s.GTTUsedBytes = s.GTTTotalBytes
	}
}

func clampPercent(p int) int {
	if p < 0 || p > 100 {
		return -1
	}
	return p
}

// MemoryUsedPercent derives memory usage from the byte counters, -1 if unknown
func (s Stats) MemoryUsedPercent() float64 {
	if s.MemoryTotalBytes == 0 {
		return -1
	}
	return float64(s.MemoryUsedBytes) * 100 / float64(s.MemoryTotalBytes)
}

// ErrGPUNotFound is returned when the vendor library has no handle for a device
type ErrGPUNotFound struct {
	PCIBusID string
}

func (e ErrGPUNotFound) Error() string {
	return fmt.Sprintf("GPU device not found: pci bus id %q", e.PCIBusID)
}

// ErrGPUNotInitialized is returned when a backend is used before a successful Init
type ErrGPUNotInitialized struct {
	Backend string
}

func (e ErrGPUNotInitialized) Error() string {
	return fmt.Sprintf("GPU backend %s not initialized", e.Backend)
}
