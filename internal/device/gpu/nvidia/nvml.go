// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/prometheus/procfs"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
)

// DisableEnv disables NVML when set to a non-empty value other than 0 or false
const DisableEnv = "GPUMON_DISABLE_NVML"

// legacyDisableEnv disables NVML whenever it is set, whatever its value
const legacyDisableEnv = "DSM_DISABLE_NVML"

// maxProcesses caps the number of processes reported per device
const maxProcesses = 32

// ErrDisabled is returned by Init when NVML was disabled by configuration or environment
var ErrDisabled = errors.New("NVML disabled")

// ProcessNamer resolves the command name of a process
type ProcessNamer interface {
	Comm(pid int) (string, error)
}

type procfsNamer struct {
	fs procfs.FS
}

func (p procfsNamer) Comm(pid int) (string, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	return proc.Comm()
}

// NewProcfsNamer resolves process names from <procfs>/<pid>/comm
func NewProcfsNamer(procfsPath string) (ProcessNamer, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, err
	}
	return procfsNamer{fs: fs}, nil
}

// Backend reads NVIDIA GPU telemetry through NVML. The library is opened at
// runtime; a host without the NVIDIA driver simply has an unusable backend.
//
// Init is attempted once per instance. A failed attempt is not retried.
type Backend struct {
	logger    *slog.Logger
	enabled   bool
	paths     []string
	load      libLoader
	namer     ProcessNamer
	lookupEnv func(string) (string, bool)
	statPath  func(string) error

	mu          sync.Mutex
	attempted   bool
	initErr     error
	lib         nvmlLib
	caps        *capabilities
	libraryPath string
	driver      string
	nvmlVersion string
}

var _ gpu.Backend = (*Backend)(nil)
var _ gpu.ProcessReader = (*Backend)(nil)

// OptionFn configures the backend
type OptionFn func(*Backend)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(b *Backend) {
		b.logger = logger.With("backend", "nvml")
	}
}

// WithEnabled turns NVML off when false
func WithEnabled(enabled bool) OptionFn {
	return func(b *Backend) {
		b.enabled = enabled
	}
}

// WithLibraryPaths sets the candidate locations of libnvidia-ml.so.1
func WithLibraryPaths(paths []string) OptionFn {
	return func(b *Backend) {
		b.paths = paths
	}
}

// WithProcessNamer sets how process names are resolved
func WithProcessNamer(n ProcessNamer) OptionFn {
	return func(b *Backend) {
		b.namer = n
	}
}

// NewBackend creates an NVML backend; nothing is loaded until Init
func NewBackend(opts ...OptionFn) *Backend {
	b := &Backend{
		logger:    slog.Default().With("backend", "nvml"),
		enabled:   true,
		load:      loadRealLib,
		lookupEnv: os.LookupEnv,
		statPath: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return "nvml"
}

func (b *Backend) Vendor() gpu.Vendor {
	return gpu.VendorNVIDIA
}

func (b *Backend) disabledByEnv() (string, bool) {
	if _, set := b.lookupEnv(legacyDisableEnv); set {
		return legacyDisableEnv, true
	}
	v, _ := b.lookupEnv(DisableEnv)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if off, err := strconv.ParseBool(v); err == nil && !off {
		return "", false
	}
	return DisableEnv, true
}

// Init loads NVML and resolves its entry points
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempted {
		return b.initErr
	}
	b.attempted = true
	b.initErr = b.init()
	if b.initErr != nil && !errors.Is(b.initErr, ErrDisabled) {
		b.logger.Warn("NVML unavailable, NVIDIA GPUs will not be read", "error", b.initErr)
	}
	return b.initErr
}

func (b *Backend) init() error {
	if !b.enabled {
		b.logger.Info("NVML disabled by configuration")
		return ErrDisabled
	}
	if env, ok := b.disabledByEnv(); ok {
		b.logger.Info("NVML disabled by environment", "env", env)
		return ErrDisabled
	}

	path := b.selectLibraryPath()
	lib := b.load(path)
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed (%s): %s", libraryLabel(path), lib.ErrorString(ret))
	}

	caps, err := resolveCapabilities(lib)
	if err != nil {
		_ = lib.Shutdown()
		return fmt.Errorf("NVML library %s is unusable: %w", libraryLabel(path), err)
	}

	b.lib = lib
	b.caps = caps
	b.libraryPath = libraryLabel(path)

	if caps.has(capDriverVersion) {
		if v, ret := lib.SystemGetDriverVersion(); ret == nvml.SUCCESS {
			b.driver = v
		}
	}
	if caps.has(capNVMLVersion) {
		if v, ret := lib.SystemGetNVMLVersion(); ret == nvml.SUCCESS {
			b.nvmlVersion = v
		}
	}

	b.logger.Info("NVML initialized",
		"library", b.libraryPath,
		"driver", b.driver,
		"nvml", b.nvmlVersion,
		"capabilities", caps.count())
	if missing := caps.missing(); len(missing) > 0 {
		b.logger.Debug("optional NVML symbols missing", "symbols", missing)
	}
	return nil
}

// selectLibraryPath returns the first existing candidate, or "" to load by name
func (b *Backend) selectLibraryPath() string {
	for _, p := range b.paths {
		if p == "" {
			continue
		}
		if err := b.statPath(p); err == nil {
			return p
		}
	}
	return ""
}

func libraryLabel(path string) string {
	if path == "" {
		return defaultLibraryName
	}
	return path
}

// Initialized reports whether NVML is loaded
func (b *Backend) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lib != nil
}

// DriverVersion returns the NVIDIA driver version, "" when unknown
func (b *Backend) DriverVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.driver
}

// Supports is true for NVIDIA devices with a bus id while NVML is loaded
func (b *Backend) Supports(d gpu.Device) bool {
	if d.Vendor != gpu.VendorNVIDIA || d.PCIBusID == "" {
		return false
	}
	return b.Initialized()
}

// handle must be called with b.mu held
func (b *Backend) handle(d gpu.Device) (nvmlDevice, error) {
	if b.lib == nil {
		return nil, gpu.ErrGPUNotInitialized{Backend: b.Name()}
	}
	h, ret := b.lib.DeviceGetHandleByPciBusId(d.PCIBusID)
	if ret != nvml.SUCCESS || h == nil {
		return nil, gpu.ErrGPUNotFound{PCIBusID: d.PCIBusID}
	}
	return h, nil
}

// ReadStats queries NVML for the device. Optional queries the library does
// not export, or that the device rejects, leave their fields at the sentinel.
func (b *Backend) ReadStats(d gpu.Device) (gpu.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := gpu.NewStats()
	h, err := b.handle(d)
	if err != nil {
		return stats, err
	}
	caps := b.caps

	if util, ret := h.GetUtilizationRates(); ret == nvml.SUCCESS {
		stats.UtilizationPercent = int(util.Gpu)
		stats.MemoryUtilizationPercent = int(util.Memory)
		stats.Engines.Graphics = int(util.Gpu)
	}

	if mem, ret := h.GetMemoryInfo(); ret == nvml.SUCCESS {
		stats.MemoryUsedBytes = mem.Used
		stats.MemoryTotalBytes = mem.Total
	}

	if temp, ret := h.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		stats.TemperatureC = int(temp)
	}

	if caps.has(capPowerUsage) {
		if mw, ret := h.GetPowerUsage(); ret == nvml.SUCCESS {
			stats.PowerUsageWatts = float64(mw) / 1000
		}
	}
	if caps.has(capPowerLimit) {
		if mw, ret := h.GetEnforcedPowerLimit(); ret == nvml.SUCCESS {
			stats.MaxPowerWatts = float64(mw) / 1000
		}
	}

	if caps.has(capClockInfo) {
		if mhz, ret := h.GetClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
			stats.CoreClockKHz = int64(mhz) * 1000
		}
		if mhz, ret := h.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
			stats.MemoryClockKHz = int64(mhz) * 1000
		}
	}
	if caps.has(capMaxClockInfo) {
		if mhz, ret := h.GetMaxClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
			stats.CoreClockMaxKHz = int64(mhz) * 1000
		}
	}

	if caps.has(capFanSpeed) {
		if pct, ret := h.GetFanSpeed(); ret == nvml.SUCCESS {
			stats.FanSpeedPercent = int(pct)
		}
	}

	if caps.has(capPerformanceState) {
		if p, ret := h.GetPerformanceState(); ret == nvml.SUCCESS && p != nvml.PSTATE_UNKNOWN {
			stats.PerformanceState = int(p)
		}
	}

	if caps.has(capEncoderUtilization) {
		if util, _, ret := h.GetEncoderUtilization(); ret == nvml.SUCCESS {
			stats.Engines.VideoEncode = int(util)
		}
	}
	if caps.has(capDecoderUtilization) {
		if util, _, ret := h.GetDecoderUtilization(); ret == nvml.SUCCESS {
			stats.Engines.VideoDecode = int(util)
		}
	}

	if caps.has(capVBIOSVersion) {
		if v, ret := h.GetVbiosVersion(); ret == nvml.SUCCESS {
			stats.VBIOSVersion = v
		}
	}
	stats.DriverVersion = b.driver

	if caps.has(capPCIeGeneration) {
		if gen, ret := h.GetCurrPcieLinkGeneration(); ret == nvml.SUCCESS {
			stats.PCIeGeneration = gen
		}
	}
	if caps.has(capPCIeWidth) {
		if width, ret := h.GetCurrPcieLinkWidth(); ret == nvml.SUCCESS {
			stats.PCIeLanes = width
		}
	}

	stats.Sanitize()

	if !hasData(stats) {
		return stats, gpu.ErrNoData
	}
	return stats, nil
}

func hasData(s gpu.Stats) bool {
	return s.UtilizationPercent >= 0 ||
		s.MemoryTotalBytes > 0 ||
		s.TemperatureC >= 0 ||
		s.CoreClockKHz > 0 ||
		s.MemoryClockKHz > 0
}

// ProcessUsages lists compute then graphics processes holding memory on the
// device, at most 32 in total. A PID reported by several GPU instances is
// listed once per type with its memory summed.
func (b *Backend) ProcessUsages(d gpu.Device) ([]gpu.ProcessUsage, error) {
	b.mu.Lock()
	h, err := b.handle(d)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	var compute, graphics []nvml.ProcessInfo
	if b.caps.has(capComputeProcesses) {
		if procs, ret := h.GetComputeRunningProcesses(); ret == nvml.SUCCESS {
			compute = procs
		} else if ret != nvml.ERROR_NOT_SUPPORTED {
			b.logger.Debug("failed to list compute processes", "device", d.String(), "error", b.lib.ErrorString(ret))
		}
	}
	if b.caps.has(capGraphicsProcesses) {
		if procs, ret := h.GetGraphicsRunningProcesses(); ret == nvml.SUCCESS {
			graphics = procs
		} else if ret != nvml.ERROR_NOT_SUPPORTED {
			b.logger.Debug("failed to list graphics processes", "device", d.String(), "error", b.lib.ErrorString(ret))
		}
	}
	b.mu.Unlock()

	usages := make([]gpu.ProcessUsage, 0, len(compute)+len(graphics))
	add := func(procs []nvml.ProcessInfo, typ gpu.ProcessType) {
		for _, p := range procs {
			usages = append(usages, gpu.ProcessUsage{
				PID:             p.Pid,
				UsedMemoryBytes: p.UsedGpuMemory,
				Type:            typ,
			})
		}
	}
	add(compute, gpu.ProcessCompute)
	add(graphics, gpu.ProcessGraphics)

	usages = gpu.MergeProcessUsages(usages)
	if len(usages) > maxProcesses {
		usages = usages[:maxProcesses]
	}
	for i := range usages {
		usages[i].Name = b.processName(usages[i].PID)
	}
	return usages, nil
}

func (b *Backend) processName(pid uint32) string {
	if b.namer != nil {
		if name, err := b.namer.Comm(int(pid)); err == nil && name != "" {
			return name
		}
	}
	return fmt.Sprintf("PID %d", pid)
}

// Shutdown unloads NVML. The backend supports no device afterwards.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lib == nil {
		return nil
	}

	lib := b.lib
	b.lib = nil
	b.caps = nil
	if ret := lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", lib.ErrorString(ret))
	}
	b.logger.Info("NVML shutdown complete")
	return nil
}
