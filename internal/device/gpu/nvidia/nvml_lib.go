// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// defaultLibraryName is loaded through the dynamic linker search path when
// none of the configured library paths exist
const defaultLibraryName = "libnvidia-ml.so.1"

// nvmlLib abstracts the NVML library functions for testability.
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	ErrorString(ret nvml.Return) string
	LookupSymbol(name string) error
	DeviceGetHandleByPciBusId(busID string) (nvmlDevice, nvml.Return)
	SystemGetDriverVersion() (string, nvml.Return)
	SystemGetNVMLVersion() (string, nvml.Return)
}

// nvmlDevice is the subset of nvml.Device the backend reads.
// nvml.Device satisfies it directly.
type nvmlDevice interface {
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetEnforcedPowerLimit() (uint32, nvml.Return)
	GetClockInfo(clock nvml.ClockType) (uint32, nvml.Return)
	GetMaxClockInfo(clock nvml.ClockType) (uint32, nvml.Return)
	GetFanSpeed() (uint32, nvml.Return)
	GetPerformanceState() (nvml.Pstates, nvml.Return)
	GetVbiosVersion() (string, nvml.Return)
	GetEncoderUtilization() (uint32, uint32, nvml.Return)
	GetDecoderUtilization() (uint32, uint32, nvml.Return)
	GetCurrPcieLinkGeneration() (int, nvml.Return)
	GetCurrPcieLinkWidth() (int, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
}

// libLoader opens NVML from a path; an empty path loads by name
type libLoader func(path string) nvmlLib

// realNvmlLib is the production implementation backed by a dlopen'd NVML
type realNvmlLib struct {
	lib nvml.Interface
}

func loadRealLib(path string) nvmlLib {
	if path == "" {
		path = defaultLibraryName
	}
	return &realNvmlLib{lib: nvml.New(nvml.WithLibraryPath(path))}
}

func (r *realNvmlLib) Init() nvml.Return {
	return r.lib.Init()
}

func (r *realNvmlLib) Shutdown() nvml.Return {
	return r.lib.Shutdown()
}

func (r *realNvmlLib) ErrorString(ret nvml.Return) string {
	return r.lib.ErrorString(ret)
}

func (r *realNvmlLib) LookupSymbol(name string) error {
	return r.lib.Extensions().LookupSymbol(name)
}

func (r *realNvmlLib) DeviceGetHandleByPciBusId(busID string) (nvmlDevice, nvml.Return) {
	handle, ret := r.lib.DeviceGetHandleByPciBusId(busID)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return handle, ret
}

func (r *realNvmlLib) SystemGetDriverVersion() (string, nvml.Return) {
	return r.lib.SystemGetDriverVersion()
}

func (r *realNvmlLib) SystemGetNVMLVersion() (string, nvml.Return) {
	return r.lib.SystemGetNVMLVersion()
}
