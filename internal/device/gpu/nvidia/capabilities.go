// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"errors"
	"fmt"
)

// capability names one optional NVML entry point
type capability int

const (
	capPowerUsage capability = iota
	capPowerLimit
	capClockInfo
	capMaxClockInfo
	capFanSpeed
	capPerformanceState
	capDriverVersion
	capNVMLVersion
	capVBIOSVersion
	capEncoderUtilization
	capDecoderUtilization
	capPCIeGeneration
	capPCIeWidth
	capComputeProcesses
	capGraphicsProcesses
	numCapabilities
)

// requiredSymbols must all resolve for the backend to be usable
var requiredSymbols = []string{
	"nvmlInit_v2",
	"nvmlShutdown",
	"nvmlDeviceGetHandleByPciBusId_v2",
	"nvmlDeviceGetUtilizationRates",
	"nvmlDeviceGetMemoryInfo",
	"nvmlDeviceGetTemperature",
}

var optionalSymbols = [numCapabilities]string{
	capPowerUsage:         "nvmlDeviceGetPowerUsage",
	capPowerLimit:         "nvmlDeviceGetEnforcedPowerLimit",
	capClockInfo:          "nvmlDeviceGetClockInfo",
	capMaxClockInfo:       "nvmlDeviceGetMaxClockInfo",
	capFanSpeed:           "nvmlDeviceGetFanSpeed",
	capPerformanceState:   "nvmlDeviceGetPerformanceState",
	capDriverVersion:      "nvmlSystemGetDriverVersion",
	capNVMLVersion:        "nvmlSystemGetNVMLVersion",
	capVBIOSVersion:       "nvmlDeviceGetVbiosVersion",
	capEncoderUtilization: "nvmlDeviceGetEncoderUtilization",
	capDecoderUtilization: "nvmlDeviceGetDecoderUtilization",
	capPCIeGeneration:     "nvmlDeviceGetCurrPcieLinkGeneration",
	capPCIeWidth:          "nvmlDeviceGetCurrPcieLinkWidth",
	capComputeProcesses:   "nvmlDeviceGetComputeRunningProcesses",
	capGraphicsProcesses:  "nvmlDeviceGetGraphicsRunningProcesses",
}

// capabilities records which optional entry points the loaded library exports
type capabilities [numCapabilities]bool

func (c *capabilities) has(cp capability) bool {
	return c != nil && c[cp]
}

func (c *capabilities) count() int {
	n := 0
	for _, ok := range c {
		if ok {
			n++
		}
	}
	return n
}

// missing lists the optional symbols that could not be resolved
func (c *capabilities) missing() []string {
	var out []string
	for i, ok := range c {
		if !ok {
			out = append(out, optionalSymbols[i])
		}
	}
	return out
}

// resolveCapabilities checks the required symbols and probes the optional ones
func resolveCapabilities(lib nvmlLib) (*capabilities, error) {
	var errs error
	for _, sym := range requiredSymbols {
		if err := lib.LookupSymbol(sym); err != nil {
			errs = errors.Join(errs, fmt.Errorf("required symbol %s: %w", sym, err))
		}
	}
	if errs != nil {
		return nil, errs
	}

	caps := &capabilities{}
	for i, sym := range optionalSymbols {
		caps[i] = lib.LookupSymbol(sym) == nil
	}
	return caps, nil
}
