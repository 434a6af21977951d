// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/mock"
)

// mockNvmlLib is a mock implementation of nvmlLib for testing
type mockNvmlLib struct {
	mock.Mock
	// missing symbols make LookupSymbol fail
	missing map[string]bool
}

func (m *mockNvmlLib) Init() nvml.Return {
	args := m.Called()
	return args.Get(0).(nvml.Return)
}

func (m *mockNvmlLib) Shutdown() nvml.Return {
	args := m.Called()
	return args.Get(0).(nvml.Return)
}

func (m *mockNvmlLib) ErrorString(ret nvml.Return) string {
	return fmt.Sprintf("nvml error %d", int32(ret))
}

func (m *mockNvmlLib) LookupSymbol(name string) error {
	if m.missing[name] {
		return fmt.Errorf("undefined symbol: %s", name)
	}
	return nil
}

func (m *mockNvmlLib) DeviceGetHandleByPciBusId(busID string) (nvmlDevice, nvml.Return) {
	args := m.Called(busID)
	if h := args.Get(0); h != nil {
		return h.(nvmlDevice), args.Get(1).(nvml.Return)
	}
	return nil, args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) SystemGetDriverVersion() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) SystemGetNVMLVersion() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

// fakeDevice answers every query with canned values; a zero Return field
// means nvml.SUCCESS
type fakeDevice struct {
	util       nvml.Utilization
	utilRet    nvml.Return
	mem        nvml.Memory
	memRet     nvml.Return
	temp       uint32
	tempRet    nvml.Return
	powerMW    uint32
	limitMW    uint32
	coreMHz    uint32
	memMHz     uint32
	maxCoreMHz uint32
	clockRet   nvml.Return
	fan        uint32
	pstate     nvml.Pstates
	vbios      string
	enc, dec   uint32
	pcieGen    int
	pcieWidth  int
	compute    []nvml.ProcessInfo
	graphics   []nvml.ProcessInfo
	procRet    nvml.Return
}

func (f *fakeDevice) GetUtilizationRates() (nvml.Utilization, nvml.Return) {
	return f.util, f.utilRet
}

func (f *fakeDevice) GetMemoryInfo() (nvml.Memory, nvml.Return) {
	return f.mem, f.memRet
}

func (f *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return f.temp, f.tempRet
}

func (f *fakeDevice) GetPowerUsage() (uint32, nvml.Return) {
	return f.powerMW, nvml.SUCCESS
}

func (f *fakeDevice) GetEnforcedPowerLimit() (uint32, nvml.Return) {
	return f.limitMW, nvml.SUCCESS
}

func (f *fakeDevice) GetClockInfo(clock nvml.ClockType) (uint32, nvml.Return) {
	if clock == nvml.CLOCK_MEM {
		return f.memMHz, f.clockRet
	}
	return f.coreMHz, f.clockRet
}

func (f *fakeDevice) GetMaxClockInfo(nvml.ClockType) (uint32, nvml.Return) {
	return f.maxCoreMHz, f.clockRet
}

func (f *fakeDevice) GetFanSpeed() (uint32, nvml.Return) {
	return f.fan, nvml.SUCCESS
}

func (f *fakeDevice) GetPerformanceState() (nvml.Pstates, nvml.Return) {
	return f.pstate, nvml.SUCCESS
}

func (f *fakeDevice) GetVbiosVersion() (string, nvml.Return) {
	return f.vbios, nvml.SUCCESS
}

func (f *fakeDevice) GetEncoderUtilization() (uint32, uint32, nvml.Return) {
	return f.enc, 1000, nvml.SUCCESS
}

func (f *fakeDevice) GetDecoderUtilization() (uint32, uint32, nvml.Return) {
	return f.dec, 1000, nvml.SUCCESS
}

func (f *fakeDevice) GetCurrPcieLinkGeneration() (int, nvml.Return) {
	return f.pcieGen, nvml.SUCCESS
}

func (f *fakeDevice) GetCurrPcieLinkWidth() (int, nvml.Return) {
	return f.pcieWidth, nvml.SUCCESS
}

func (f *fakeDevice) GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return) {
	return f.compute, f.procRet
}

func (f *fakeDevice) GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return) {
	return f.graphics, f.procRet
}

type fakeNamer map[int]string

func (f fakeNamer) Comm(pid int) (string, error) {
	if n, ok := f[pid]; ok {
		return n, nil
	}
	return "", fmt.Errorf("open /proc/%d/comm: no such file or directory", pid)
}
