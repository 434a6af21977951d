// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVendorFromPCIID(t *testing.T) {
	tests := []struct {
		id   string
		want Vendor
	}{
		{"0x10de", VendorNVIDIA},
		{"0x10DE\n", VendorNVIDIA},
		{"10de", VendorNVIDIA},
		{"0x1002", VendorAMD},
		{"0x1022", VendorAMD},
		{"0x8086", VendorIntel},
		{"0x1af4", VendorUnknown},
		{"", VendorUnknown},
		{"0x", VendorUnknown},
		{"0x10dezz", VendorUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VendorFromPCIID(tt.id), "id %q", tt.id)
	}
}

func TestVendorPriorityAndNames(t *testing.T) {
	assert.Less(t, VendorNVIDIA.Priority(), VendorAMD.Priority())
	assert.Less(t, VendorAMD.Priority(), VendorIntel.Priority())
	assert.Less(t, VendorIntel.Priority(), VendorUnknown.Priority())

	assert.Equal(t, "NVIDIA GPU", VendorNVIDIA.GenericName())
	assert.Equal(t, "AMD GPU", VendorAMD.GenericName())
	assert.Equal(t, "Intel GPU", VendorIntel.GenericName())
	assert.Equal(t, "GPU", VendorUnknown.GenericName())
	assert.Equal(t, "GPU", Vendor("").GenericName())
}

func TestNewStatsSentinels(t *testing.T) {
	s := NewStats()
	assert.Equal(t, -1, s.UtilizationPercent)
	assert.Equal(t, -1, s.TemperatureC)
	assert.Equal(t, int64(-1), s.CoreClockKHz)
	assert.Equal(t, int64(-1), s.MemoryClockKHz)
	assert.Equal(t, float64(-1), s.PowerUsageWatts)
	assert.Equal(t, -1, s.FanSpeedRPM)
	assert.Equal(t, -1, s.Engines.VideoDecode)
	assert.Zero(t, s.MemoryUsedBytes)
	assert.Zero(t, s.MemoryTotalBytes)
	assert.Empty(t, s.DriverVersion)
	assert.Equal(t, float64(-1), s.MemoryUsedPercent())
}

func TestStatsSanitize(t *testing.T) {
	tests := []struct {
		name     string
		util     int
		wantUtil int
		used     uint64
		total    uint64
		wantUsed uint64
	}{
		{"in range", 45, 45, 10, 100, 10},
		{"zero util", 0, 0, 0, 0, 0},
		{"sentinel", -1, -1, 0, 0, 0},
		{"over 100", 130, -1, 0, 0, 0},
		{"negative", -7, -1, 0, 0, 0},
		{"used over total", 10, 10, 200, 100, 100},
		{"unknown total keeps used", 10, 10, 200, 0, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStats()
			s.UtilizationPercent = tt.util
			s.MemoryUsedBytes = tt.used
			s.MemoryTotalBytes = tt.total
			s.Sanitize()

			assert.Equal(t, tt.wantUtil, s.UtilizationPercent)
			assert.Equal(t, tt.wantUsed, s.MemoryUsedBytes)
			if s.MemoryTotalBytes > 0 {
				assert.LessOrEqual(t, s.MemoryUsedBytes, s.MemoryTotalBytes)
			}
		})
	}
}

func TestMemoryUsedPercent(t *testing.T) {
	s := NewStats()
	s.MemoryUsedBytes = 1 << 30
	s.MemoryTotalBytes = 4 << 30
	assert.InDelta(t, 25.0, s.MemoryUsedPercent(), 0.001)
}

func TestMergeProcessUsages(t *testing.T) {
	procs := []ProcessUsage{
		{PID: 42, Name: "python", UsedMemoryBytes: 10, Type: ProcessCompute},
		{PID: 7, Name: "Xorg", UsedMemoryBytes: 5, Type: ProcessGraphics},
		{PID: 42, Name: "python", UsedMemoryBytes: 20, Type: ProcessCompute},
		{PID: 42, Name: "python", UsedMemoryBytes: 1, Type: ProcessGraphics},
	}

	assert.Equal(t, []ProcessUsage{
		{PID: 42, Name: "python", UsedMemoryBytes: 30, Type: ProcessCompute},
		{PID: 7, Name: "Xorg", UsedMemoryBytes: 5, Type: ProcessGraphics},
		{PID: 42, Name: "python", UsedMemoryBytes: 1, Type: ProcessGraphics},
	}, MergeProcessUsages(procs))
	assert.Empty(t, MergeProcessUsages(nil))
}

func TestStatsJSON(t *testing.T) {
	s := NewStats()
	s.EngineStats = []EngineStats{{Name: "rcs0", Class: EngineClassRender, UtilizationPercent: 12}}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(-1), m["utilizationPercent"])
	engines := m["engineStats"].([]any)
	assert.Equal(t, "render", engines[0].(map[string]any)["class"])
	assert.NotContains(t, m, "driverVersion")
}

func TestEngineClassString(t *testing.T) {
	assert.Equal(t, "render", EngineClassRender.String())
	assert.Equal(t, "copy", EngineClassCopy.String())
	assert.Equal(t, "video", EngineClassVideo.String())
	assert.Equal(t, "video-enhance", EngineClassVideoEnhance.String())
	assert.Equal(t, "compute", EngineClassCompute.String())
	assert.Equal(t, "unknown", EngineClass(42).String())
}

func TestErrors(t *testing.T) {
	d := Device{Card: "card1", Name: "Arc A770", Vendor: VendorIntel}
	err := error(&ReadError{Device: d, Backend: "intel", Err: ErrNoData})

	assert.True(t, errors.Is(err, ErrNoData))
	var re *ReadError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "card1", re.Device.Card)
	assert.Contains(t, err.Error(), "Arc A770 (intel, card1)")

	assert.Equal(t, `GPU device not found: pci bus id "0000:01:00.0"`, ErrGPUNotFound{PCIBusID: "0000:01:00.0"}.Error())
	assert.Equal(t, "GPU backend nvml not initialized", ErrGPUNotInitialized{Backend: "nvml"}.Error())
}
