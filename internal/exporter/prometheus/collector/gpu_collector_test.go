// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/gpumon/config"
	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
)

type MockDataProvider struct {
	mock.Mock
}

func (m *MockDataProvider) Snapshot() (*monitor.Snapshot, error) {
	args := m.Called()
	if s := args.Get(0); s != nil {
		return s.(*monitor.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataProvider) DataChannel() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(<-chan struct{})
}

func (m *MockDataProvider) Ready() bool {
	args := m.Called()
	return args.Bool(0)
}

var (
	nvidiaDev = gpu.Device{
		Card: "card0", CardPath: "/sys/class/drm/card0", PCIBusID: "0000:01:00.0",
		Name: "TU116 [GeForce GTX 1660 SUPER]", Vendor: gpu.VendorNVIDIA,
	}
	intelDev = gpu.Device{
		Card: "card1", CardPath: "/sys/class/drm/card1", PCIBusID: "0000:00:02.0",
		Name: "Intel GPU", Vendor: gpu.VendorIntel,
	}
	amdDev = gpu.Device{
		Card: "card2", CardPath: "/sys/class/drm/card2", PCIBusID: "0000:03:00.0",
		Name: "AMD GPU", Vendor: gpu.VendorAMD,
	}
)

func sampleSnapshot() *monitor.Snapshot {
	nv := gpu.NewStats()
	nv.UtilizationPercent = 45
	nv.MemoryUtilizationPercent = 10
	nv.MemoryUsedBytes = 2 << 30
	nv.MemoryTotalBytes = 6 << 30
	nv.TemperatureC = 61
	nv.PowerUsageWatts = 87.5
	nv.MaxPowerWatts = 125
	nv.CoreClockKHz = 1_530_000
	nv.MemoryClockKHz = 7_000_000
	nv.FanSpeedPercent = 40
	nv.PerformanceState = 2
	nv.PCIeGeneration = 3
	nv.PCIeLanes = 16
	nv.DriverVersion = "550.54.14"
	nv.Engines.Graphics = 45
	nv.Engines.VideoEncode = 5
	nv.Engines.VideoDecode = 0
	nv.Processes = []gpu.ProcessUsage{
		{PID: 4242, Name: "python", UsedMemoryBytes: 1 << 30, Type: gpu.ProcessCompute},
	}

	in := gpu.NewStats()
	in.UtilizationPercent = 12
	in.CoreClockKHz = 300_000
	in.CoreClockMaxKHz = 1_300_000
	in.PlatformName = "Alder Lake-P"
	in.EngineStats = []gpu.EngineStats{
		{Name: "rcs0", Class: gpu.EngineClassRender, UtilizationPercent: 12, BusyNS: 2_500_000_000, Instances: 1},
		{Name: "bcs0", Class: gpu.EngineClassCopy, UtilizationPercent: -1, Instances: 1},
	}

	var deltas delta.Deltas
	deltas[delta.UTime] = 30
	deltas[delta.ReadBytes] = 4096

	selected := nvidiaDev
	return &monitor.Snapshot{
		Timestamp: time.Unix(1700000000, 0),
		Devices: []monitor.DeviceStats{
			{Device: nvidiaDev, Stats: nv},
			{Device: intelDev, Stats: in},
			{Device: amdDev, Stats: gpu.NewStats(), Err: errors.New("no telemetry available")},
		},
		Selected: &selected,
		Processes: []delta.ProcessDeltas{
			{PID: 4242, Comm: "python", Deltas: deltas, IOAvailable: true},
			{PID: 4343, Comm: "noio"},
		},
	}
}

func readyProvider(snap *monitor.Snapshot) *MockDataProvider {
	dp := &MockDataProvider{}
	dp.On("Ready").Return(true)
	dp.On("Snapshot").Return(snap, nil)
	return dp
}

// gatherFamilies registers c on a fresh registry and returns the gathered families by name
func gatherFamilies(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelsOf(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func valueFor(t *testing.T, f *dto.MetricFamily, match map[string]string) (float64, bool) {
	t.Helper()
	require.NotNil(t, f)
	for _, m := range f.GetMetric() {
		labels := labelsOf(m)
		ok := true
		for k, v := range match {
			if labels[k] != v {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue(), true
		}
		return m.GetGauge().GetValue(), true
	}
	return 0, false
}

func TestGPUCollector_NotReady(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Ready").Return(false)

	c := NewGPUCollector(dp, slog.Default(), config.MetricsLevelAll)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
	dp.AssertNotCalled(t, "Snapshot")
}

func TestGPUCollector_SnapshotError(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Ready").Return(true)
	dp.On("Snapshot").Return(nil, errors.New("boom"))

	c := NewGPUCollector(dp, slog.Default(), config.MetricsLevelAll)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestGPUCollector_DeviceMetrics(t *testing.T) {
	c := NewGPUCollector(readyProvider(sampleSnapshot()), slog.Default(), config.MetricsLevelDevice)
	families := gatherFamilies(t, c)

	nv := map[string]string{"card": "card0", "pci_bus_id": "0000:01:00.0", "vendor": "nvidia"}
	in := map[string]string{"card": "card1"}
	amd := map[string]string{"card": "card2"}

	t.Run("up and selected", func(t *testing.T) {
		v, _ := valueFor(t, families["gpumon_gpu_up"], nv)
		assert.Equal(t, 1.0, v)
		v, _ = valueFor(t, families["gpumon_gpu_up"], amd)
		assert.Equal(t, 0.0, v)

		v, _ = valueFor(t, families["gpumon_gpu_selected"], nv)
		assert.Equal(t, 1.0, v)
		v, _ = valueFor(t, families["gpumon_gpu_selected"], in)
		assert.Equal(t, 0.0, v)
	})

	t.Run("values", func(t *testing.T) {
		v, ok := valueFor(t, families["gpumon_gpu_utilization_percent"], nv)
		require.True(t, ok)
		assert.Equal(t, 45.0, v)

		v, _ = valueFor(t, families["gpumon_gpu_memory_used_bytes"], nv)
		assert.Equal(t, float64(2<<30), v)
		v, _ = valueFor(t, families["gpumon_gpu_power_watts"], nv)
		assert.Equal(t, 87.5, v)
		v, _ = valueFor(t, families["gpumon_gpu_clock_hertz"], map[string]string{"card": "card0", "clock": "core"})
		assert.Equal(t, 1.53e9, v)
		v, _ = valueFor(t, families["gpumon_gpu_clock_hertz"], map[string]string{"card": "card1", "clock": "core_max"})
		assert.Equal(t, 1.3e9, v)
		v, _ = valueFor(t, families["gpumon_gpu_pcie_link_width"], nv)
		assert.Equal(t, 16.0, v)
	})

	t.Run("sentinels are skipped", func(t *testing.T) {
		_, ok := valueFor(t, families["gpumon_gpu_temperature_celsius"], in)
		assert.False(t, ok)
		_, ok = valueFor(t, families["gpumon_gpu_memory_total_bytes"], in)
		assert.False(t, ok)
		_, ok = valueFor(t, families["gpumon_gpu_clock_hertz"], map[string]string{"card": "card1", "clock": "memory"})
		assert.False(t, ok)
		_, ok = valueFor(t, families["gpumon_gpu_utilization_percent"], amd)
		assert.False(t, ok, "failed device only reports up and selected")
		assert.Nil(t, families["gpumon_gpu_fan_speed_rpm"])
	})

	t.Run("other levels disabled", func(t *testing.T) {
		assert.Nil(t, families["gpumon_gpu_engine_group_utilization_percent"])
		assert.Nil(t, families["gpumon_gpu_process_memory_used_bytes"])
		assert.Nil(t, families["gpumon_process_cpu_ticks"])
	})

	assert.NotNil(t, families["gpumon_gpu_last_collection_timestamp_seconds"])
}

func TestGPUCollector_EngineMetrics(t *testing.T) {
	c := NewGPUCollector(readyProvider(sampleSnapshot()), slog.Default(), config.MetricsLevelEngine)
	families := gatherFamilies(t, c)

	assert.Nil(t, families["gpumon_gpu_up"])

	groups := families["gpumon_gpu_engine_group_utilization_percent"]
	v, ok := valueFor(t, groups, map[string]string{"card": "card0", "group": "video_encode"})
	require.True(t, ok)
	assert.Equal(t, 5.0, v)
	v, ok = valueFor(t, groups, map[string]string{"card": "card0", "group": "video_decode"})
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
	_, ok = valueFor(t, groups, map[string]string{"card": "card0", "group": "compute"})
	assert.False(t, ok)

	v, ok = valueFor(t, families["gpumon_gpu_engine_utilization_percent"], map[string]string{"engine": "rcs0", "class": "render"})
	require.True(t, ok)
	assert.Equal(t, 12.0, v)
	_, ok = valueFor(t, families["gpumon_gpu_engine_utilization_percent"], map[string]string{"engine": "bcs0"})
	assert.False(t, ok)

	busy := families["gpumon_gpu_engine_busy_seconds_total"]
	require.NotNil(t, busy)
	assert.Equal(t, dto.MetricType_COUNTER, busy.GetType())
	v, _ = valueFor(t, busy, map[string]string{"engine": "rcs0"})
	assert.Equal(t, 2.5, v)
}

func TestGPUCollector_ProcessMetrics(t *testing.T) {
	c := NewGPUCollector(readyProvider(sampleSnapshot()), slog.Default(), config.MetricsLevelProcess)
	families := gatherFamilies(t, c)

	v, ok := valueFor(t, families["gpumon_gpu_process_memory_used_bytes"],
		map[string]string{"card": "card0", "pid": "4242", "comm": "python", "type": "compute"})
	require.True(t, ok)
	assert.Equal(t, float64(1<<30), v)

	cpu := families["gpumon_process_cpu_ticks"]
	v, _ = valueFor(t, cpu, map[string]string{"pid": "4242", "mode": "utime"})
	assert.Equal(t, 30.0, v)
	assert.Len(t, cpu.GetMetric(), 8, "four modes for each of two processes")

	io := families["gpumon_process_io_bytes"]
	v, _ = valueFor(t, io, map[string]string{"pid": "4242", "direction": "read"})
	assert.Equal(t, 4096.0, v)
	_, ok = valueFor(t, io, map[string]string{"pid": "4343"})
	assert.False(t, ok, "no io series when io is unreadable")
}

func TestGPUCollector_RepeatedProcessEntries(t *testing.T) {
	snap := sampleSnapshot()
	snap.Devices[0].Stats.Processes = []gpu.ProcessUsage{
		{PID: 42, Name: "trainer", UsedMemoryBytes: 10, Type: gpu.ProcessCompute},
		{PID: 42, Name: "trainer", UsedMemoryBytes: 20, Type: gpu.ProcessCompute},
	}
	c := NewGPUCollector(readyProvider(snap), slog.Default(), config.MetricsLevelProcess)
	families := gatherFamilies(t, c)

	mem := families["gpumon_gpu_process_memory_used_bytes"]
	require.Len(t, mem.GetMetric(), 1)
	v, ok := valueFor(t, mem, map[string]string{"pid": "42", "type": "compute"})
	require.True(t, ok)
	assert.Equal(t, 30.0, v)
}

func TestGPUCollector_Describe(t *testing.T) {
	dp := &MockDataProvider{}

	count := func(level config.Level) int {
		ch := make(chan *prometheus.Desc, 64)
		NewGPUCollector(dp, slog.Default(), level).Describe(ch)
		close(ch)
		n := 0
		for range ch {
			n++
		}
		return n
	}

	assert.Equal(t, 1+17, count(config.MetricsLevelDevice))
	assert.Equal(t, 1+3, count(config.MetricsLevelEngine))
	assert.Equal(t, 1+3, count(config.MetricsLevelProcess))
	assert.Equal(t, 1+17+3+3, count(config.MetricsLevelAll))
}

func TestGPUInfoCollector(t *testing.T) {
	c := NewGPUInfoCollector(readyProvider(sampleSnapshot()), slog.Default())

	expected := `
# HELP gpumon_gpu_info GPU device information for mapping card to bus id and name
# TYPE gpumon_gpu_info gauge
gpumon_gpu_info{card="card0",driver_version="550.54.14",name="TU116 [GeForce GTX 1660 SUPER]",pci_bus_id="0000:01:00.0",platform="",vbios_version="",vendor="nvidia"} 1
gpumon_gpu_info{card="card1",driver_version="",name="Intel GPU",pci_bus_id="0000:00:02.0",platform="Alder Lake-P",vbios_version="",vendor="intel"} 1
gpumon_gpu_info{card="card2",driver_version="",name="AMD GPU",pci_bus_id="0000:03:00.0",platform="",vbios_version="",vendor="amd"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "gpumon_gpu_info"))

	t.Run("not ready", func(t *testing.T) {
		dp := &MockDataProvider{}
		dp.On("Ready").Return(false)
		assert.Equal(t, 0, testutil.CollectAndCount(NewGPUInfoCollector(dp, slog.Default())))
	})
}
