// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
)

// gpuInfoCollector exports one constant series per GPU carrying its identity
type gpuInfoCollector struct {
	dp     DataProvider
	logger *slog.Logger
	desc   *prom.Desc
}

// NewGPUInfoCollector creates a collector exporting GPU device information
func NewGPUInfoCollector(dp DataProvider, logger *slog.Logger) *gpuInfoCollector {
	return &gpuInfoCollector{
		dp:     dp,
		logger: logger.With("collector", "gpu_info"),
		desc: prom.NewDesc(
			prom.BuildFQName(gpumonNS, gpuSubsystem, "info"),
			"GPU device information for mapping card to bus id and name",
			[]string{cardLabel, busIDLabel, vendorLabel, nameLabel, "driver_version", "vbios_version", "platform"},
			nil,
		),
	}
}

func (c *gpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *gpuInfoCollector) Collect(ch chan<- prom.Metric) {
	if !c.dp.Ready() {
		return
	}

	snapshot, err := c.dp.Snapshot()
	if err != nil {
		c.logger.Error("Failed to collect GPU info", "error", err)
		return
	}
	c.collectGPUInfo(ch, snapshot.Devices)
}

func (c *gpuInfoCollector) collectGPUInfo(ch chan<- prom.Metric, devices []monitor.DeviceStats) {
	for _, ds := range devices {
		d := ds.Device
		ch <- prom.MustNewConstMetric(
			c.desc,
			prom.GaugeValue,
			1,
			d.Card, d.PCIBusID, string(d.Vendor), d.Name,
			ds.Stats.DriverVersion, ds.Stats.VBIOSVersion, ds.Stats.PlatformName,
		)
	}
}
