// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sysfs

import (
	"path/filepath"
	"strconv"
	"strings"
)

// transfer rate per lane in GT/s for each PCIe generation
var pcieGenerations = []struct {
	rate float64
	gen  int
}{
	{2.5, 1},
	{5.0, 2},
	{8.0, 3},
	{16.0, 4},
	{32.0, 5},
	{64.0, 6},
}

// ParsePCIeGeneration maps a current_link_speed value such as
// "16.0 GT/s PCIe" to its PCIe generation
func ParsePCIeGeneration(speed string) (int, bool) {
	fields := strings.Fields(speed)
	if len(fields) == 0 {
		return 0, false
	}
	rate, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	for _, g := range pcieGenerations {
		if rate == g.rate {
			return g.gen, true
		}
	}
	return 0, false
}

// PCIeLink reads the negotiated link generation and width of a PCI device.
// Either value is -1 when the attribute is missing or unknown.
func PCIeLink(devicePath string) (gen, width int) {
	gen, width = -1, -1
	if speed, ok := ReadFirstLine(filepath.Join(devicePath, "current_link_speed")); ok {
		if g, ok := ParsePCIeGeneration(speed); ok {
			gen = g
		}
	}
	if w, ok := ReadInt(filepath.Join(devicePath, "current_link_width")); ok && w > 0 {
		width = int(w)
	}
	return gen, width
}
