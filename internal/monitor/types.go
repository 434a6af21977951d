// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"encoding/json"
	"time"

	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
)

// DeviceStats is the result of reading one device during a collection
type DeviceStats struct {
	Device gpu.Device
	Stats  gpu.Stats
	// Err is set when the device could not be read; Stats then holds sentinels
	Err error
}

// MarshalJSON renders Err as a string
func (ds DeviceStats) MarshalJSON() ([]byte, error) {
	out := struct {
		Device gpu.Device `json:"device"`
		Stats  gpu.Stats  `json:"stats"`
		Error  string     `json:"error,omitempty"`
	}{
		Device: ds.Device,
		Stats:  ds.Stats,
	}
	if ds.Err != nil {
		out.Error = ds.Err.Error()
	}
	return json.Marshal(out)
}

// OK reports whether the device was read successfully
func (ds DeviceStats) OK() bool {
	return ds.Err == nil
}

// Snapshot is the result of one collection over every known GPU
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Devices   []DeviceStats `json:"devices"`
	// Selected is the device currently followed by selection, nil if none is readable
	Selected *gpu.Device `json:"selected,omitempty"`
	// Processes holds CPU and I/O deltas for the processes using a GPU
	Processes []delta.ProcessDeltas `json:"processes,omitempty"`
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Devices: []DeviceStats{},
	}
}

// SelectedStats returns the stats of the selected device
func (s *Snapshot) SelectedStats() (DeviceStats, bool) {
	if s.Selected == nil {
		return DeviceStats{}, false
	}
	for _, ds := range s.Devices {
		if ds.Device.CardPath == s.Selected.CardPath {
			return ds, true
		}
	}
	return DeviceStats{}, false
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	clone := &Snapshot{
		Timestamp: s.Timestamp,
		Devices:   make([]DeviceStats, len(s.Devices)),
	}
	for i, ds := range s.Devices {
		ds.Stats = cloneStats(ds.Stats)
		clone.Devices[i] = ds
	}
	if s.Selected != nil {
		sel := *s.Selected
		clone.Selected = &sel
	}
	if s.Processes != nil {
		clone.Processes = make([]delta.ProcessDeltas, len(s.Processes))
		copy(clone.Processes, s.Processes)
	}
	return clone
}

func cloneStats(st gpu.Stats) gpu.Stats {
	if st.EngineStats != nil {
		engines := make([]gpu.EngineStats, len(st.EngineStats))
		copy(engines, st.EngineStats)
		st.EngineStats = engines
	}
	if st.Processes != nil {
		procs := make([]gpu.ProcessUsage, len(st.Processes))
		copy(procs, st.Processes)
		st.Processes = procs
	}
	return st
}
