// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/service"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// DeviceSource enumerates GPUs and reads them through the vendor backends;
// gpu.Registry implements it
type DeviceSource interface {
	service.Initializer
	service.Shutdowner
	Devices(ctx context.Context) ([]gpu.Device, error)
	Refresh(ctx context.Context) ([]gpu.Device, error)
	ReadStatsFor(d gpu.Device) (gpu.Stats, error)
	ProcessUsagesFor(d gpu.Device) ([]gpu.ProcessUsage, error)
}

type DataProvider interface {
	// Snapshot returns the current GPU data
	Snapshot() (*Snapshot, error)

	// DataChannel returns a channel that signals when new data is available
	DataChannel() <-chan struct{}

	// Ready reports whether a snapshot has been collected
	Ready() bool
}

// Service defines the interface for the GPU monitoring service
type Service interface {
	service.Service
	DataProvider
}

// GPUMonitor periodically reads every GPU and publishes the result as an
// immutable Snapshot
type GPUMonitor struct {
	logger  *slog.Logger
	source  DeviceSource
	sampler *delta.Sampler

	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration
	refreshEvery int
	processes    bool

	// signals when a snapshot has been updated
	dataCh chan struct{}

	computeGroup singleflight.Group
	snapshot     atomic.Pointer[Snapshot]

	// owned by the singleflight compute function
	selector    *gpu.Selector
	collected   *collectedReader
	devices     []gpu.Device
	collections int

	collectionCtx    context.Context
	collectionCancel context.CancelFunc
}

var (
	_ Service             = (*GPUMonitor)(nil)
	_ service.Initializer = (*GPUMonitor)(nil)
	_ service.Runner      = (*GPUMonitor)(nil)
	_ service.Shutdowner  = (*GPUMonitor)(nil)
)

// NewGPUMonitor creates a monitor reading devices from source
func NewGPUMonitor(source DeviceSource, applyOpts ...OptionFn) *GPUMonitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.logger.With("service", "monitor")
	collected := &collectedReader{fallback: source}

	return &GPUMonitor{
		logger:           logger,
		source:           source,
		sampler:          opts.sampler,
		interval:         opts.interval,
		clock:            opts.clock,
		maxStaleness:     opts.maxStaleness,
		refreshEvery:     opts.refreshEvery,
		processes:        opts.processes,
		dataCh:           make(chan struct{}, 1),
		selector:         gpu.NewSelector(collected, opts.logger),
		collected:        collected,
		collectionCtx:    ctx,
		collectionCancel: cancel,
	}
}

func (m *GPUMonitor) Name() string {
	return "monitor"
}

// Init initializes the vendor backends, enumerates devices and picks the
// device to follow
func (m *GPUMonitor) Init() error {
	if err := m.source.Init(); err != nil {
		return fmt.Errorf("failed to initialize GPU backends: %w", err)
	}

	// an unreadable /sys/class/drm leaves the daemon serving an empty device
	// list; hotplug refreshes retry the enumeration
	devices, err := m.source.Devices(m.collectionCtx)
	if err != nil {
		m.logger.Warn("GPU enumeration failed, continuing without devices", "error", err)
		devices = nil
	}
	m.devices = devices
	m.logger.Info("GPUs discovered", "count", len(devices))
	for _, d := range devices {
		m.logger.Info("GPU", "device", d.String(), "card", d.Card)
	}

	if d, _, err := m.selector.Select(devices); err == nil {
		m.logger.Info("Selected GPU", "device", d.String())
	} else {
		m.logger.Warn("No readable GPU", "error", err)
	}

	// signal now so that exporters can construct descriptors
	m.signalNewData()
	return nil
}

func (m *GPUMonitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor is running...")
	m.collectionLoop()
	<-ctx.Done()
	m.collectionCancel()
	m.logger.Info("Monitor has terminated.")
	return nil
}

func (m *GPUMonitor) Shutdown() error {
	m.logger.Info("shutting down monitor")
	m.collectionCancel()
	return m.source.Shutdown()
}

func (m *GPUMonitor) DataChannel() <-chan struct{} {
	return m.dataCh
}

// Ready reports whether at least one collection has completed
func (m *GPUMonitor) Ready() bool {
	return m.snapshot.Load() != nil
}

// Snapshot returns a copy of the latest snapshot, collecting first when it
// is older than the configured staleness
func (m *GPUMonitor) Snapshot() (*Snapshot, error) {
	if err := m.ensureFreshData(); err != nil {
		return nil, err
	}

	snapshot := m.snapshot.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("failed to get snapshot")
	}
	return snapshot.Clone(), nil
}

func (m *GPUMonitor) signalNewData() {
	select {
	case m.dataCh <- struct{}{}:
		m.logger.Debug("Data channel updated")
	default:
		m.logger.Debug("Data channel is full")
	}
}

func (m *GPUMonitor) collectionLoop() {
	if err := m.synchronizedRefresh(); err != nil {
		m.logger.Error("Failed to collect initial GPU data", "error", err)
	}

	if m.interval > 0 {
		m.scheduleNextCollection()
	}
}

func (m *GPUMonitor) scheduleNextCollection() {
	timer := m.clock.After(m.interval)
	go func() {
		select {
		case <-timer:
			if err := m.synchronizedRefresh(); err != nil {
				m.logger.Error("Failed to collect GPU data", "error", err)
			}
			m.scheduleNextCollection()

		case <-m.collectionCtx.Done():
			m.logger.Info("Collection loop terminated")
			return
		}
	}()
}

func (m *GPUMonitor) ensureFreshData() error {
	if m.isFresh() {
		return nil
	}
	return m.synchronizedRefresh()
}

// synchronizedRefresh collects a new snapshot; concurrent callers share a
// single collection
func (m *GPUMonitor) synchronizedRefresh() error {
	_, err, _ := m.computeGroup.Do("compute", func() (any, error) {
		// a caller that waited on another collection finds the data fresh
		if m.isFresh() {
			return nil, nil
		}
		return nil, m.refreshSnapshot()
	})
	return err
}

func (m *GPUMonitor) isFresh() bool {
	snapshot := m.snapshot.Load()
	if snapshot == nil || snapshot.Timestamp.IsZero() {
		return false
	}

	age := m.clock.Now().Sub(snapshot.Timestamp)
	return age <= m.maxStaleness
}

func (m *GPUMonitor) refreshSnapshot() error {
	started := m.clock.Now()
	defer func() {
		m.logger.Debug("Collected GPU data", "duration", m.clock.Since(started))
	}()

	m.collections++
	if m.refreshEvery > 0 && m.collections%m.refreshEvery == 0 {
		m.refreshDevices()
	}

	snap := NewSnapshot()
	byCard := make(map[string]DeviceStats, len(m.devices))
	for _, d := range m.devices {
		ds := m.readDevice(d)
		snap.Devices = append(snap.Devices, ds)
		byCard[d.CardPath] = ds
	}

	m.collected.current = byCard
	if d, _, err := m.selector.Read(m.devices); err == nil {
		snap.Selected = &d
	} else if !errors.Is(err, gpu.ErrNoDevice) {
		m.logger.Warn("GPU selection failed", "error", err)
	}

	if m.sampler != nil {
		snap.Processes = m.sampler.Sample(gpuPIDs(snap.Devices))
	}

	snap.Timestamp = m.clock.Now()
	m.snapshot.Store(snap)
	m.signalNewData()
	m.logger.Debug("refreshSnapshot", "devices", len(snap.Devices), "processes", len(snap.Processes))
	return nil
}

func (m *GPUMonitor) refreshDevices() {
	devices, err := m.source.Refresh(m.collectionCtx)
	if err != nil {
		m.logger.Warn("GPU re-enumeration failed, keeping previous list", "error", err)
		return
	}
	if len(devices) != len(m.devices) {
		m.selector.Reset()
	}
	m.devices = devices
}

func (m *GPUMonitor) readDevice(d gpu.Device) DeviceStats {
	stats, err := m.source.ReadStatsFor(d)
	if err != nil {
		m.logger.Debug("GPU read failed", "device", d.String(), "error", err)
		return DeviceStats{Device: d, Stats: stats, Err: err}
	}

	if m.processes {
		procs, err := m.source.ProcessUsagesFor(d)
		if err != nil {
			m.logger.Debug("GPU process listing failed", "device", d.String(), "error", err)
		}
		stats.Processes = procs
	}
	return DeviceStats{Device: d, Stats: stats}
}

func gpuPIDs(devices []DeviceStats) []int {
	seen := map[int]struct{}{}
	for _, ds := range devices {
		for _, p := range ds.Stats.Processes {
			seen[int(p.PID)] = struct{}{}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// collectedReader answers selection reads from the current collection so a
// device is read once per interval
type collectedReader struct {
	fallback gpu.StatsReader
	current  map[string]DeviceStats
}

func (r *collectedReader) ReadStatsFor(d gpu.Device) (gpu.Stats, error) {
	if ds, ok := r.current[d.CardPath]; ok {
		return ds.Stats, ds.Err
	}
	return r.fallback.ReadStatsFor(d)
}
