// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"log/slog"
	"sync"
)

// StatsReader reads a snapshot for one device; Registry implements it
type StatsReader interface {
	ReadStatsFor(d Device) (Stats, error)
}

// Selector picks the "best" GPU to follow and fails over when it stops
// answering.
//
// Candidates are probed in vendor priority order. The first device reporting
// non-zero utilization wins straight away; otherwise the first device that
// could be read at all is kept.
type Selector struct {
	reader StatsReader
	logger *slog.Logger

	mu      sync.Mutex
	current *Device
}

func NewSelector(reader StatsReader, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		reader: reader,
		logger: logger.With("service", "gpu-selector"),
	}
}

// Select runs selection over devices and remembers the result
func (s *Selector) Select(devices []Device) (Device, Stats, error) {
	candidates := cloneDevices(devices)
	SortByPriority(candidates)

	var (
		fallback      *Device
		fallbackStats Stats
	)
	for i := range candidates {
		d := candidates[i]
		stats, err := s.reader.ReadStatsFor(d)
		if err != nil {
			s.logger.Debug("GPU candidate unreadable", "device", d.String(), "error", err)
			continue
		}
		if stats.UtilizationPercent > 0 {
			s.setCurrent(&d)
			return d, stats, nil
		}
		if fallback == nil {
			fallback = &d
			fallbackStats = stats
		}
	}

	s.setCurrent(fallback)
	if fallback == nil {
		return Device{}, NewStats(), ErrNoDevice
	}
	return *fallback, fallbackStats, nil
}

// Read returns stats for the selected device. When that read fails,
// selection runs again over the full device list.
func (s *Selector) Read(devices []Device) (Device, Stats, error) {
	if cur, ok := s.Current(); ok {
		stats, err := s.reader.ReadStatsFor(cur)
		if err == nil {
			return cur, stats, nil
		}
		s.logger.Info("selected GPU failed, reselecting", "device", cur.String(), "error", err)
	}
	return s.Select(devices)
}

// Current returns the selected device, if any
func (s *Selector) Current() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Device{}, false
	}
	return *s.current, true
}

// Reset forgets the selected device
func (s *Selector) Reset() {
	s.setCurrent(nil)
}

func (s *Selector) setCurrent(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == nil {
		s.current = nil
		return
	}
	cp := *d
	s.current = &cp
}
