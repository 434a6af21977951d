// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"k8s.io/utils/clock"
)

type Opts struct {
	logger       *slog.Logger
	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration
	refreshEvery int
	processes    bool
	sampler      *delta.Sampler
}

// DefaultOpts returns the options used when none are given
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		interval:     2 * time.Second,
		clock:        clock.RealClock{},
		maxStaleness: 500 * time.Millisecond,
		refreshEvery: 30,
		processes:    true,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithInterval sets the collection interval; 0 collects only on demand
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithLogger sets the logger for the GPUMonitor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock the GPUMonitor
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMaxStaleness sets the age after which Snapshot recollects
func WithMaxStaleness(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.maxStaleness = d
	}
}

// WithRefreshEvery re-enumerates devices every n collections; 0 disables it
func WithRefreshEvery(n int) OptionFn {
	return func(o *Opts) {
		o.refreshEvery = n
	}
}

// WithProcesses toggles per-process GPU memory collection
func WithProcesses(enabled bool) OptionFn {
	return func(o *Opts) {
		o.processes = enabled
	}
}

// WithProcessSampler sets the sampler used for CPU and I/O deltas of GPU processes
func WithProcessSampler(s *delta.Sampler) OptionFn {
	return func(o *Opts) {
		o.sampler = s
	}
}
