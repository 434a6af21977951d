// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"log/slog"
	"sort"

	"github.com/prometheus/procfs"
)

// Deltas holds the per-interval increase of every field for one PID
type Deltas [numFields]uint64

// Get returns the delta of a single field
func (d Deltas) Get(f Field) uint64 {
	if !f.valid() {
		return 0
	}
	return d[f]
}

// ProcessDeltas is the sampled result for one PID
type ProcessDeltas struct {
	PID    int
	Comm   string
	Deltas Deltas
	// IOAvailable is false when /proc/<pid>/io could not be read
	IOAvailable bool
}

// procCounters wraps the procfs.Proc methods the sampler needs
type procCounters interface {
	Comm() (string, error)
	Stat() (procfs.ProcStat, error)
	IO() (procfs.ProcIO, error)
}

type procSource interface {
	Proc(pid int) (procCounters, error)
}

type procFS struct {
	fs procfs.FS
}

func (p procFS) Proc(pid int) (procCounters, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Sampler reads CPU tick and I/O byte counters from procfs for the PIDs it
// is given and feeds them through an Engine
type Sampler struct {
	engine *Engine
	source procSource
	logger *slog.Logger
}

// NewSampler creates a sampler reading from the procfs mounted at procfsPath
func NewSampler(procfsPath string, engine *Engine, logger *slog.Logger) (*Sampler, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, err
	}
	return newSampler(procFS{fs: fs}, engine, logger), nil
}

func newSampler(src procSource, engine *Engine, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = NewEngine(logger)
	}
	return &Sampler{
		engine: engine,
		source: src,
		logger: logger.With("service", "delta-sampler"),
	}
}

// Engine returns the engine backing the sampler
func (s *Sampler) Engine() *Engine {
	return s.engine
}

// Sample computes deltas for pids. PIDs whose stat cannot be read are
// skipped, and state for every PID not sampled successfully is dropped.
func (s *Sampler) Sample(pids []int) []ProcessDeltas {
	out := make([]ProcessDeltas, 0, len(pids))
	alive := make([]int, 0, len(pids))

	for _, pid := range pids {
		proc, err := s.source.Proc(pid)
		if err != nil {
			s.logger.Debug("process gone", "pid", pid, "error", err)
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			s.logger.Debug("failed to read process stat", "pid", pid, "error", err)
			continue
		}

		pd := ProcessDeltas{PID: pid, Comm: stat.Comm}
		if comm, err := proc.Comm(); err == nil && comm != "" {
			pd.Comm = comm
		}

		d := &pd.Deltas
		d[UTime] = s.engine.ComputeDelta(pid, UTime, uint64(stat.UTime))
		d[STime] = s.engine.ComputeDelta(pid, STime, uint64(stat.STime))
		d[CUTime] = s.engine.ComputeDelta(pid, CUTime, nonNegative(int64(stat.CUTime)))
		d[CSTime] = s.engine.ComputeDelta(pid, CSTime, nonNegative(int64(stat.CSTime)))

		if pio, err := proc.IO(); err == nil {
			pd.IOAvailable = true
			d[ReadBytes] = s.engine.ComputeDelta(pid, ReadBytes, pio.ReadBytes)
			d[WriteBytes] = s.engine.ComputeDelta(pid, WriteBytes, pio.WriteBytes)
			d[CancelledWriteBytes] = s.engine.ComputeDelta(pid, CancelledWriteBytes, nonNegative(pio.CancelledWriteBytes))
		} else {
			s.logger.Debug("process io unavailable", "pid", pid, "error", err)
		}

		alive = append(alive, pid)
		out = append(out, pd)
	}

	if removed := s.engine.Retain(alive); removed > 0 {
		s.logger.Debug("dropped exited processes", "count", removed)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
