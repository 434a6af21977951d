// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"log/slog"
	"sync"
)

// Field identifies one monotonic per-process counter
type Field int

const (
	UTime Field = iota
	STime
	CUTime
	CSTime
	ReadBytes
	WriteBytes
	CancelledWriteBytes

	numFields
)

var fieldNames = [numFields]string{
	UTime:               "utime",
	STime:               "stime",
	CUTime:              "cutime",
	CSTime:              "cstime",
	ReadBytes:           "read_bytes",
	WriteBytes:          "write_bytes",
	CancelledWriteBytes: "cancelled_write_bytes",
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "unknown"
	}
	return fieldNames[f]
}

func (f Field) valid() bool {
	return f >= 0 && f < numFields
}

// ParseField maps a counter name such as "read_bytes" to its Field
func ParseField(name string) (Field, bool) {
	for i, n := range fieldNames {
		if n == name {
			return Field(i), true
		}
	}
	return 0, false
}

// Fields returns every tracked field in declaration order
func Fields() []Field {
	out := make([]Field, 0, numFields)
	for f := Field(0); f < numFields; f++ {
		out = append(out, f)
	}
	return out
}

type counter struct {
	last uint64
	seen bool
}

// ProcessDeltaData holds the last observed value of every field for one PID
type ProcessDeltaData struct {
	counters [numFields]counter
}

// Engine turns cumulative per-process counters into per-interval deltas.
//
// The first observation of a (pid, field) pair yields 0. A value lower than
// the previous one means the counter was reset or the PID was reused; the
// engine yields 0 and rebases on the new value.
type Engine struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[int]*ProcessDeltaData
}

// NewEngine creates an empty delta engine
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With("service", "delta"),
		procs:  make(map[int]*ProcessDeltaData),
	}
}

// ComputeDelta records current for (pid, f) and returns the increase since
// the previous observation
func (e *Engine) ComputeDelta(pid int, f Field, current uint64) uint64 {
	if !f.valid() {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computeLocked(pid, f, current)
}

// ComputeDeltaByName is ComputeDelta keyed by the counter's /proc name.
// Unknown names yield 0.
func (e *Engine) ComputeDeltaByName(pid int, name string, current uint64) uint64 {
	f, ok := ParseField(name)
	if !ok {
		e.logger.Warn("unknown counter field", "pid", pid, "field", name)
		return 0
	}
	return e.ComputeDelta(pid, f, current)
}

func (e *Engine) computeLocked(pid int, f Field, current uint64) uint64 {
	data, ok := e.procs[pid]
	if !ok {
		data = &ProcessDeltaData{}
		e.procs[pid] = data
	}

	c := &data.counters[f]
	var delta uint64
	if c.seen && current >= c.last {
		delta = current - c.last
	}
	c.last = current
	c.seen = true
	return delta
}

// Reset forgets everything recorded for pid
func (e *Engine) Reset(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.procs, pid)
}

// Retain drops every PID that is not in alive and returns how many were removed
func (e *Engine) Retain(alive []int) int {
	keep := make(map[int]struct{}, len(alive))
	for _, pid := range alive {
		keep[pid] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for pid := range e.procs {
		if _, ok := keep[pid]; !ok {
			delete(e.procs, pid)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked PIDs
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}
