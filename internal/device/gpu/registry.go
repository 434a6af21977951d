// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// DeviceLister enumerates GPUs; Enumerator is the sysfs implementation
type DeviceLister interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// Registry holds the vendor backends in a fixed order together with the
// cached device list, and dispatches every read to the first backend that
// supports the device. There is no fallback to another vendor's backend.
type Registry struct {
	lister   DeviceLister
	backends []Backend
	logger   *slog.Logger

	mu         sync.RWMutex
	devices    []Device
	enumerated bool
}

// RegistryOptionFn configures a Registry
type RegistryOptionFn func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOptionFn {
	return func(r *Registry) {
		r.logger = logger.With("service", "gpu-registry")
	}
}

// NewRegistry creates a registry. Backends are ordered NVIDIA, AMD, Intel
// regardless of the order they are passed in.
func NewRegistry(lister DeviceLister, backends []Backend, opts ...RegistryOptionFn) *Registry {
	ordered := make([]Backend, len(backends))
	copy(ordered, backends)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Vendor().Priority() < ordered[j].Vendor().Priority()
	})

	r := &Registry{
		lister:   lister,
		backends: ordered,
		logger:   slog.Default().With("service", "gpu-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Name() string {
	return "gpu-registry"
}

// Init initializes every backend. A backend that fails stays registered but
// never supports a device. Init never returns an error: a host where no
// backend is usable is logged and then reports no readable GPU.
func (r *Registry) Init() error {
	var errs error
	ok := 0
	for _, b := range r.backends {
		if err := b.Init(); err != nil {
			r.logger.Warn("GPU backend unavailable", "backend", b.Name(), "vendor", b.Vendor(), "error", err)
			errs = errors.Join(errs, err)
			continue
		}
		r.logger.Info("GPU backend initialized", "backend", b.Name(), "vendor", b.Vendor())
		ok++
	}

	if ok == 0 && len(r.backends) != 0 {
		r.logger.Warn("no GPU backend could be initialized", "error", errs)
	}
	return nil
}

// Backends returns the backends in dispatch order
func (r *Registry) Backends() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Devices returns the device list, enumerating once on first use
func (r *Registry) Devices(ctx context.Context) ([]Device, error) {
	r.mu.RLock()
	if r.enumerated {
		out := cloneDevices(r.devices)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	return r.Refresh(ctx)
}

// Refresh re-enumerates devices, picking up hotplugged or removed GPUs
func (r *Registry) Refresh(ctx context.Context) ([]Device, error) {
	devices, err := r.lister.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enumerated && len(devices) != len(r.devices) {
		r.logger.Info("GPU device list changed", "before", len(r.devices), "after", len(devices))
	}
	r.devices = devices
	r.enumerated = true
	return cloneDevices(devices), nil
}

// BackendFor returns the first backend that supports the device
func (r *Registry) BackendFor(d Device) (Backend, bool) {
	for _, b := range r.backends {
		if b.Supports(d) {
			return b, true
		}
	}
	return nil, false
}

// ReadStatsFor reads a snapshot for the device from its backend
func (r *Registry) ReadStatsFor(d Device) (Stats, error) {
	b, ok := r.BackendFor(d)
	if !ok {
		return NewStats(), &ReadError{Device: d, Backend: "registry", Err: ErrNoBackend}
	}

	stats, err := b.ReadStats(d)
	if err != nil {
		return NewStats(), &ReadError{Device: d, Backend: b.Name(), Err: err}
	}
	stats.Sanitize()
	return stats, nil
}

// ProcessUsagesFor lists per-process GPU memory when the device's backend supports it
func (r *Registry) ProcessUsagesFor(d Device) ([]ProcessUsage, error) {
	b, ok := r.BackendFor(d)
	if !ok {
		return nil, &ReadError{Device: d, Backend: "registry", Err: ErrNoBackend}
	}
	pr, ok := b.(ProcessReader)
	if !ok {
		return nil, nil
	}
	return pr.ProcessUsages(d)
}

// Shutdown shuts down every backend
func (r *Registry) Shutdown() error {
	var errs error
	for _, b := range r.backends {
		if err := b.Shutdown(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func cloneDevices(in []Device) []Device {
	out := make([]Device, len(in))
	copy(out, in)
	return out
}
