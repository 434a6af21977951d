// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"errors"
	"fmt"

	"github.com/sustainable-computing-io/gpumon/internal/service"
)

var (
	// ErrNoData is returned by a backend when a read produced no usable field
	ErrNoData = errors.New("no telemetry available")

	// ErrNoBackend is returned when no registered backend supports a device
	ErrNoBackend = errors.New("no backend supports device")

	// ErrNoDevice is returned by selection when no device can be read
	ErrNoDevice = errors.New("no readable GPU device")
)

// Backend reads telemetry for the devices of one vendor.
//
// Init failing is not fatal: the backend then reports Supports == false for
// every device. ReadStats returns ErrNoData rather than a snapshot in which
// no field was populated.
type Backend interface {
	service.Service     // Name()
	service.Initializer // Init()
	service.Shutdowner  // Shutdown()

	// Vendor returns the vendor this backend handles
	Vendor() Vendor

	// Supports reports whether this backend can read the device right now
	Supports(d Device) bool

	// ReadStats returns a snapshot for the device
	ReadStats(d Device) (Stats, error)
}

// ProcessReader is implemented by backends that can list per-process GPU memory
type ProcessReader interface {
	ProcessUsages(d Device) ([]ProcessUsage, error)
}

// ReadError records which backend failed to read which device
type ReadError struct {
	Device  Device
	Backend string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: failed to read %s: %v", e.Backend, e.Device, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
