// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/sustainable-computing-io/gpumon/internal/sysfs"
)

// cardPattern excludes connector nodes such as card0-HDMI-A-1
var cardPattern = regexp.MustCompile(`^card\d+$`)

// Enumerator discovers GPUs under <sysfs>/class/drm
type Enumerator struct {
	drmPath string
	namer   Namer
	logger  *slog.Logger
}

// EnumeratorOptionFn configures an Enumerator
type EnumeratorOptionFn func(*Enumerator)

// WithNamer enables name resolution through an external lookup such as lspci
func WithNamer(n Namer) EnumeratorOptionFn {
	return func(e *Enumerator) {
		e.namer = n
	}
}

// WithEnumeratorLogger sets the logger
func WithEnumeratorLogger(logger *slog.Logger) EnumeratorOptionFn {
	return func(e *Enumerator) {
		e.logger = logger.With("service", "gpu-enumerator")
	}
}

// NewEnumerator returns an Enumerator rooted at the given sysfs mount
func NewEnumerator(sysfsPath string, opts ...EnumeratorOptionFn) *Enumerator {
	e := &Enumerator{
		drmPath: filepath.Join(sysfsPath, "class", "drm"),
		logger:  slog.Default().With("service", "gpu-enumerator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enumerate lists the GPUs of known vendors. The result follows directory
// listing order; use SortByPriority for a deterministic order. A host without
// a DRM class directory has no GPUs and is not an error.
func (e *Enumerator) Enumerate(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir(e.drmPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Device{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", e.drmPath, err)
	}

	devices := []Device{}
	for _, entry := range entries {
		if !cardPattern.MatchString(entry.Name()) {
			continue
		}

		cardPath := filepath.Join(e.drmPath, entry.Name())
		devicePath := filepath.Join(cardPath, "device")
		if !sysfs.IsDir(devicePath) {
			continue
		}

		vendorID, _ := sysfs.ReadFirstLine(filepath.Join(devicePath, "vendor"))
		vendor := VendorFromPCIID(vendorID)
		if vendor == VendorUnknown {
			e.logger.Debug("skipping card of unknown vendor", "card", entry.Name(), "vendor", vendorID)
			continue
		}

		uevent, _ := sysfs.ReadKeyValues(filepath.Join(devicePath, "uevent"))
		busID := uevent["PCI_SLOT_NAME"]

		d := Device{
			Card:       entry.Name(),
			CardPath:   cardPath,
			DevicePath: devicePath,
			PCIBusID:   busID,
			Vendor:     vendor,
		}
		d.Name = e.resolveName(ctx, d, uevent)

		e.logger.Debug("found gpu", "card", d.Card, "vendor", d.Vendor, "bus", d.PCIBusID, "name", d.Name)
		devices = append(devices, d)
	}

	return devices, nil
}

// resolveName walks the naming fallbacks: product_name, lspci, the uevent
// driver and PCI id, and finally a generic vendor label.
func (e *Enumerator) resolveName(ctx context.Context, d Device, uevent map[string]string) string {
	if name, ok := sysfs.ReadFirstLine(filepath.Join(d.DevicePath, "product_name")); ok {
		return name
	}

	if e.namer != nil && d.PCIBusID != "" {
		if name, ok := e.namer.Name(ctx, d.PCIBusID); ok {
			return name
		}
	}

	if driver := uevent["DRIVER"]; driver != "" {
		if id := uevent["PCI_ID"]; id != "" {
			return fmt.Sprintf("%s (%s)", driver, id)
		}
		return driver
	}

	return d.Vendor.GenericName()
}

// SortByPriority orders devices by vendor priority and then by card name
func SortByPriority(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		pi, pj := devices[i].Vendor.Priority(), devices[j].Vendor.Priority()
		if pi != pj {
			return pi < pj
		}
		return cardLess(devices[i].Card, devices[j].Card)
	})
}

// cardLess compares card names numerically so card10 sorts after card2
func cardLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
