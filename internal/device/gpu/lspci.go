// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Namer resolves a friendly device name from a PCI bus id
type Namer interface {
	Name(ctx context.Context, pciBusID string) (string, bool)
}

// CommandRunner runs an external command and returns its standard output
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// LspciNamer asks lspci for the device description. Every invocation is
// bounded by a timeout; a timeout or failure simply yields no name.
type LspciNamer struct {
	runner  CommandRunner
	timeout time.Duration
	logger  *slog.Logger
}

// LspciOptionFn configures an LspciNamer
type LspciOptionFn func(*LspciNamer)

// WithCommandRunner replaces the process runner, used in tests
func WithCommandRunner(r CommandRunner) LspciOptionFn {
	return func(n *LspciNamer) {
		n.runner = r
	}
}

// WithLspciLogger sets the logger
func WithLspciLogger(logger *slog.Logger) LspciOptionFn {
	return func(n *LspciNamer) {
		n.logger = logger.With("service", "lspci")
	}
}

// NewLspciNamer returns a Namer backed by `lspci -s <bus>`
func NewLspciNamer(timeout time.Duration, opts ...LspciOptionFn) *LspciNamer {
	n := &LspciNamer{
		runner:  execRunner{},
		timeout: timeout,
		logger:  slog.Default().With("service", "lspci"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *LspciNamer) Name(ctx context.Context, pciBusID string) (string, bool) {
	if pciBusID == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	out, err := n.runner.Output(ctx, "lspci", "-s", pciBusID)
	if err != nil {
		n.logger.Debug("lspci failed", "bus", pciBusID, "error", err)
		return "", false
	}
	return ParseLspciName(string(out))
}

// ParseLspciName extracts the product from an lspci line such as
//
//	01:00.0 VGA compatible controller: NVIDIA Corporation TU116 [GeForce GTX 1660 SUPER] (rev a1)
//
// The text after the second colon is kept, the revision suffix is dropped and
// the vendor prefix is shortened.
func ParseLspciName(output string) (string, bool) {
	line := strings.TrimSpace(output)
	if line == "" {
		return "", false
	}
	line, _, _ = strings.Cut(line, "\n")

	first := strings.Index(line, ":")
	if first <= 0 {
		return "", false
	}
	second := strings.Index(line[first+1:], ":")
	if second < 0 {
		return "", false
	}

	product := strings.TrimSpace(line[first+1+second+1:])
	if idx := strings.Index(product, " (rev "); idx > 0 {
		product = product[:idx]
	}
	product = strings.TrimSpace(normalizeVendorPrefix(product))
	return product, product != ""
}

var vendorPrefixes = []struct {
	match, replace string
}{
	{"NVIDIA Corporation ", ""},
	{"Advanced Micro Devices, Inc. [AMD/ATI] ", "AMD "},
	{"Intel Corporation ", "Intel "},
}

func normalizeVendorPrefix(product string) string {
	for _, p := range vendorPrefixes {
		if strings.Contains(product, p.match) {
			return strings.ReplaceAll(product, p.match, p.replace)
		}
	}
	return product
}
