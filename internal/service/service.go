// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the interface that all services must implement
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that must be initialized before Run
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that run in the background
type Runner interface {
	Service
	// Run runs the service and is expected to block and be thread safe
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release
type Shutdowner interface {
	Service
	// Shutdown shuts down the service
	Shutdown() error
}

// ReadyChecker is implemented by services that only serve data after a
// warm-up, such as the monitor before its first snapshot
type ReadyChecker interface {
	Service
	Ready() bool
}

// NotReady returns the names of services implementing ReadyChecker that are
// not ready yet. An empty result means everything is ready.
func NotReady(services ...Service) []string {
	var pending []string
	for _, s := range services {
		rc, ok := s.(ReadyChecker)
		if !ok {
			continue
		}
		if !rc.Ready() {
			pending = append(pending, s.Name())
		}
	}
	return pending
}
