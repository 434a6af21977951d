// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
	"slices"
)

// Init initializes every Initializer in the given order. When one fails, the
// services already initialized are shut down newest first and the init error
// is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	done := make([]Service, 0, len(services))
	for _, s := range services {
		initializer, ok := s.(Initializer)
		if !ok {
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := initializer.Init(); err != nil {
			logger.Error("Service failed to initialize, rolling back",
				"service", s.Name(), "initialized", len(done), "error", err)
			rollback(logger, done)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		done = append(done, s)
	}

	logger.Debug("Services initialized", "count", len(done))
	return nil
}

// rollback shuts services down newest first: exporters and handlers go before
// the monitor they read from
func rollback(logger *slog.Logger, services []Service) {
	for _, s := range slices.Backward(services) {
		shutdown(logger, s)
	}
}

// shutdown calls Shutdown on services implementing Shutdowner. Errors are
// logged only.
func shutdown(logger *slog.Logger, s Service) {
	sd, ok := s.(Shutdowner)
	if !ok {
		return
	}

	logger.Info("Shutting down service", "service", s.Name())
	if err := sd.Shutdown(); err != nil {
		logger.Warn("Service shutdown failed", "service", s.Name(), "error", err)
	}
}
