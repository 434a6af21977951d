// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oklog/run"
)

// Run runs every Runner as an actor of one oklog run group and blocks until
// the first of them returns. That stops the others, each of which is then
// shut down if it is a Shutdowner. The error of the first runner is returned.
func Run(ctx context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	runners := 0
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			continue
		}
		runners++

		g.Add(func() error {
			logger.Info("Running service", "service", s.Name())
			return r.Run(ctx)
		}, func(err error) {
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Service stopped", "service", s.Name(), "reason", err)
			}
			shutdown(logger, s)
		})
	}

	logger.Info("Running services", "runners", runners)
	return g.Run()
}
