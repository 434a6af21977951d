// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalHandlerRun(t *testing.T) {
	t.Run("returns when context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sh := NewSignalHandler(nil, syscall.SIGINT)

		errCh := make(chan error)
		go func() {
			errCh <- sh.Run(ctx)
		}()

		cancel()

		var err error
		select {
		case err = <-errCh:
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}

		assert.Equal(t, context.Canceled, err)
	})

	t.Run("returns nil on signal", func(t *testing.T) {
		// catch SIGUSR1 here too so an early signal cannot kill the test binary
		guard := make(chan os.Signal, 1)
		signal.Notify(guard, syscall.SIGUSR1)
		defer signal.Stop(guard)

		sh := NewSignalHandler(nil, syscall.SIGUSR1)
		assert.Equal(t, "signal-handler", sh.Name())

		errCh := make(chan error)
		go func() {
			errCh <- sh.Run(context.Background())
		}()

		// keep signalling until Run has installed its handler
		deadline := time.After(2 * time.Second)
		for {
			require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
			select {
			case err := <-errCh:
				assert.NoError(t, err)
				return
			case <-time.After(20 * time.Millisecond):
			case <-deadline:
				t.Fatal("Run did not return after signal")
			}
		}
	})
}
