// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/gpumon/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func serveMux(s *APIServer, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewAPIServer(t *testing.T) {
	tt := []struct {
		name      string
		opts      []OptionFn
		addrs     []string
		webConfig string
	}{{
		name:  "defaults",
		addrs: []string{config.DefaultListenAddress},
	}, {
		name:  "listen addresses",
		opts:  []OptionFn{WithListenAddress([]string{":9400", "[::1]:9400"})},
		addrs: []string{":9400", "[::1]:9400"},
	}, {
		name: "logger and web config",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "server")),
			WithWebConfig("/etc/gpumon/web.yaml"),
		},
		addrs:     []string{config.DefaultListenAddress},
		webConfig: "/etc/gpumon/web.yaml",
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			s := NewAPIServer(tc.opts...)
			assert.Equal(t, "api-server", s.Name())
			assert.Equal(t, tc.addrs, s.listenAddrs)
			assert.Equal(t, tc.webConfig, s.webConfigFile)
			assert.NotNil(t, s.logger)
		})
	}
}

func TestAPIServer_InitWithoutListenAddress(t *testing.T) {
	err := NewAPIServer(WithListenAddress(nil)).Init()
	assert.ErrorContains(t, err, "no listening address provided")
}

func TestAPIServer_LandingPage(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Init())

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	require.NoError(t, s.Register("/metrics", "Metrics", "Prometheus GPU metrics", ok))
	require.NoError(t, s.Register("/api/v1/gpus", "GPUs", "Latest GPU snapshot as JSON", ok))

	rec := serveMux(s, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	page := rec.Body.String()
	assert.Contains(t, page, "<h1>gpumon</h1>")
	assert.Contains(t, page, `<a href="/metrics"> Metrics </a> Prometheus GPU metrics`)
	assert.Contains(t, page, `<a href="/api/v1/gpus"> GPUs </a> Latest GPU snapshot as JSON`)

	assert.Equal(t, "ok", serveMux(s, "/metrics").Body.String())
	assert.Equal(t, "ok", serveMux(s, "/api/v1/gpus").Body.String())
	assert.Equal(t, http.StatusNotFound, serveMux(s, "/api/v1/gpu").Code)
}

func TestAPIServer_RegisterSubtree(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Register("/debug/pprof/", "pprof", "profiles", http.NotFoundHandler()))

	_, pattern := s.mux.Handler(httptest.NewRequest(http.MethodGet, "/debug/pprof/heap", nil))
	assert.Equal(t, "/debug/pprof/", pattern)
}

func TestAPIServer_RunServesUntilCanceled(t *testing.T) {
	addr := freeAddr(t)
	s := NewAPIServer(WithListenAddress([]string{addr}))
	require.NoError(t, s.Init())
	require.NoError(t, s.Register("/healthz", "Health", "liveness", http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	require.Eventually(t, func() bool {
		resp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, s.Shutdown())
}

func TestAPIServer_RunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewAPIServer(WithListenAddress([]string{freeAddr(t)})).Run(ctx))
}

func TestAPIServer_PortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	s := NewAPIServer(WithListenAddress([]string{l.Addr().String()}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = s.Run(ctx)
	assert.ErrorContains(t, err, "in use")
}

func TestAPIServer_MissingWebConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "web.yaml")
	s := NewAPIServer(
		WithListenAddress([]string{freeAddr(t)}),
		WithWebConfig(missing),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorContains(t, err, "no such file")
}

func TestAPIServer_ShutdownWithoutRun(t *testing.T) {
	assert.NoError(t, NewAPIServer().Shutdown())
}
