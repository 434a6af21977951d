// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type mockBackend struct {
	mock.Mock
	vendor Vendor
}

func newMockBackend(v Vendor) *mockBackend {
	return &mockBackend{vendor: v}
}

func (m *mockBackend) Name() string {
	return "mock-" + string(m.vendor)
}

func (m *mockBackend) Vendor() Vendor {
	return m.vendor
}

func (m *mockBackend) Init() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockBackend) Shutdown() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockBackend) Supports(d Device) bool {
	args := m.Called(d)
	return args.Bool(0)
}

func (m *mockBackend) ReadStats(d Device) (Stats, error) {
	args := m.Called(d)
	return args.Get(0).(Stats), args.Error(1)
}

type mockProcessBackend struct {
	*mockBackend
}

func (m mockProcessBackend) ProcessUsages(d Device) ([]ProcessUsage, error) {
	args := m.Called(d)
	return args.Get(0).([]ProcessUsage), args.Error(1)
}

type mockLister struct {
	mock.Mock
}

func (m *mockLister) Enumerate(ctx context.Context) ([]Device, error) {
	args := m.Called(ctx)
	if d := args.Get(0); d != nil {
		return d.([]Device), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeReader maps card names to canned results
type fakeReader struct {
	stats map[string]Stats
	calls []string
}

func (f *fakeReader) ReadStatsFor(d Device) (Stats, error) {
	f.calls = append(f.calls, d.Card)
	s, ok := f.stats[d.Card]
	if !ok {
		return NewStats(), ErrNoData
	}
	return s, nil
}

func statsWithUtil(util int) Stats {
	s := NewStats()
	s.UtilizationPercent = util
	return s
}
