// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// journal records lifecycle calls of all fakes sharing it, in call order
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) record(event, name string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event+" "+name)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

// fakeService only has a name, like the HTTP handlers
type fakeService struct {
	name string
	log  *journal
}

func (f *fakeService) Name() string { return f.name }

// fakeInitializer has Init but no Shutdown
type fakeInitializer struct {
	fakeService
	initErr error
}

func (f *fakeInitializer) Init() error {
	f.log.record("init", f.name)
	return f.initErr
}

// fakeRunner has Run but no Shutdown. A nil run blocks until the context ends.
type fakeRunner struct {
	fakeService
	run func(ctx context.Context) error
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.log.record("run", f.name)
	if f.run != nil {
		return f.run(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakeComponent has the full lifecycle of the monitor and the exporters
type fakeComponent struct {
	fakeRunner
	initErr     error
	shutdownErr error
}

func (f *fakeComponent) Init() error {
	f.log.record("init", f.name)
	return f.initErr
}

func (f *fakeComponent) Shutdown() error {
	f.log.record("shutdown", f.name)
	return f.shutdownErr
}

func component(log *journal, name string) *fakeComponent {
	return &fakeComponent{fakeRunner: fakeRunner{fakeService: fakeService{name: name, log: log}}}
}

var (
	_ Initializer = (*fakeInitializer)(nil)
	_ Runner      = (*fakeRunner)(nil)
	_ Initializer = (*fakeComponent)(nil)
	_ Runner      = (*fakeComponent)(nil)
	_ Shutdowner  = (*fakeComponent)(nil)
)
