// File: concurrency/options.go
// License: Apache-2.0
//
// Functional options for executors and executor groups.

package concurrency

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultTaskBudget bounds the time spent running immediate tasks between two
// I/O polls.
const DefaultTaskBudget = 10 * time.Millisecond

// Option configures an executor.
type Option func(*executorOptions)

type executorOptions struct {
	name     string
	budget   time.Duration
	io       IOHandler
	logger   *zerolog.Logger
	observer Observer
	parent   EventExecutorGroup
	cpus     []int
}

func defaultExecutorOptions() executorOptions {
	return executorOptions{
		name:   "executor",
		budget: DefaultTaskBudget,
	}
}

func resolveOptions(opts []Option) executorOptions {
	o := defaultExecutorOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	return o
}

// WithName sets the executor name used in logs and metrics. Groups append the
// member index.
func WithName(name string) Option {
	return func(o *executorOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithTaskBudget bounds the time spent running queued tasks per loop iteration.
// A non-positive budget runs every queued task before polling I/O again.
func WithTaskBudget(d time.Duration) Option {
	return func(o *executorOptions) {
		o.budget = d
	}
}

// WithIOHandler plugs transport I/O servicing into the worker loop.
func WithIOHandler(h IOHandler) Option {
	return func(o *executorOptions) {
		o.io = h
	}
}

// WithLogger sets a per-executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *executorOptions) {
		o.logger = &l
	}
}

// WithObserver receives per-task telemetry.
func WithObserver(obs Observer) Option {
	return func(o *executorOptions) {
		o.observer = obs
	}
}

// WithCPUAffinity locks the worker goroutine to an OS thread restricted to
// cpus. Group members share the set. Pinning failures are logged and the
// executor runs unpinned.
func WithCPUAffinity(cpus ...int) Option {
	return func(o *executorOptions) {
		o.cpus = append([]int(nil), cpus...)
	}
}

// WithParent records the group owning the executor.
func WithParent(g EventExecutorGroup) Option {
	return func(o *executorOptions) {
		o.parent = g
	}
}

// NameOf returns the executor name opts resolve to.
func NameOf(opts ...Option) string {
	return resolveOptions(opts).name
}
