// File: control/debug.go
// License: Apache-2.0
//
// Named probes for runtime inspection.

package control

import (
	"fmt"
	"sort"
	"sync"

	"github.com/momentics/hioload-nio/concurrency"
)

// DebugProbes holds named probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates an empty probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{probes: make(map[string]func() any)}
}

// RegisterProbe adds or replaces the probe called name.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// UnregisterProbe removes a probe.
func (dp *DebugProbes) UnregisterProbe(name string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	delete(dp.probes, name)
}

// Names returns the registered probe names in order.
func (dp *DebugProbes) Names() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	names := make([]string, 0, len(dp.probes))
	for k := range dp.probes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DumpState runs every probe. A panicking probe reports the panic as its value.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	fns := make(map[string]func() any, len(dp.probes))
	for k, fn := range dp.probes {
		fns[k] = fn
	}
	dp.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for k, fn := range fns {
		out[k] = runProbe(fn)
	}
	return out
}

func runProbe(fn func() any) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Sprintf("probe panicked: %v", r)
		}
	}()
	return fn()
}

// ExecutorState is one executor's entry in a group probe.
type ExecutorState struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	PendingTasks int    `json:"pending_tasks"`
}

type namedExecutor interface{ Name() string }
type stateReporter interface{ State() string }
type pendingReporter interface{ PendingTasks() int }

// ProbeGroup registers a probe called name that lists every member of g with
// its lifecycle state and queued task count. Members that do not report a
// value get "unknown" or -1.
func ProbeGroup[E concurrency.EventExecutor](dp *DebugProbes, name string, g *concurrency.Group[E]) {
	dp.RegisterProbe(name, func() any {
		members := g.Executors()
		out := make([]ExecutorState, len(members))
		for i, e := range members {
			out[i] = describe(e, i)
		}
		return out
	})
}

func describe(e concurrency.EventExecutor, index int) ExecutorState {
	st := ExecutorState{Name: fmt.Sprintf("#%d", index), State: "unknown", PendingTasks: -1}
	if n, ok := e.(namedExecutor); ok {
		st.Name = n.Name()
	}
	if s, ok := e.(stateReporter); ok {
		st.State = s.State()
	} else {
		switch {
		case e.IsTerminated():
			st.State = "terminated"
		case e.IsShuttingDown():
			st.State = "shutting-down"
		}
	}
	if p, ok := e.(pendingReporter); ok {
		st.PendingTasks = p.PendingTasks()
	}
	return st
}
