// File: control/metrics.go
// License: Apache-2.0
//
// Prometheus telemetry for executors and channels.

package control

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

const metricsNamespace = "hioload"

// Metrics records executor and channel telemetry. It implements both
// concurrency.Observer, passed with concurrency.WithObserver, and
// channel.Observer, installed with channel.SetObserver.
type Metrics struct {
	tasksExecuted *prometheus.CounterVec
	taskPanics    *prometheus.CounterVec
	taskLatency   *prometheus.HistogramVec

	channelsRegistered prometheus.Counter
	channelsClosed     prometheus.Counter
	writability        *prometheus.CounterVec
	bytesRead          prometheus.Counter
	bytesWritten       prometheus.Counter

	bufferLeaks prometheus.Counter

	pending *pendingCollector
}

var (
	_ concurrency.Observer = (*Metrics)(nil)
	_ channel.Observer     = (*Metrics)(nil)
)

// NewMetrics creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer. Collectors already registered by an earlier
// Metrics on the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "executor", Name: "tasks_executed_total",
			Help: "Tasks run to completion, by executor.",
		}, []string{"executor"}),
		taskPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "executor", Name: "task_panics_total",
			Help: "Tasks that panicked, by executor.",
		}, []string{"executor"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "executor", Name: "task_duration_seconds",
			Help:    "Task run time, by executor.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"executor"}),
		channelsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "registered_total",
			Help: "Channels registered with an event loop.",
		}),
		channelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "closed_total",
			Help: "Channels closed.",
		}),
		writability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "writability_changes_total",
			Help: "Writability transitions, by new state.",
		}, []string{"writable"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "read_bytes_total",
			Help: "Bytes read from transports.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "written_bytes_total",
			Help: "Bytes written to transports.",
		}),
		bufferLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "buffer", Name: "leaks_total",
			Help: "Tracked buffers reclaimed before their final Release.",
		}),
		pending: &pendingCollector{desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "executor", "pending_tasks"),
			"Immediate tasks queued, by executor.",
			[]string{"executor"}, nil,
		)},
	}

	if err := errors.Join(
		registerOrReuse(reg, &m.tasksExecuted),
		registerOrReuse(reg, &m.taskPanics),
		registerOrReuse(reg, &m.taskLatency),
		registerOrReuse(reg, &m.channelsRegistered),
		registerOrReuse(reg, &m.channelsClosed),
		registerOrReuse(reg, &m.writability),
		registerOrReuse(reg, &m.bytesRead),
		registerOrReuse(reg, &m.bytesWritten),
		registerOrReuse(reg, &m.bufferLeaks),
		registerOrReuse(reg, &m.pending),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return err
}

func (m *Metrics) TaskExecuted(executor string, elapsed time.Duration) {
	m.tasksExecuted.WithLabelValues(executor).Inc()
	m.taskLatency.WithLabelValues(executor).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskPanicked(executor string, _ any) {
	m.taskPanics.WithLabelValues(executor).Inc()
}

func (m *Metrics) ChannelRegistered(string) { m.channelsRegistered.Inc() }
func (m *Metrics) ChannelClosed(string)     { m.channelsClosed.Inc() }

func (m *Metrics) WritabilityChanged(_ string, writable bool) {
	m.writability.WithLabelValues(strconv.FormatBool(writable)).Inc()
}

func (m *Metrics) BytesRead(_ string, n int)    { m.bytesRead.Add(float64(n)) }
func (m *Metrics) BytesWritten(_ string, n int) { m.bytesWritten.Add(float64(n)) }

// BufferLeaked counts a leak; pass it to buffer.WithLeakReporter.
func (m *Metrics) BufferLeaked(buffer.Leak) { m.bufferLeaks.Inc() }

// WatchPending exports the queued task count of every member of g that
// reports one. Counts are sampled at scrape time.
func WatchPending[E concurrency.EventExecutor](m *Metrics, g *concurrency.Group[E]) {
	m.pending.add(func(emit func(name string, n int)) {
		for i, e := range g.Executors() {
			p, ok := any(e).(pendingReporter)
			if !ok {
				continue
			}
			name := strconv.Itoa(i)
			if n, ok := any(e).(namedExecutor); ok {
				name = n.Name()
			}
			emit(name, p.PendingTasks())
		}
	})
}

type pendingCollector struct {
	desc    *prometheus.Desc
	mu      sync.Mutex
	sources []func(emit func(name string, n int))
}

func (c *pendingCollector) add(src func(emit func(name string, n int))) {
	c.mu.Lock()
	c.sources = append(c.sources, src)
	c.mu.Unlock()
}

func (c *pendingCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *pendingCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	sources := append([]func(emit func(string, int)){}, c.sources...)
	c.mu.Unlock()
	for _, src := range sources {
		src(func(name string, n int) {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), name)
		})
	}
}
