// File: control/config.go
// License: Apache-2.0
//
// File configuration for event loops and channels.

package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/bootstrap"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

// Config is the runtime configuration read from YAML. Zero values mean
// "use the built-in default".
//
//	event_loop:
//	  boss_threads: 1
//	  worker_threads: 8
//	  task_budget: 10ms
//	channel:
//	  connect_timeout: 5s
//	child:
//	  auto_read: true
//	  write_buffer_water_mark: {low: 32768, high: 65536}
type Config struct {
	EventLoop EventLoopConfig `yaml:"event_loop"`
	// Channel applies to client channels and to server (listening) channels.
	Channel ChannelConfig `yaml:"channel"`
	// Child applies to channels accepted by a server.
	Child ChannelConfig `yaml:"child"`
}

// EventLoopConfig sizes the executor groups.
type EventLoopConfig struct {
	BossThreads     int           `yaml:"boss_threads"`
	WorkerThreads   int           `yaml:"worker_threads"`
	TaskBudget      time.Duration `yaml:"task_budget"`
	QuietPeriod     time.Duration `yaml:"quiet_period"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// CPUs pins every loop thread of a group to this set. Empty leaves
	// scheduling to the OS.
	CPUs []int `yaml:"cpus"`
}

// ChannelConfig mirrors the built-in channel options.
type ChannelConfig struct {
	ConnectTimeout       time.Duration        `yaml:"connect_timeout"`
	WriteSpinCount       int                  `yaml:"write_spin_count"`
	AutoRead             *bool                `yaml:"auto_read"`
	AutoClose            *bool                `yaml:"auto_close"`
	WriteBufferWaterMark *WaterMarkConfig     `yaml:"write_buffer_water_mark"`
	RecvAllocator        *RecvAllocatorConfig `yaml:"recv_allocator"`
	MaxMessagesPerRead   int                  `yaml:"max_messages_per_read"`
	CloseDrainTimeout    time.Duration        `yaml:"close_drain_timeout"`
}

// WaterMarkConfig is the outbound buffer thresholds in bytes.
type WaterMarkConfig struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// RecvAllocatorConfig bounds the adaptive receive buffer size.
type RecvAllocatorConfig struct {
	Minimum int `yaml:"minimum"`
	Initial int `yaml:"initial"`
	Maximum int `yaml:"maximum"`
}

// DefaultConfig returns a configuration with every value at its default.
func DefaultConfig() *Config {
	return &Config{}
}

// LoadConfig reads and validates a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode config: %w", api.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every inconsistent value, wrapped in api.ErrInvalidArgument.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	el := c.EventLoop
	if el.BossThreads < 0 {
		add("event_loop.boss_threads: must not be negative, got %d", el.BossThreads)
	}
	if el.WorkerThreads < 0 {
		add("event_loop.worker_threads: must not be negative, got %d", el.WorkerThreads)
	}
	if el.TaskBudget < 0 {
		add("event_loop.task_budget: must not be negative, got %s", el.TaskBudget)
	}
	if el.QuietPeriod < 0 {
		add("event_loop.quiet_period: must not be negative, got %s", el.QuietPeriod)
	}
	if el.ShutdownTimeout < 0 {
		add("event_loop.shutdown_timeout: must not be negative, got %s", el.ShutdownTimeout)
	}
	for _, cpu := range el.CPUs {
		if cpu < 0 {
			add("event_loop.cpus: must not be negative, got %d", cpu)
		}
	}
	if el.ShutdownTimeout > 0 && el.QuietPeriod > el.ShutdownTimeout {
		add("event_loop: quiet_period %s exceeds shutdown_timeout %s", el.QuietPeriod, el.ShutdownTimeout)
	}
	errs = append(errs, c.Channel.validate("channel")...)
	errs = append(errs, c.Child.validate("child")...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", api.ErrInvalidArgument, errors.Join(errs...))
}

func (cc ChannelConfig) validate(prefix string) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s.%s", prefix, fmt.Sprintf(format, args...)))
	}
	if cc.ConnectTimeout < 0 {
		add("connect_timeout: must not be negative, got %s", cc.ConnectTimeout)
	}
	if cc.WriteSpinCount < 0 {
		add("write_spin_count: must not be negative, got %d", cc.WriteSpinCount)
	}
	if cc.MaxMessagesPerRead < 0 {
		add("max_messages_per_read: must not be negative, got %d", cc.MaxMessagesPerRead)
	}
	if cc.CloseDrainTimeout < 0 {
		add("close_drain_timeout: must not be negative, got %s", cc.CloseDrainTimeout)
	}
	if w := cc.WriteBufferWaterMark; w != nil && (w.Low < 0 || w.High < w.Low) {
		add("write_buffer_water_mark: need 0 <= low <= high, got %d/%d", w.Low, w.High)
	}
	if r := cc.RecvAllocator; r != nil && (r.Minimum <= 0 || r.Initial < r.Minimum || r.Maximum < r.Initial) {
		add("recv_allocator: need 0 < minimum <= initial <= maximum, got %d/%d/%d", r.Minimum, r.Initial, r.Maximum)
	}
	return errs
}

// Options converts the set fields into channel option values.
func (cc ChannelConfig) Options() ([]channel.OptionValue, error) {
	var opts []channel.OptionValue
	if cc.ConnectTimeout > 0 {
		opts = append(opts, channel.Opt(channel.ConnectTimeout, cc.ConnectTimeout))
	}
	if cc.WriteSpinCount > 0 {
		opts = append(opts, channel.Opt(channel.WriteSpinCount, cc.WriteSpinCount))
	}
	if cc.AutoRead != nil {
		opts = append(opts, channel.Opt(channel.AutoRead, *cc.AutoRead))
	}
	if cc.AutoClose != nil {
		opts = append(opts, channel.Opt(channel.AutoClose, *cc.AutoClose))
	}
	if w := cc.WriteBufferWaterMark; w != nil {
		opts = append(opts, channel.Opt(channel.WriteBufferWaterMark, channel.WaterMark{Low: w.Low, High: w.High}))
	}
	if r := cc.RecvAllocator; r != nil {
		a, err := channel.NewAdaptiveRecvAllocatorSized(r.Minimum, r.Initial, r.Maximum)
		if err != nil {
			return nil, err
		}
		opts = append(opts, channel.Opt[channel.RecvAllocator](channel.RecvBufAllocator, a))
	}
	if cc.MaxMessagesPerRead > 0 {
		opts = append(opts, channel.Opt(channel.MaxMessagesPerRead, cc.MaxMessagesPerRead))
	}
	if cc.CloseDrainTimeout > 0 {
		opts = append(opts, channel.Opt(channel.CloseDrainTimeout, cc.CloseDrainTimeout))
	}
	return opts, nil
}

// ExecutorOptions returns the executor options for a group named name,
// followed by extra.
func (el EventLoopConfig) ExecutorOptions(name string, extra ...concurrency.Option) []concurrency.Option {
	opts := []concurrency.Option{concurrency.WithName(name)}
	if el.TaskBudget > 0 {
		opts = append(opts, concurrency.WithTaskBudget(el.TaskBudget))
	}
	if len(el.CPUs) > 0 {
		opts = append(opts, concurrency.WithCPUAffinity(el.CPUs...))
	}
	return append(opts, extra...)
}

// ShutdownTimings returns the quiet period and timeout for ShutdownGracefully.
func (el EventLoopConfig) ShutdownTimings() (quietPeriod, timeout time.Duration) {
	quietPeriod, timeout = concurrency.DefaultQuietPeriod, concurrency.DefaultShutdownTimeout
	if el.QuietPeriod > 0 {
		quietPeriod = el.QuietPeriod
	}
	if el.ShutdownTimeout > 0 {
		timeout = el.ShutdownTimeout
	}
	return quietPeriod, max(quietPeriod, timeout)
}

// ApplyBootstrap installs the channel options on b.
func (c *Config) ApplyBootstrap(b *bootstrap.Bootstrap) error {
	opts, err := c.Channel.Options()
	if err != nil {
		return err
	}
	b.Options(opts...)
	return nil
}

// ApplyServerBootstrap installs the channel options on the listening channel
// and the child options on accepted channels.
func (c *Config) ApplyServerBootstrap(b *bootstrap.ServerBootstrap) error {
	opts, err := c.Channel.Options()
	if err != nil {
		return err
	}
	child, err := c.Child.Options()
	if err != nil {
		return err
	}
	for _, ov := range opts {
		b.Option(ov.Option, ov.Value)
	}
	for _, ov := range child {
		b.ChildOption(ov.Option, ov.Value)
	}
	return nil
}
