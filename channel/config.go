// File: channel/config.go
// License: Apache-2.0
//
// Per-channel configuration bag.

package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
)

// OptionSupporter is implemented by transports accepting options beyond the
// built-in ones, such as socket options.
type OptionSupporter interface {
	SupportsOption(opt AnyOption) bool
	// ApplyOption installs a checked value. Called from any goroutine.
	ApplyOption(opt AnyOption, value any) error
}

var builtinOptions = map[AnyOption]struct{}{
	ConnectTimeout:       {},
	WriteSpinCount:       {},
	AutoRead:             {},
	AutoClose:            {},
	WriteBufferWaterMark: {},
	RecvBufAllocator:     {},
	BufAllocator:         {},
	MaxMessagesPerRead:   {},
	SizeEstimator:        {},
	CloseDrainTimeout:    {},
}

// Config holds a channel's option values. It is safe for concurrent use.
type Config struct {
	ch       *Channel
	mu       sync.RWMutex
	values   map[AnyOption]any
	autoRead atomic.Bool

	defaultRecv RecvAllocator
}

func newConfig(ch *Channel, md Metadata) *Config {
	c := &Config{ch: ch, values: make(map[AnyOption]any)}
	c.autoRead.Store(AutoRead.Default())
	if md.RecvAllocator != nil {
		c.defaultRecv = md.RecvAllocator
	} else {
		c.defaultRecv = NewAdaptiveRecvAllocator()
	}
	if md.MaxMessagesPerRead > 0 {
		c.values[MaxMessagesPerRead] = md.MaxMessagesPerRead
	}
	return c
}

func (c *Config) lookup(opt AnyOption) (any, bool) {
	c.mu.RLock()
	v, ok := c.values[opt]
	c.mu.RUnlock()
	return v, ok
}

// Set type-checks value and stores it. Options that are neither built in nor
// supported by the channel's transport are rejected with api.ErrInvalidOption.
func (c *Config) Set(opt AnyOption, value any) error {
	if opt == nil {
		return fmt.Errorf("%w: nil option", api.ErrInvalidOption)
	}
	if err := opt.Check(value); err != nil {
		return err
	}
	if _, ok := builtinOptions[opt]; !ok {
		sup, ok := c.ch.transport.(OptionSupporter)
		if !ok || !sup.SupportsOption(opt) {
			return fmt.Errorf("%w: unknown channel option %q", api.ErrInvalidOption, opt.Name())
		}
		if err := sup.ApplyOption(opt, value); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.values[opt] = value
	c.mu.Unlock()

	if opt == AutoRead {
		c.setAutoRead(value.(bool))
	}
	if opt == WriteBufferWaterMark {
		c.ch.onWaterMarkChanged()
	}
	return nil
}

// SetOptions sets every value, returning all failures joined.
func (c *Config) SetOptions(values ...OptionValue) error {
	var errs []error
	for _, ov := range values {
		if err := c.Set(ov.Option, ov.Value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options returns a snapshot of explicitly set values keyed by option name.
func (c *Config) Options() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k.Name()] = v
	}
	return out
}

func (c *Config) setAutoRead(v bool) {
	old := c.autoRead.Swap(v)
	switch {
	case v && !old:
		c.ch.Read()
	case !v && old:
		c.ch.clearReadPending()
	}
}

func (c *Config) AutoRead() bool                { return c.autoRead.Load() }
func (c *Config) AutoClose() bool               { return AutoClose.Get(c) }
func (c *Config) ConnectTimeout() time.Duration { return ConnectTimeout.Get(c) }
func (c *Config) WriteSpinCount() int           { return WriteSpinCount.Get(c) }
func (c *Config) WriteBufferWaterMark() WaterMark {
	return WriteBufferWaterMark.Get(c)
}
func (c *Config) MaxMessagesPerRead() int          { return MaxMessagesPerRead.Get(c) }
func (c *Config) CloseDrainTimeout() time.Duration { return CloseDrainTimeout.Get(c) }
func (c *Config) MessageSizeEstimator() MessageSizeEstimator {
	return SizeEstimator.Get(c)
}

// RecvAllocator returns the configured receive allocator or the transport default.
func (c *Config) RecvAllocator() RecvAllocator {
	if a := RecvBufAllocator.Get(c); a != nil {
		return a
	}
	return c.defaultRecv
}

// Allocator returns the configured buffer allocator or the pooled default.
func (c *Config) Allocator() buffer.Allocator {
	if a := BufAllocator.Get(c); a != nil {
		return a
	}
	return buffer.Default()
}
