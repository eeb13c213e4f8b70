// File: channel/option.go
// License: Apache-2.0
//
// Typed channel options.

package channel

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
)

// Option is a typed configuration key with a default value. Options compare by
// identity.
type Option[T any] struct {
	name     string
	def      T
	validate func(T) error
}

// NewOption creates an option. validate may be nil.
func NewOption[T any](name string, def T, validate func(T) error) *Option[T] {
	return &Option[T]{name: name, def: def, validate: validate}
}

func (o *Option[T]) Name() string   { return o.name }
func (o *Option[T]) String() string { return o.name }
func (o *Option[T]) Default() T     { return o.def }

// Check verifies that value has type T and passes the option's validation.
func (o *Option[T]) Check(value any) error {
	v, ok := value.(T)
	if !ok {
		return fmt.Errorf("%w: option %q wants %T, got %T", api.ErrOptionType, o.name, o.def, value)
	}
	if o.validate != nil {
		if err := o.validate(v); err != nil {
			return fmt.Errorf("%w: option %q: %v", api.ErrInvalidOption, o.name, err)
		}
	}
	return nil
}

// Get returns the option's value in cfg, or its default.
func (o *Option[T]) Get(cfg *Config) T {
	if v, ok := cfg.lookup(o); ok {
		return v.(T)
	}
	return o.def
}

// AnyOption is the untyped view of an Option.
type AnyOption interface {
	Name() string
	Check(value any) error
}

// OptionValue pairs an option with a value of the right type.
type OptionValue struct {
	Option AnyOption
	Value  any
}

// Opt binds v to opt with compile-time type checking.
func Opt[T any](opt *Option[T], v T) OptionValue {
	return OptionValue{Option: opt, Value: v}
}

// WaterMark holds the outbound buffer thresholds. A channel turns unwritable
// once pending bytes exceed High and writable again once they drop below Low.
type WaterMark struct {
	Low  int
	High int
}

// DefaultWaterMark is 32 KiB / 64 KiB.
var DefaultWaterMark = WaterMark{Low: 32 * 1024, High: 64 * 1024}

func (w WaterMark) String() string {
	return fmt.Sprintf("WaterMark(low: %d, high: %d)", w.Low, w.High)
}

func positiveInt(v int) error {
	if v <= 0 {
		return fmt.Errorf("must be positive, got %d", v)
	}
	return nil
}

func nonNegativeDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", d)
	}
	return nil
}

// Built-in options understood by every channel.
var (
	ConnectTimeout = NewOption("CONNECT_TIMEOUT", 30*time.Second, nonNegativeDuration)
	WriteSpinCount = NewOption("WRITE_SPIN_COUNT", 16, positiveInt)
	AutoRead       = NewOption("AUTO_READ", true, nil)
	AutoClose      = NewOption("AUTO_CLOSE", true, nil)

	WriteBufferWaterMark = NewOption("WRITE_BUFFER_WATER_MARK", DefaultWaterMark, func(w WaterMark) error {
		if w.Low < 0 || w.High < w.Low {
			return fmt.Errorf("need 0 <= low <= high, got %s", w)
		}
		return nil
	})

	RecvBufAllocator = NewOption[RecvAllocator]("RCVBUF_ALLOCATOR", nil, func(a RecvAllocator) error {
		if a == nil {
			return fmt.Errorf("allocator is nil")
		}
		return nil
	})

	BufAllocator = NewOption[buffer.Allocator]("ALLOCATOR", nil, func(a buffer.Allocator) error {
		if a == nil {
			return fmt.Errorf("allocator is nil")
		}
		return nil
	})

	MaxMessagesPerRead = NewOption("MAX_MESSAGES_PER_READ", 16, positiveInt)

	SizeEstimator = NewOption[MessageSizeEstimator]("MESSAGE_SIZE_ESTIMATOR", DefaultSizeEstimator, func(e MessageSizeEstimator) error {
		if e == nil {
			return fmt.Errorf("estimator is nil")
		}
		return nil
	})

	// CloseDrainTimeout bounds how long Close waits for flushed writes to drain.
	// Zero closes immediately and fails pending writes.
	CloseDrainTimeout = NewOption("CLOSE_DRAIN_TIMEOUT", time.Duration(0), nonNegativeDuration)
)
