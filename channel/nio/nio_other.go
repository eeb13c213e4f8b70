//go:build !linux

// File: channel/nio/nio_other.go
// License: Apache-2.0

package nio

import (
	"fmt"
	"net"
	"runtime"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

var errPlatform = fmt.Errorf("%w: epoll transport on %s", api.ErrNotSupported, runtime.GOOS)

// EventLoop is unavailable on this platform.
type EventLoop struct {
	*channel.SingleThreadEventLoop
}

// NewEventLoop returns api.ErrNotSupported.
func NewEventLoop(...concurrency.Option) (*EventLoop, error) {
	return nil, errPlatform
}

// NewEventLoopGroup returns api.ErrNotSupported.
func NewEventLoopGroup(int, ...concurrency.Option) (*channel.EventLoopGroup, error) {
	return nil, errPlatform
}

// unsupported rejects every event loop, so registration fails with
// api.ErrIncompatibleEventLoop.
type unsupported struct{}

func (unsupported) Metadata() channel.Metadata          { return channel.Metadata{} }
func (unsupported) IsOpen() bool                        { return true }
func (unsupported) IsActive() bool                      { return false }
func (unsupported) IsCompatible(channel.EventLoop) bool { return false }
func (unsupported) LocalAddress() net.Addr              { return nil }
func (unsupported) RemoteAddress() net.Addr             { return nil }
func (unsupported) DoRegister(*channel.Channel) error   { return errPlatform }
func (unsupported) DoDeregister() error                 { return nil }
func (unsupported) DoClose() error                      { return nil }

// NewServerSocketChannel returns a channel that cannot be registered.
func NewServerSocketChannel() *channel.Channel { return channel.New(unsupported{}, nil) }

// NewSocketChannel returns a channel that cannot be registered.
func NewSocketChannel() *channel.Channel { return channel.New(unsupported{}, nil) }
