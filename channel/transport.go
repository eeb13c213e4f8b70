// File: channel/transport.go
// License: Apache-2.0
//
// Transport capabilities a Channel composes.

package channel

import "net"

// Metadata describes fixed transport properties.
type Metadata struct {
	// HasDisconnect is true when Disconnect differs from Close.
	HasDisconnect bool
	// MaxMessagesPerRead overrides the MaxMessagesPerRead default when positive.
	MaxMessagesPerRead int
	// RecvAllocator overrides the default adaptive allocator.
	RecvAllocator RecvAllocator
}

// Transport is the transport-specific half of a Channel. Apart from IsOpen,
// IsActive and the address getters, its methods are called on the channel's
// event loop only.
type Transport interface {
	Metadata() Metadata

	IsOpen() bool
	IsActive() bool

	// IsCompatible reports whether the transport can run on loop.
	IsCompatible(loop EventLoop) bool

	LocalAddress() net.Addr
	RemoteAddress() net.Addr

	// DoRegister attaches the transport to the channel's event loop.
	DoRegister(ch *Channel) error
	// DoDeregister detaches it again.
	DoDeregister() error
	// DoClose releases the underlying endpoint. It must be idempotent.
	DoClose() error
}

// Bindable transports accept Bind.
type Bindable interface {
	DoBind(local net.Addr) error
}

// Connectable transports accept Connect. DoConnect returns true when the
// connection completed immediately. Otherwise the transport completes it later
// through Unsafe.FinishConnect.
type Connectable interface {
	DoConnect(remote, local net.Addr) (bool, error)
}

// Disconnectable transports separate Disconnect from Close.
type Disconnectable interface {
	DoDisconnect() error
}

// Readable transports deliver inbound data once DoBeginRead declared interest.
type Readable interface {
	DoBeginRead() error
}

// ReadPendingClearer transports drop read interest when auto-read is turned off.
type ReadPendingClearer interface {
	ClearReadPending()
}

// Writable transports accept outbound messages.
type Writable interface {
	// FilterOutbound converts or rejects a message before it is queued.
	FilterOutbound(msg any) (any, error)
	// DoWrite drains flushed entries of out. Entries not written are retried on
	// the next flush or on Unsafe.ForceFlush.
	DoWrite(out *OutboundBuffer) error
}

// UnhandledSink transports take over inbound messages and errors that reached
// the pipeline tail unhandled, instead of having them discarded and logged.
type UnhandledSink interface {
	UnhandledInbound(msg any)
	UnhandledException(err error)
}
