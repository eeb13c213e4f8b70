// File: channel/handler.go
// License: Apache-2.0
//
// Handler callbacks. A handler implements only the interfaces for the events
// it cares about; the pipeline skips it for everything else.

package channel

import "net"

// Handler is any value added to a pipeline.
type Handler any

// Lifecycle callbacks.
type (
	HandlerAddedHandler interface {
		HandlerAdded(ctx *HandlerContext)
	}
	HandlerRemovedHandler interface {
		HandlerRemoved(ctx *HandlerContext)
	}
)

// Inbound callbacks, invoked from head to tail.
type (
	ChannelRegisteredHandler interface {
		ChannelRegistered(ctx *HandlerContext)
	}
	ChannelUnregisteredHandler interface {
		ChannelUnregistered(ctx *HandlerContext)
	}
	ChannelActiveHandler interface {
		ChannelActive(ctx *HandlerContext)
	}
	ChannelInactiveHandler interface {
		ChannelInactive(ctx *HandlerContext)
	}
	ChannelReadHandler interface {
		ChannelRead(ctx *HandlerContext, msg any)
	}
	ChannelReadCompleteHandler interface {
		ChannelReadComplete(ctx *HandlerContext)
	}
	UserEventHandler interface {
		UserEventTriggered(ctx *HandlerContext, evt any)
	}
	WritabilityChangedHandler interface {
		ChannelWritabilityChanged(ctx *HandlerContext)
	}
	ExceptionHandler interface {
		ExceptionCaught(ctx *HandlerContext, err error)
	}
)

// Outbound callbacks, invoked from tail to head. A handler that does not
// forward an operation must complete its promise.
type (
	BindHandler interface {
		Bind(ctx *HandlerContext, local net.Addr, p *ChannelPromise)
	}
	ConnectHandler interface {
		Connect(ctx *HandlerContext, remote, local net.Addr, p *ChannelPromise)
	}
	DisconnectHandler interface {
		Disconnect(ctx *HandlerContext, p *ChannelPromise)
	}
	CloseHandler interface {
		Close(ctx *HandlerContext, p *ChannelPromise)
	}
	DeregisterHandler interface {
		Deregister(ctx *HandlerContext, p *ChannelPromise)
	}
	ReadHandler interface {
		Read(ctx *HandlerContext)
	}
	WriteHandler interface {
		Write(ctx *HandlerContext, msg any, p *ChannelPromise)
	}
	FlushHandler interface {
		Flush(ctx *HandlerContext)
	}
)

// Sharable marks handlers that may be added to several pipelines, or several
// times to one pipeline.
//
// Only pointer handlers are checked. A value handler such as struct{} is
// copied into each pipeline and is always accepted; keep state in a pointer
// handler when it must not be shared.
type Sharable interface {
	IsSharable() bool
}

func isSharable(h Handler) bool {
	s, ok := h.(Sharable)
	return ok && s.IsSharable()
}
