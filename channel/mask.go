// File: channel/mask.go
// License: Apache-2.0

package channel

// Event interest bits.
const (
	maskExceptionCaught = 1 << iota
	maskChannelRegistered
	maskChannelUnregistered
	maskChannelActive
	maskChannelInactive
	maskChannelRead
	maskChannelReadComplete
	maskUserEventTriggered
	maskChannelWritabilityChanged
	maskBind
	maskConnect
	maskDisconnect
	maskClose
	maskDeregister
	maskRead
	maskWrite
	maskFlush
)

// handlerMask computes the events h handles from the interfaces it implements.
func handlerMask(h Handler) int {
	var m int
	if _, ok := h.(ExceptionHandler); ok {
		m |= maskExceptionCaught
	}
	if _, ok := h.(ChannelRegisteredHandler); ok {
		m |= maskChannelRegistered
	}
	if _, ok := h.(ChannelUnregisteredHandler); ok {
		m |= maskChannelUnregistered
	}
	if _, ok := h.(ChannelActiveHandler); ok {
		m |= maskChannelActive
	}
	if _, ok := h.(ChannelInactiveHandler); ok {
		m |= maskChannelInactive
	}
	if _, ok := h.(ChannelReadHandler); ok {
		m |= maskChannelRead
	}
	if _, ok := h.(ChannelReadCompleteHandler); ok {
		m |= maskChannelReadComplete
	}
	if _, ok := h.(UserEventHandler); ok {
		m |= maskUserEventTriggered
	}
	if _, ok := h.(WritabilityChangedHandler); ok {
		m |= maskChannelWritabilityChanged
	}
	if _, ok := h.(BindHandler); ok {
		m |= maskBind
	}
	if _, ok := h.(ConnectHandler); ok {
		m |= maskConnect
	}
	if _, ok := h.(DisconnectHandler); ok {
		m |= maskDisconnect
	}
	if _, ok := h.(CloseHandler); ok {
		m |= maskClose
	}
	if _, ok := h.(DeregisterHandler); ok {
		m |= maskDeregister
	}
	if _, ok := h.(ReadHandler); ok {
		m |= maskRead
	}
	if _, ok := h.(WriteHandler); ok {
		m |= maskWrite
	}
	if _, ok := h.(FlushHandler); ok {
		m |= maskFlush
	}
	return m
}
