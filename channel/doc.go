// File: channel/doc.go
// License: Apache-2.0
//
// Package channel implements channels, their handler pipelines and the event
// loops that own them.
//
// A Channel is bound to exactly one EventLoop on registration and every state
// change happens on that loop's goroutine. Operations invoked from other
// goroutines are queued onto the loop and report completion through a
// ChannelPromise. Transports plug in through the Transport interface and the
// optional capability interfaces Bindable, Connectable, Disconnectable,
// Readable and Writable.
package channel
