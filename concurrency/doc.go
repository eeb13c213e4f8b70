// File: concurrency/doc.go
// License: Apache-2.0
//
// Package concurrency provides the execution primitives of hioload-nio:
// single-goroutine event executors with delayed and periodic task scheduling,
// fixed-size executor groups with round-robin selection, and generic
// write-once promises with listener notification.
//
// Every executor owns exactly one worker goroutine. Work submitted from other
// goroutines is queued and runs on that goroutine in FIFO order; delayed tasks
// run in deadline order with creation order breaking ties. Blocking waits on a
// promise from the promise's own executor goroutine are rejected with
// api.ErrBlockingOperation instead of deadlocking.
package concurrency
