// Package api
// License: Apache-2.0
//
// Reference-counted resources shared between the buffer, channel and codec layers.
// A message travelling through a pipeline may hold pooled memory; whoever consumes
// it last releases it.

package api

// ReferenceCounted describes an object whose memory is reclaimed once its
// reference count drops to zero.
type ReferenceCounted interface {
	// RefCnt returns the current reference count.
	RefCnt() int32

	// Retain increments the reference count by one.
	Retain()

	// Release decrements the reference count and reclaims the resource when it
	// reaches zero. Returns true if the resource was reclaimed.
	Release() bool
}

// Retain increments msg's reference count if it is reference counted.
func Retain(msg any) any {
	if rc, ok := msg.(ReferenceCounted); ok {
		rc.Retain()
	}
	return msg
}

// Release releases msg if it is reference counted.
func Release(msg any) bool {
	if rc, ok := msg.(ReferenceCounted); ok {
		return rc.Release()
	}
	return false
}

// SafeRelease releases msg, swallowing any panic caused by an over-release.
func SafeRelease(msg any) (released bool) {
	defer func() {
		if r := recover(); r != nil {
			released = false
		}
	}()
	return Release(msg)
}
