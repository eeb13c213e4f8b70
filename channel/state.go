// File: channel/state.go
// License: Apache-2.0

package channel

// State is a channel lifecycle stage. States only move forward.
type State int32

const (
	StateUnregistered State = iota
	StateRegistered
	StateActive
	StateInactive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// advance moves the channel to s if s is ahead of the current state. It
// reports whether the state changed.
func (c *Channel) advance(s State) bool {
	for {
		cur := State(c.state.Load())
		if s <= cur {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// State returns the lifecycle stage.
func (c *Channel) State() State {
	return State(c.state.Load())
}
