// File: concurrency/chooser.go
// License: Apache-2.0

package concurrency

import "sync/atomic"

// Chooser picks the next member of a fixed executor set in round-robin order.
type Chooser[E any] interface {
	Next() E
}

// NewChooser returns a mask based chooser when len(members) is a power of two and
// a modulo based one otherwise. Both yield the same round-robin sequence; the mask
// only avoids a division.
func NewChooser[E any](members []E) Chooser[E] {
	n := len(members)
	if n > 0 && n&(n-1) == 0 {
		return &powerOfTwoChooser[E]{members: members, mask: uint64(n - 1)}
	}
	return &genericChooser[E]{members: members}
}

type powerOfTwoChooser[E any] struct {
	idx     atomic.Uint64
	members []E
	mask    uint64
}

func (c *powerOfTwoChooser[E]) Next() E {
	return c.members[(c.idx.Add(1)-1)&c.mask]
}

type genericChooser[E any] struct {
	idx     atomic.Uint64
	members []E
}

func (c *genericChooser[E]) Next() E {
	return c.members[(c.idx.Add(1)-1)%uint64(len(c.members))]
}
