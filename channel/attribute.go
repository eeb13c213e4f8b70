// File: channel/attribute.go
// License: Apache-2.0
//
// Typed per-channel attributes.

package channel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
)

// AttributeKey names a typed attribute. Keys compare by identity.
type AttributeKey[T any] struct {
	name string
}

// NewAttributeKey creates a key. Two keys with the same name are distinct.
func NewAttributeKey[T any](name string) *AttributeKey[T] {
	return &AttributeKey[T]{name: name}
}

func (k *AttributeKey[T]) Name() string   { return k.name }
func (k *AttributeKey[T]) String() string { return k.name }

// SetAny stores value under k in m after checking its type.
func (k *AttributeKey[T]) SetAny(m *AttributeMap, value any) error {
	v, ok := value.(T)
	if !ok {
		return fmt.Errorf("%w: attribute %q wants %T, got %T", api.ErrOptionType, k.name, *new(T), value)
	}
	Attr(m, k).Set(v)
	return nil
}

// AnyAttributeKey is the untyped view of an AttributeKey, used by bootstraps.
type AnyAttributeKey interface {
	Name() string
	SetAny(m *AttributeMap, value any) error
}

// Attribute is a value slot safe for concurrent use.
type Attribute[T any] struct {
	key *AttributeKey[T]
	v   atomic.Pointer[T]
}

func (a *Attribute[T]) Key() *AttributeKey[T] { return a.key }

// Get returns the value and whether it was set.
func (a *Attribute[T]) Get() (T, bool) {
	if p := a.v.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

func (a *Attribute[T]) Set(v T) {
	a.v.Store(&v)
}

// SetIfAbsent stores v unless a value is present. It returns the value now held
// and whether v was stored.
func (a *Attribute[T]) SetIfAbsent(v T) (T, bool) {
	if a.v.CompareAndSwap(nil, &v) {
		return v, true
	}
	cur, _ := a.Get()
	return cur, false
}

// GetAndRemove clears the slot and returns the previous value.
func (a *Attribute[T]) GetAndRemove() (T, bool) {
	if p := a.v.Swap(nil); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

// AttributeMap holds attributes keyed by AttributeKey identity.
type AttributeMap struct {
	m sync.Map
}

// Attr returns the attribute slot for key, creating it on first use.
func Attr[T any](m *AttributeMap, key *AttributeKey[T]) *Attribute[T] {
	if v, ok := m.m.Load(key); ok {
		return v.(*Attribute[T])
	}
	v, _ := m.m.LoadOrStore(key, &Attribute[T]{key: key})
	return v.(*Attribute[T])
}

// HasAttr reports whether key has a slot in m.
func HasAttr[T any](m *AttributeMap, key *AttributeKey[T]) bool {
	_, ok := m.m.Load(key)
	return ok
}
