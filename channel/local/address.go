// File: channel/local/address.go
// License: Apache-2.0
//
// Package local is an in-process transport. A ServerChannel binds a name in a
// process-wide registry; client channels connect to it by that name and
// exchange messages by reference, without copying or serialization.

package local

import (
	"sync"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

// Address names a local endpoint.
type Address struct {
	name string
}

// NewAddress returns the address called name.
func NewAddress(name string) Address { return Address{name: name} }

// Any asks Bind for a generated ephemeral name.
var Any = Address{}

func (a Address) Network() string { return "local" }

func (a Address) String() string {
	if a.name == "" {
		return "local:ANY"
	}
	return "local:" + a.name
}

// Name returns the bare name.
func (a Address) Name() string { return a.name }

func ephemeral(id channel.ID) Address {
	return Address{name: "E" + id.String()}
}

var registry = struct {
	sync.Mutex
	bound map[Address]*serverTransport
}{bound: make(map[Address]*serverTransport)}

func register(addr Address, s *serverTransport) error {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.bound[addr]; ok {
		return api.ErrAddressInUse
	}
	registry.bound[addr] = s
	return nil
}

func unregister(addr Address, s *serverTransport) {
	registry.Lock()
	if registry.bound[addr] == s {
		delete(registry.bound, addr)
	}
	registry.Unlock()
}

func lookup(addr Address) *serverTransport {
	registry.Lock()
	defer registry.Unlock()
	return registry.bound[addr]
}
