// File: channel/local/server.go
// License: Apache-2.0

package local

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

// serverTransport accepts local connections. Accepted children are read as
// messages of type *channel.Channel, the way socket servers hand out accepted
// connections.
type serverTransport struct {
	ch    *channel.Channel
	state atomic.Int32
	addr  atomic.Pointer[Address]

	// Event loop only.
	pending        []*channel.Channel
	readInProgress bool
}

// NewServerChannel creates an unregistered server channel. Bind it to a name
// to accept connections.
func NewServerChannel() *channel.Channel {
	s := &serverTransport{}
	s.ch = channel.New(s, nil)
	return s.ch
}

func (s *serverTransport) Metadata() channel.Metadata { return metadata }
func (s *serverTransport) IsOpen() bool               { return s.state.Load() != stateClosed }
func (s *serverTransport) IsActive() bool             { return s.state.Load() == stateBound }

func (s *serverTransport) IsCompatible(channel.EventLoop) bool { return true }

func (s *serverTransport) LocalAddress() net.Addr {
	if a := s.addr.Load(); a != nil {
		return *a
	}
	return nil
}

func (s *serverTransport) RemoteAddress() net.Addr { return nil }

func (s *serverTransport) DoRegister(*channel.Channel) error { return nil }
func (s *serverTransport) DoDeregister() error               { return nil }

func (s *serverTransport) DoBind(local net.Addr) error {
	addr, err := toAddress(local)
	if err != nil {
		return err
	}
	if addr == Any {
		addr = ephemeral(s.ch.ID())
	}
	if err := register(addr, s); err != nil {
		return fmt.Errorf("%w: %v", err, addr)
	}
	s.addr.Store(&addr)
	s.state.Store(stateBound)
	return nil
}

func (s *serverTransport) DoClose() error {
	if s.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	if a := s.addr.Load(); a != nil {
		unregister(*a, s)
	}
	for _, child := range s.pending {
		child.Unsafe().CloseForcibly()
	}
	s.pending = nil
	return nil
}

func (s *serverTransport) DoBeginRead() error {
	if s.readInProgress {
		return nil
	}
	s.readInProgress = true
	if len(s.pending) > 0 {
		if err := s.ch.EventLoop().Execute(s.readIfPending); err != nil {
			return err
		}
	}
	return nil
}

func (s *serverTransport) ClearReadPending() { s.readInProgress = false }

// serve creates the child end for client and queues it for accept. Called on
// the client's loop.
func (s *serverTransport) serve(client *transport) (*transport, error) {
	loop := s.ch.EventLoop()
	if !s.IsActive() || loop == nil {
		return nil, api.ErrConnectionRefused
	}
	child := newTransport()
	child.peer.Store(client)
	child.local.Store(s.addr.Load())
	child.remote.Store(client.local.Load())
	child.state.Store(stateOpen)
	child.ch = channel.New(child, s.ch)

	err := loop.Execute(func() {
		if !s.IsOpen() {
			child.ch.Unsafe().CloseForcibly()
			return
		}
		s.pending = append(s.pending, child.ch)
		s.readIfPending()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrConnectionRefused, err)
	}
	return child, nil
}

func (s *serverTransport) readIfPending() {
	if !s.readInProgress || len(s.pending) == 0 {
		return
	}
	s.readInProgress = false
	s.ch.Unsafe().ReadMessages(s.poll)
}

func (s *serverTransport) poll() (any, error) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	child := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return child, nil
}
