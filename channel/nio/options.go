// File: channel/nio/options.go
// License: Apache-2.0
//
// Package nio is the TCP transport: non-blocking sockets multiplexed by an
// epoll poller that each event loop services between task batches. It is
// available on Linux; elsewhere the constructors return api.ErrNotSupported.

package nio

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-nio/channel"
)

func positive(v int) error {
	if v <= 0 {
		return fmt.Errorf("must be positive, got %d", v)
	}
	return nil
}

// Socket options. Unset options keep the operating system defaults, except
// SoReuseAddr on listeners and TCPNoDelay on connections, which default to on.
var (
	SoBacklog   = channel.NewOption("SO_BACKLOG", 128, positive)
	SoReuseAddr = channel.NewOption("SO_REUSEADDR", true, nil)
	SoKeepAlive = channel.NewOption("SO_KEEPALIVE", false, nil)
	TCPNoDelay  = channel.NewOption("TCP_NODELAY", true, nil)
	SoRcvBuf    = channel.NewOption("SO_RCVBUF", 0, positive)
	SoSndBuf    = channel.NewOption("SO_SNDBUF", 0, positive)

	// SoLinger lingers on close for up to the given whole seconds. A negative
	// value turns lingering off.
	SoLinger = channel.NewOption("SO_LINGER", time.Duration(-1), nil)
)

var (
	serverOptions = []channel.AnyOption{SoBacklog, SoReuseAddr, SoRcvBuf}
	socketOptions = []channel.AnyOption{SoReuseAddr, SoKeepAlive, TCPNoDelay, SoRcvBuf, SoSndBuf, SoLinger}
)

const (
	// maxIovecs is the kernel's IOV_MAX.
	maxIovecs = 1024
	// maxGatheringWrite caps the bytes handed to one writev call.
	maxGatheringWrite = 1 << 30
)
