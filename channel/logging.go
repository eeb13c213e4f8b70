// File: channel/logging.go
// License: Apache-2.0

package channel

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var pkgLogger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "channel").Logger().Level(zerolog.WarnLevel)
	pkgLogger.Store(&l)
}

// SetLogger replaces the logger used for pipeline and channel diagnostics.
func SetLogger(l zerolog.Logger) {
	pkgLogger.Store(&l)
}

// Logger returns the package logger.
func Logger() *zerolog.Logger {
	return pkgLogger.Load()
}

// Observer receives channel telemetry. Methods are called on event loop
// goroutines and must not block.
type Observer interface {
	ChannelRegistered(id string)
	ChannelClosed(id string)
	WritabilityChanged(id string, writable bool)
	BytesRead(id string, n int)
	BytesWritten(id string, n int)
}

type observerHolder struct{ Observer }

var observer atomic.Pointer[observerHolder]

// SetObserver installs the process-wide channel observer. nil removes it.
func SetObserver(o Observer) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{o})
}

func currentObserver() Observer {
	if h := observer.Load(); h != nil {
		return h.Observer
	}
	return nil
}

// AssertEventLoop turns on thread-confinement checks: channel internals panic
// when called off their event loop. Meant for tests and debugging.
var AssertEventLoop = false
