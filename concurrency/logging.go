// File: concurrency/logging.go
// License: Apache-2.0

package concurrency

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var pkgLogger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "concurrency").Logger().Level(zerolog.WarnLevel)
	pkgLogger.Store(&l)
}

// SetLogger replaces the package logger used for listener failures and by
// executors created without WithLogger.
func SetLogger(l zerolog.Logger) {
	pkgLogger.Store(&l)
}

// Logger returns the package logger.
func Logger() *zerolog.Logger {
	return pkgLogger.Load()
}
