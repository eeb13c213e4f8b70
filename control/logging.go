// File: control/logging.go
// License: Apache-2.0

package control

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var pkgLogger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "control").Logger().Level(zerolog.WarnLevel)
	pkgLogger.Store(&l)
}

// SetLogger replaces the logger reporting reloads and rejected options.
func SetLogger(l zerolog.Logger) {
	pkgLogger.Store(&l)
}

// Logger returns the package logger.
func Logger() *zerolog.Logger {
	return pkgLogger.Load()
}
