// Package api
// License: Apache-2.0
//
// Shared contracts for hioload-nio: the error taxonomy used by every layer and
// the reference-counting contract for pooled messages. The package has no
// dependencies on the runtime packages so that all of them can import it.
package api
