// File: channel/id.go
// License: Apache-2.0

package channel

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ID identifies a channel. IDs are time-sortable ULIDs, unique within and
// across processes.
type ID ulid.ULID

// NewID returns a fresh channel id.
func NewID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy))
}

// String returns the 26 character ULID form.
func (id ID) String() string {
	return ulid.ULID(id).String()
}

// Short returns the last 8 characters of the ULID, the random part that differs
// between channels created in the same millisecond.
func (id ID) Short() string {
	s := id.String()
	return s[len(s)-8:]
}

// Time returns the creation time encoded in the id.
func (id ID) Time() time.Time {
	return ulid.Time(ulid.ULID(id).Time())
}
