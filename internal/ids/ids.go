// Package ids issues ULIDs. Audit entries rely on them sorting by creation
// time, which is what makes keyset pagination over the audit table work.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. Monotonic entropy keeps
// ids generated within the same millisecond ordered.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsValid reports whether s parses as a ULID; audit cursors are validated
// with it before reaching SQL.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
