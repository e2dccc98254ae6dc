package ids

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

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// IDs created within the same millisecond are strictly increasing.
func CreateULID() string {
	return NewULID().String()
}

// NewULID returns a monotonic ULID for the current time.
func NewULID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Timestamp extracts the creation time of a ULID string.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// IsULID reports whether id is a well formed ULID.
func IsULID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
