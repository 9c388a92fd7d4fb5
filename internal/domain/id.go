package domain

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh ULID string. Used for session, run, error, and
// task identifiers when the caller does not supply one.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
