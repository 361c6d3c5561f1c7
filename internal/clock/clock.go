// Package clock provides wall and monotonic time plus ID generation behind a
// seam so tests can inject deterministic providers.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps and identifiers to the orchestrator.
type Clock interface {
	// Now returns wall-clock time.
	Now() time.Time
	// Monotonic returns a monotonic reading in nanoseconds, comparable only
	// to other readings from the same Clock.
	Monotonic() int64
	// NewID returns a new unique identifier.
	NewID() string
}

// System is the production Clock backed by time and google/uuid.
type System struct {
	origin time.Time
}

// NewSystem creates a system clock.
func NewSystem() *System {
	return &System{origin: time.Now()}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) Monotonic() int64 { return int64(time.Since(s.origin)) }

func (s *System) NewID() string { return uuid.NewString() }
