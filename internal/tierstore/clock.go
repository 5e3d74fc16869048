package tierstore

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. Record timestamps, blob names and sweep
// cutoffs all read from it so tests can pin them.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator hands out record IDs.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random (v4) UUID strings.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }
