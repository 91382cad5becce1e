package wsync

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the time stamped on sync runs and blocks.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator names sync runs. The ID groups a run's history rows and log
// lines and doubles as the OAuth2 state during setup.
type IDGenerator interface {
	New() string
}

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
