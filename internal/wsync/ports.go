package wsync

import (
	"context"
	"io"
)

// Source provides measurement groups from the health-tracking provider.
type Source interface {
	// Name keys the source's block in the StateStore, apart from any
	// destination's.
	Name() string
	// FetchMeasurements returns every group positioned strictly after since.
	// Ordering is unspecified; the controller normalizes it.
	FetchMeasurements(ctx context.Context, since Watermark) ([]MeasurementGroup, error)
}

// Encoder turns measurement groups into the binary file the device cloud accepts.
// Callers drop groups that fail Check before calling Encode, since a single
// bad group fails the whole file.
type Encoder interface {
	Check(g MeasurementGroup) error
	Encode(groups []MeasurementGroup) ([]byte, error)
}

// Destination is a service measurements are pushed to.
type Destination interface {
	// Name identifies the destination in config, logs and watermarks.
	Name() string

	// Plan selects and transforms what to upload from oldest-first groups.
	// It returns nil when nothing in groups is uploadable. A batch with no
	// groups but a watermark moves the watermark past records that were
	// excluded for good.
	Plan(groups []MeasurementGroup) (*Batch, error)

	// Upload pushes the batch. Any returned error means nothing may be
	// assumed about the upload and the watermark must not move.
	Upload(ctx context.Context, batch *Batch) error
}

// SessionDestination is a Destination that talks to its service over an
// authenticated web session, established before uploading.
type SessionDestination interface {
	Destination
	Login(ctx context.Context) error
}

// StateStore persists per-destination sync state between runs.
type StateStore interface {
	// Watermark returns the last synchronized position for dest (zero if never synced).
	Watermark(dest string) (Watermark, error)

	// SetWatermark durably records a new position. It returns only after
	// the value is persisted.
	SetWatermark(dest string, wm Watermark) error

	// Block returns the blocking error recorded for dest, if any.
	Block(dest string) (*Error, error)

	// SetBlock records (or with nil, clears) a blocking error for dest.
	SetBlock(dest string, e *Error) error
}

// Archive keeps a copy of uploaded payloads.
type Archive interface {
	// PutPayload stores a payload under name. size is the number of bytes
	// that will be read from r. Storing the same name twice overwrites it.
	PutPayload(ctx context.Context, name string, r io.Reader, size int64) error

	// ValidateSetup verifies that the archive is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
