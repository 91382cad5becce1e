package database

import "time"

// Run statuses besides the sync result states.
const (
	StatusRunning = "running"
)

// SyncRun is one destination's share of a sync invocation.
type SyncRun struct {
	ID                int64
	RunID             string
	Command           string // "sync" or "sync-preview"
	Destination       string
	StartedAt         time.Time
	FinishedAt        *time.Time
	Status            string
	Uploaded          int
	PreviousWatermark int64
	Watermark         int64
	ErrorKind         string
	ErrorMessage      string
	ExcludedCount     int
	Excluded          []ExcludedItem // loaded only by ExcludedItems
}

// Finished reports whether the run has been closed out.
func (r *SyncRun) Finished() bool {
	return r.FinishedAt != nil
}

// ExcludedItem records a measurement a run skipped.
type ExcludedItem struct {
	ItemID     string
	Message    string
	Permanent  bool
	ReasonKind string
}
