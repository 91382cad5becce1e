package app

import (
	"context"
	"time"

	"weightsync/internal/database"
	"weightsync/internal/wsync"
)

// History stores one record per destination and sync invocation.
type History interface {
	CreateSyncRun(ctx context.Context, run *database.SyncRun) error
	FinishSyncRun(ctx context.Context, run *database.SyncRun) error
	ListSyncRuns(ctx context.Context, destination string, limit int) ([]*database.SyncRun, error)
	ExcludedItems(ctx context.Context, id int64) ([]database.ExcludedItem, error)
	PruneSyncRuns(ctx context.Context, cutoff time.Time) (int64, error)
	CheckMigrations() error
	Path() string
	Close() error
}

var _ History = (*database.SQLiteDatabase)(nil)

// newSyncRun creates the in-memory record for a run that is starting.
func newSyncRun(runID, command, destination string, started time.Time) *database.SyncRun {
	return &database.SyncRun{
		RunID:       runID,
		Command:     command,
		Destination: destination,
		StartedAt:   started,
		Status:      database.StatusRunning,
	}
}

// finishSyncRun copies the outcome of a sync into run.
func finishSyncRun(run *database.SyncRun, res *wsync.Result, err error, finished time.Time) {
	run.FinishedAt = &finished
	if res != nil {
		run.Status = string(res.State)
		run.Uploaded = res.Uploaded
		run.PreviousWatermark = int64(res.Previous)
		run.Watermark = int64(res.Watermark)
		run.Excluded = make([]database.ExcludedItem, 0, len(res.Excluded))
		for _, ex := range res.Excluded {
			item := database.ExcludedItem{ItemID: ex.ItemID, Message: ex.Message, Permanent: ex.Permanent}
			if ex.Reason != nil {
				item.ReasonKind = string(ex.Reason.Kind)
			}
			run.Excluded = append(run.Excluded, item)
		}
	}
	if err == nil {
		return
	}
	if run.Status == "" || run.Status == database.StatusRunning {
		run.Status = string(wsync.StateFailed)
	}
	run.ErrorMessage = err.Error()
	if e, ok := wsync.AsError(err); ok {
		run.ErrorKind = string(e.Kind)
	}
}
