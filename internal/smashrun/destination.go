package smashrun

import (
	"context"
	"fmt"
	"time"

	"weightsync/internal/wsync"
)

// Name is the destination name used in config and watermarks.
const Name = "smashrun"

// weightRecorder is the part of Client the destination needs.
type weightRecorder interface {
	CreateWeight(ctx context.Context, kg float64, date time.Time) error
}

// Destination records the most recent weight of each run.
type Destination struct {
	client weightRecorder
	logger wsync.Logger
}

var _ wsync.Destination = (*Destination)(nil)

func NewDestination(client *Client, logger wsync.Logger) *Destination {
	return &Destination{client: client, logger: logger}
}

func (d *Destination) Name() string { return Name }

// Plan picks the newest group carrying a weight. Older readings are not
// sent: the log keeps one current weight. Groups without a weight are
// excluded, and the watermark covers every group passed in.
func (d *Destination) Plan(groups []wsync.MeasurementGroup) (*wsync.Batch, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	batch := &wsync.Batch{Watermark: groups[len(groups)-1].Position()}
	for _, g := range groups {
		if !g.HasWeight() {
			reason := wsync.NewReason(wsync.KindInsufficientData, false, "")
			batch.Excluded = append(batch.Excluded,
				wsync.NewExclusion(fmt.Sprint(g.ID), "measurement has no weight", true, &reason))
			continue
		}
		batch.Groups = []wsync.MeasurementGroup{g}
	}
	return batch, nil
}

func (d *Destination) Upload(ctx context.Context, batch *wsync.Batch) error {
	g := batch.Groups[0]
	d.logger.Info("recording weight in smashrun", "weight_kg", *g.Weight, "taken_at", g.Date.Format(time.RFC3339))
	return d.client.CreateWeight(ctx, *g.Weight, g.Date)
}
