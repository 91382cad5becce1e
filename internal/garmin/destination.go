package garmin

import (
	"bytes"
	"context"
	"fmt"

	"weightsync/internal/wsync"
)

// Name is the destination name used in config and watermarks.
const Name = "garmin"

// Destination uploads weight measurements to Connect as one FIT file per run.
type Destination struct {
	client    *Client
	accountID string
	creds     Credentials
	encoder   wsync.Encoder
	archive   wsync.Archive
	logger    wsync.Logger

	sess *Session
}

var _ wsync.SessionDestination = (*Destination)(nil)

// NewDestination creates the Connect destination. archive may be nil.
func NewDestination(client *Client, creds Credentials, encoder wsync.Encoder, archive wsync.Archive, logger wsync.Logger) *Destination {
	return &Destination{
		client:    client,
		accountID: creds.Username,
		creds:     creds,
		encoder:   encoder,
		archive:   archive,
		logger:    logger,
	}
}

func (d *Destination) Name() string { return Name }

// Plan encodes every group carrying a valid weight reading into a single
// file. Other groups are excluded permanently, so the prospective watermark
// is always the newest group's position.
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
		if err := d.encoder.Check(g); err != nil {
			reason := wsync.NewReason(wsync.KindSanity, false, "")
			batch.Excluded = append(batch.Excluded,
				wsync.NewExclusion(fmt.Sprint(g.ID), err.Error(), true, &reason))
			continue
		}
		batch.Groups = append(batch.Groups, g)
	}
	if len(batch.Groups) == 0 {
		return batch, nil
	}

	payload, err := d.encoder.Encode(batch.Groups)
	if err != nil {
		return nil, wsync.AccountError(wsync.KindSanity, "encoding weight file", err)
	}
	batch.Payload = payload
	return batch, nil
}

// Login establishes (or reuses) the Connect session.
func (d *Destination) Login(ctx context.Context) error {
	sess, err := d.client.Login(ctx, d.accountID, d.creds)
	if err != nil {
		return err
	}
	d.sess = sess
	return nil
}

// Upload sends the batch's payload and archives it. Archive failures are
// logged and do not fail the upload.
func (d *Destination) Upload(ctx context.Context, batch *wsync.Batch) error {
	if d.sess == nil {
		if err := d.Login(ctx); err != nil {
			return err
		}
	}

	res, err := d.client.Upload(ctx, d.sess, batch.Payload)
	if err != nil {
		return err
	}
	d.logger.Info("garmin upload finished", "upload_id", res.UploadID,
		"successes", res.Successes, "failures", res.Failures, "no_content", res.NoContent)

	if d.archive != nil {
		name := fmt.Sprintf("%s/%d.fit", Name, int64(batch.Watermark))
		if err := d.archive.PutPayload(ctx, name, bytes.NewReader(batch.Payload), int64(len(batch.Payload))); err != nil {
			d.logger.Warn("archiving upload failed", "name", name, "error", err.Error())
		}
	}
	return nil
}
