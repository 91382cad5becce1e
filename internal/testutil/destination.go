package testutil

import (
	"context"
	"sync"

	"weightsync/internal/wsync"
)

// FakeDestination batches every weighted group and records uploads.
// It implements wsync.SessionDestination; set LoginErr or UploadErr to inject failures.
type FakeDestination struct {
	mu      sync.Mutex
	name    string
	uploads []*wsync.Batch
	logins  int

	UploadErr error
	LoginErr  error
}

var _ wsync.SessionDestination = (*FakeDestination)(nil)

func NewFakeDestination(name string) *FakeDestination {
	return &FakeDestination{name: name}
}

func (d *FakeDestination) Name() string { return d.name }

func (d *FakeDestination) Plan(groups []wsync.MeasurementGroup) (*wsync.Batch, error) {
	batch := &wsync.Batch{}
	for _, g := range groups {
		if !g.HasWeight() {
			batch.Excluded = append(batch.Excluded, wsync.NewExclusion(g.Position().String(), "no weight", true, nil))
			continue
		}
		batch.Groups = append(batch.Groups, g)
	}
	if len(groups) > 0 {
		batch.Watermark = groups[len(groups)-1].Position()
	}
	return batch, nil
}

func (d *FakeDestination) Login(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logins++
	return d.LoginErr
}

func (d *FakeDestination) Upload(_ context.Context, batch *wsync.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UploadErr != nil {
		return d.UploadErr
	}
	d.uploads = append(d.uploads, batch)
	return nil
}

// Uploads returns the batches uploaded so far.
func (d *FakeDestination) Uploads() []*wsync.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*wsync.Batch(nil), d.uploads...)
}

// Logins returns how many times Login was called.
func (d *FakeDestination) Logins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logins
}
