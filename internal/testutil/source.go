package testutil

import (
	"context"
	"sync"
	"time"

	"weightsync/internal/wsync"
)

// FakeSource serves a fixed set of measurement groups, honoring the
// "strictly after since" contract.
type FakeSource struct {
	mu     sync.Mutex
	groups []wsync.MeasurementGroup
	calls  int

	// Err, when set, is returned by FetchMeasurements.
	Err error
}

// SourceName is the name every FakeSource reports.
const SourceName = "withings"

var _ wsync.Source = (*FakeSource)(nil)

func NewFakeSource(groups ...wsync.MeasurementGroup) *FakeSource {
	return &FakeSource{groups: groups}
}

func (f *FakeSource) Name() string { return SourceName }

// Add appends groups to the source.
func (f *FakeSource) Add(groups ...wsync.MeasurementGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, groups...)
}

func (f *FakeSource) FetchMeasurements(_ context.Context, since wsync.Watermark) ([]wsync.MeasurementGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	var out []wsync.MeasurementGroup
	for _, g := range f.groups {
		if g.Position() > since {
			out = append(out, g)
		}
	}
	return out, nil
}

// Calls returns how many times FetchMeasurements was called.
func (f *FakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// WeightGroup builds a group at Unix position pos with the given weight.
func WeightGroup(pos int64, kg float64) wsync.MeasurementGroup {
	return wsync.MeasurementGroup{
		ID:     pos,
		Date:   time.Unix(pos, 0).UTC(),
		Weight: wsync.Float(kg),
	}
}
