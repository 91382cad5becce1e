package wsync

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Watermark is the last successfully synchronized position for one
// (account, destination) pair, in Unix seconds. The zero value means the
// destination has never been synced.
type Watermark int64

// WatermarkOf returns the watermark position for t.
func WatermarkOf(t time.Time) Watermark {
	return Watermark(t.Unix())
}

// ParseWatermark parses a decimal Unix timestamp. Anything other than a
// non-negative base-10 integer is rejected.
func ParseWatermark(s string) (Watermark, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: watermark %q is not a unix timestamp", ErrValidation, s)
	}
	wm := Watermark(v)
	if err := wm.Validate(); err != nil {
		return 0, err
	}
	return wm, nil
}

// Validate rejects negative positions.
func (w Watermark) Validate() error {
	if w < 0 {
		return fmt.Errorf("%w: watermark %d is negative", ErrValidation, int64(w))
	}
	return nil
}

// IsZero reports whether the destination has never been synced.
func (w Watermark) IsZero() bool { return w == 0 }

// Time returns the watermark as a UTC time.
func (w Watermark) Time() time.Time { return time.Unix(int64(w), 0).UTC() }

func (w Watermark) String() string {
	if w.IsZero() {
		return "never"
	}
	return w.Time().Format(time.RFC3339)
}

// MeasurementGroup is one timestamped set of body readings from the source
// provider. Absent readings are nil, never zero.
type MeasurementGroup struct {
	ID         int64
	Date       time.Time
	Weight     *float64 // kg
	FatRatio   *float64 // %
	Hydration  *float64 // kg of body water
	BoneMass   *float64 // kg
	MuscleMass *float64 // kg
}

// Position returns the watermark position of the group.
func (g MeasurementGroup) Position() Watermark {
	return WatermarkOf(g.Date)
}

// HasWeight reports whether the group carries the primary measurement.
func (g MeasurementGroup) HasWeight() bool {
	return g.Weight != nil
}

// HydrationPercent converts the hydration mass into a percentage of body
// weight. Returns nil when either reading is missing.
func (g MeasurementGroup) HydrationPercent() *float64 {
	if g.Hydration == nil || g.Weight == nil || *g.Weight <= 0 {
		return nil
	}
	p := *g.Hydration / *g.Weight * 100
	return &p
}

// Float returns a pointer to v. Handy for building groups.
func Float(v float64) *float64 { return &v }

// SortGroups orders groups oldest-first and collapses groups sharing a
// timestamp (the later one in the input wins). The input is not modified.
func SortGroups(groups []MeasurementGroup) []MeasurementGroup {
	byPos := make(map[Watermark]int, len(groups))
	out := make([]MeasurementGroup, 0, len(groups))
	for _, g := range groups {
		if i, ok := byPos[g.Position()]; ok {
			out[i] = g
			continue
		}
		byPos[g.Position()] = len(out)
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// Batch is what a destination intends to upload in one run.
type Batch struct {
	Groups    []MeasurementGroup
	Watermark Watermark // prospective watermark after a successful upload
	Payload   []byte    // encoded file for destinations that upload files
	Excluded  []*ExcludeError
}

// State is a step of the sync state machine.
type State string

const (
	StateIdle           State = "idle"
	StateBlocked        State = "blocked"
	StateFetchingSource State = "fetching_source"
	StateNothingNew     State = "nothing_new"
	StateTransforming   State = "transforming"
	StateAlreadySynced  State = "already_synced"
	StateAuthenticating State = "authenticating"
	StateUploading      State = "uploading"
	StateAdvancing      State = "advancing"
	StateFailed         State = "failed"
)

// Result describes the outcome of one sync run.
type Result struct {
	Destination string
	State       State // terminal state: idle (uploaded), nothing_new, already_synced, blocked or failed
	Previous    Watermark
	Watermark   Watermark
	Uploaded    int
	Groups      []MeasurementGroup // groups considered (preview) or uploaded (sync)
	Excluded    []*ExcludeError
}

// Advanced reports whether the run moved the watermark forward.
func (r *Result) Advanced() bool {
	return r.Watermark > r.Previous
}
