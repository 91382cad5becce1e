package wsync

import (
	"context"
	"fmt"
)

// Syncer drives one synchronization run per destination: read the
// watermark, fetch newer source records, transform, upload and advance.
// It keeps no state between runs except what the StateStore persists.
type Syncer struct {
	source Source
	state  StateStore
	logger Logger
}

// NewSyncer creates a Syncer with the provided dependencies.
func NewSyncer(source Source, state StateStore, logger Logger) *Syncer {
	return &Syncer{
		source: source,
		state:  state,
		logger: logger,
	}
}

// Sync runs the pipeline for dest. The returned Result is never nil. Every
// non-nil error is a *Error; on error the watermark is left untouched.
func (s *Syncer) Sync(ctx context.Context, dest Destination) (*Result, error) {
	res, batch, err := s.prepare(ctx, dest)
	if err != nil || batch == nil {
		return res, err
	}
	if len(batch.Groups) == 0 {
		return s.skipExcluded(res, batch)
	}

	if sd, ok := dest.(SessionDestination); ok {
		s.transition(res, StateAuthenticating)
		if err := sd.Login(ctx); err != nil {
			return s.fail(res, KindAuthorization, res.Destination, err)
		}
	}

	s.transition(res, StateUploading)
	if err := dest.Upload(ctx, batch); err != nil {
		return s.fail(res, KindUpload, res.Destination, err)
	}

	s.transition(res, StateAdvancing)
	if err := s.state.SetWatermark(res.Destination, batch.Watermark); err != nil {
		return s.fail(res, KindSystem, res.Destination, fmt.Errorf("persisting watermark after upload: %w", err))
	}

	res.Watermark = batch.Watermark
	res.Uploaded = len(batch.Groups)
	res.Groups = batch.Groups
	s.transition(res, StateIdle)
	s.logger.Info("sync complete", "destination", res.Destination,
		"uploaded", res.Uploaded, "watermark", res.Watermark.String())
	return res, nil
}

// Preview runs the fetch and transform steps without logging in or
// uploading. The Result's Groups are what a Sync would upload.
func (s *Syncer) Preview(ctx context.Context, dest Destination) (*Result, error) {
	res, batch, err := s.prepare(ctx, dest)
	if err != nil || batch == nil {
		return res, err
	}
	if len(batch.Groups) == 0 {
		s.transition(res, StateNothingNew)
		return res, nil
	}
	res.Groups = batch.Groups
	res.Watermark = res.Previous
	return res, nil
}

// skipExcluded advances the watermark past a batch whose records were all
// excluded permanently, so they are not fetched and excluded again.
func (s *Syncer) skipExcluded(res *Result, batch *Batch) (*Result, error) {
	s.transition(res, StateAdvancing)
	if err := s.state.SetWatermark(res.Destination, batch.Watermark); err != nil {
		return s.fail(res, KindSystem, res.Destination, fmt.Errorf("persisting watermark past excluded measurements: %w", err))
	}
	res.Watermark = batch.Watermark
	s.transition(res, StateNothingNew)
	s.logger.Info("skipped excluded measurements", "destination", res.Destination,
		"excluded", len(batch.Excluded), "watermark", res.Watermark.String())
	return res, nil
}

// prepare performs the blocked check, fetch and transform steps. A nil
// batch with a nil error means the run ended early without anything to do.
func (s *Syncer) prepare(ctx context.Context, dest Destination) (*Result, *Batch, error) {
	res := &Result{Destination: dest.Name(), State: StateIdle}

	for _, name := range []string{s.source.Name(), res.Destination} {
		blocked, err := s.state.Block(name)
		if err != nil {
			r, e := s.fail(res, KindSystem, res.Destination, fmt.Errorf("reading %s block state: %w", name, err))
			return r, nil, e
		}
		if blocked != nil {
			res.State = StateBlocked
			s.logger.Warn("sync is blocked", "destination", res.Destination, "blocked", name, "kind", string(blocked.Kind))
			return res, nil, blocked.WithService(name)
		}
	}

	current, err := s.state.Watermark(res.Destination)
	if err != nil {
		r, e := s.fail(res, KindSystem, res.Destination, fmt.Errorf("reading watermark: %w", err))
		return r, nil, e
	}
	res.Previous = current
	res.Watermark = current

	s.transition(res, StateFetchingSource)
	fetched, err := s.source.FetchMeasurements(ctx, current)
	if err != nil {
		r, e := s.fail(res, KindDownload, s.source.Name(), err)
		return r, nil, e
	}
	if len(fetched) == 0 {
		s.transition(res, StateNothingNew)
		s.logger.Info("no new measurements", "destination", res.Destination, "since", current.String())
		return res, nil, nil
	}
	groups := SortGroups(fetched)

	s.transition(res, StateTransforming)
	batch, err := dest.Plan(groups)
	if err != nil {
		r, e := s.fail(res, KindSanity, res.Destination, err)
		return r, nil, e
	}
	if batch != nil {
		res.Excluded = batch.Excluded
	}
	for _, ex := range res.Excluded {
		s.logger.Warn("measurement excluded", "destination", res.Destination,
			"item", ex.ItemID, "reason", ex.Message, "permanent", ex.Permanent)
	}
	if batch != nil && len(batch.Groups) == 0 && batch.Watermark > current {
		return res, batch, nil
	}
	if batch == nil || len(batch.Groups) == 0 {
		s.transition(res, StateNothingNew)
		s.logger.Info("nothing uploadable in new measurements", "destination", res.Destination, "fetched", len(groups))
		return res, nil, nil
	}
	if batch.Watermark <= current {
		s.transition(res, StateAlreadySynced)
		s.logger.Info("last measurement was already synced", "destination", res.Destination, "watermark", current.String())
		return res, nil, nil
	}

	return res, batch, nil
}

func (s *Syncer) transition(res *Result, to State) {
	s.logger.Debug("sync state", "destination", res.Destination, "from", string(res.State), "to", string(to))
	res.State = to
}

// fail classifies err, records blocking failures under the service that
// raised them and marks the run failed.
func (s *Syncer) fail(res *Result, kind Kind, service string, err error) (*Result, error) {
	e := Wrap(kind, err).WithService(service)
	failedIn := res.State
	res.State = StateFailed
	res.Watermark = res.Previous

	s.logger.Error("sync failed", "destination", res.Destination, "state", string(failedIn),
		"service", e.Service, "kind", string(e.Kind), "scope", string(e.Scope), "blocking", e.Blocking, "error", e.Error())

	if e.Blocking {
		if serr := s.state.SetBlock(e.Service, e); serr != nil {
			s.logger.Error("recording block failed", "service", e.Service, "error", serr.Error())
		}
	}
	return res, e
}
