package history

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/listing"
)

// ErrOutOfOrder rejects an observation captured before the listing's latest snapshot.
var ErrOutOfOrder = errors.New("observation older than latest snapshot")

// Result reports what Record did with one observation.
type Result struct {
	Snapshot *store.PriceSnapshot
	// Appended is false when the listing already had a snapshot in this run,
	// or when the observation replays a capture already recorded.
	Appended bool
	// Replayed marks an observation carrying the same capture time as the
	// listing's latest snapshot from an earlier run, as when an unchanged
	// export is imported again.
	Replayed bool
	// Conflicting marks a same-run repeat whose price or currency differs
	// from the snapshot already stored; the stored one is kept.
	Conflicting bool
	// Change is set when the new price differs from the latest price of a
	// completed run.
	Change *store.PriceChange
}

// Recorder appends price snapshots to listing histories.
type Recorder struct {
	store store.Store
	locks *keyedMutex
	log   *logger.Logger
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s store.Store, log *logger.Logger) *Recorder {
	return &Recorder{
		store: s,
		locks: newKeyedMutex(),
		log:   logger.OrNop(log),
	}
}

type runKey struct {
	listingID int64
	runID     int64
}

// Record appends obs to the listing's history under obs.RunID. Calls for the
// same (listing, run) are serialized; a repeat within the run is a no-op.
func (r *Recorder) Record(ctx context.Context, listingID int64, obs *listing.Observation) (*Result, error) {
	unlock := r.locks.Lock(runKey{listingID, obs.RunID})
	defer unlock()

	existing, err := r.store.SnapshotForRun(ctx, listingID, obs.RunID)
	switch {
	case err == nil:
		return r.repeat(existing, obs), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	latest, err := r.store.LatestSnapshot(ctx, listingID, store.SnapshotOpts{})
	switch {
	case err == nil:
		if obs.CapturedAt.Before(latest.CapturedAt) {
			return nil, fmt.Errorf("%w: listing %d captured %s, latest %s", ErrOutOfOrder,
				listingID, obs.CapturedAt.Format("2006-01-02T15:04:05Z07:00"),
				latest.CapturedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		if obs.CapturedAt.Equal(latest.CapturedAt) {
			replay, err := r.replays(ctx, latest)
			if err != nil {
				return nil, err
			}
			if replay {
				res := r.repeat(latest, obs)
				res.Replayed = true
				return res, nil
			}
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	snap := Snapshot(listingID, obs)
	inserted, err := r.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Written by another process between the read and the insert.
		existing, err := r.store.SnapshotForRun(ctx, listingID, obs.RunID)
		if err != nil {
			return nil, err
		}
		return r.repeat(existing, obs), nil
	}

	res := &Result{Snapshot: snap, Appended: true}
	change, err := r.detectChange(ctx, snap)
	if err != nil {
		return nil, err
	}
	res.Change = change
	return res, nil
}

// replays reports whether a capture equal to latest is already recorded. A
// capture written only by a failed run is recorded again.
func (r *Recorder) replays(ctx context.Context, latest *store.PriceSnapshot) (bool, error) {
	run, err := r.store.GetRun(ctx, latest.ScrapeRunID)
	if err != nil {
		return false, err
	}
	return run.Status != store.RunFailed, nil
}

func (r *Recorder) repeat(existing *store.PriceSnapshot, obs *listing.Observation) *Result {
	res := &Result{Snapshot: existing}
	if !samePrice(existing.PriceCents, obs.PriceCents) || existing.Currency != obs.Currency {
		res.Conflicting = true
		r.log.Warn("conflicting snapshot in run ignored",
			"listing_id", existing.ListingID, "run_id", obs.RunID,
			"stored_cents", existing.PriceCents, "observed_cents", obs.PriceCents)
	}
	return res
}

// detectChange compares snap with the latest priced snapshot of a completed
// run and records a change event when the price moved. Unpriced snapshots in
// between do not reset the baseline.
func (r *Recorder) detectChange(ctx context.Context, snap *store.PriceSnapshot) (*store.PriceChange, error) {
	if snap.PriceCents == nil {
		return nil, nil
	}
	prev, err := r.store.LatestSnapshot(ctx, snap.ListingID, store.SnapshotOpts{
		CompletedOnly: true,
		PricedOnly:    true,
		ExcludeRunID:  snap.ScrapeRunID,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.PriceCents == nil || *prev.PriceCents == *snap.PriceCents || prev.Currency != snap.Currency {
		return nil, nil
	}

	change := NewChange(prev, snap)
	if _, err := r.store.InsertPriceChange(ctx, change); err != nil {
		return nil, err
	}
	r.log.Info("price changed", "listing_id", snap.ListingID, "run_id", snap.ScrapeRunID,
		"old_cents", change.OldCents, "new_cents", change.NewCents, "delta_cents", change.DeltaCents)
	return change, nil
}

// Snapshot builds the snapshot row for obs, deriving the discount from the
// base price when the shop shows one.
func Snapshot(listingID int64, obs *listing.Observation) *store.PriceSnapshot {
	snap := &store.PriceSnapshot{
		ListingID:      listingID,
		ScrapeRunID:    obs.RunID,
		CapturedAt:     obs.CapturedAt,
		Currency:       obs.Currency,
		PriceCents:     obs.PriceCents,
		BasePriceCents: obs.BasePriceCents,
		PriceText:      obs.PriceText,
		InStock:        obs.InStock,
		StockStatus:    obs.StockStatus,
	}
	if obs.PriceCents != nil && obs.BasePriceCents != nil && *obs.BasePriceCents > *obs.PriceCents {
		amount := *obs.BasePriceCents - *obs.PriceCents
		pct := round2(float64(amount) * 100 / float64(*obs.BasePriceCents))
		snap.Discounted = true
		snap.DiscountCents = &amount
		snap.DiscountPercent = &pct
	}
	return snap
}

// NewChange builds the change event between two priced snapshots.
func NewChange(prev, cur *store.PriceSnapshot) *store.PriceChange {
	delta := *cur.PriceCents - *prev.PriceCents
	var pct float64
	if *prev.PriceCents != 0 {
		pct = round2(float64(delta) * 100 / float64(*prev.PriceCents))
	}
	return &store.PriceChange{
		ListingID:    cur.ListingID,
		ScrapeRunID:  cur.ScrapeRunID,
		SnapshotID:   cur.ID,
		Currency:     cur.Currency,
		OldCents:     *prev.PriceCents,
		NewCents:     *cur.PriceCents,
		DeltaCents:   delta,
		DeltaPercent: pct,
		DetectedAt:   cur.CapturedAt,
	}
}

func samePrice(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
