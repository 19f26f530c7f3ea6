package store

import (
	"context"
	"errors"
	"fmt"
)

// runFilter narrows a price query aliased as p to runs allowed by opts.
func runFilter(opts SnapshotOpts) (string, []any) {
	var clause string
	var args []any
	if opts.CompletedOnly {
		clause += " AND p.scrape_run_id IN (SELECT scrape_run_id FROM scraperun WHERE status = ?)"
		args = append(args, RunCompleted)
	}
	if opts.PricedOnly {
		clause += " AND p.current_price_cents IS NOT NULL"
	}
	if opts.ExcludeRunID > 0 {
		clause += " AND p.scrape_run_id <> ?"
		args = append(args, opts.ExcludeRunID)
	}
	return clause, args
}

// InsertSnapshot appends a snapshot. It returns false when the listing
// already has a snapshot for the same run.
func (s *SQLStore) InsertSnapshot(ctx context.Context, ps *PriceSnapshot) (bool, error) {
	err := s.get(ctx, "insert snapshot", &ps.ID, `
		INSERT INTO pricesnapshot (listing_id, scrape_run_id, captured_at, currency, current_price_cents, base_price_cents,
			discount_amount_cents, discount_percent, discounted, price_text, in_stock, stock_status_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, scrape_run_id) DO NOTHING
		RETURNING price_snapshot_id
	`, ps.ListingID, ps.ScrapeRunID, ps.CapturedAt, ps.Currency, ps.PriceCents, ps.BasePriceCents,
		ps.DiscountCents, ps.DiscountPercent, ps.Discounted, ps.PriceText, ps.InStock, ps.StockStatus)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert snapshot listing %d run %d: %w", ps.ListingID, ps.ScrapeRunID, err)
	}
	return true, nil
}

func (s *SQLStore) SnapshotForRun(ctx context.Context, listingID, runID int64) (*PriceSnapshot, error) {
	var ps PriceSnapshot
	err := s.get(ctx, "snapshot for run", &ps,
		"SELECT * FROM pricesnapshot WHERE listing_id = ? AND scrape_run_id = ?", listingID, runID)
	if err != nil {
		return nil, fmt.Errorf("snapshot listing %d run %d: %w", listingID, runID, err)
	}
	return &ps, nil
}

func (s *SQLStore) LatestSnapshot(ctx context.Context, listingID int64, opts SnapshotOpts) (*PriceSnapshot, error) {
	clause, args := runFilter(opts)
	var ps PriceSnapshot
	err := s.get(ctx, "latest snapshot", &ps,
		"SELECT p.* FROM pricesnapshot p WHERE p.listing_id = ?"+clause+
			" ORDER BY p.captured_at DESC, p.price_snapshot_id DESC LIMIT 1",
		append([]any{listingID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot listing %d: %w", listingID, err)
	}
	return &ps, nil
}

// Snapshots returns the listing's history ordered by capture time.
func (s *SQLStore) Snapshots(ctx context.Context, listingID int64, opts SnapshotOpts) ([]PriceSnapshot, error) {
	clause, args := runFilter(opts)
	var out []PriceSnapshot
	err := s.selectRows(ctx, "snapshots", &out,
		"SELECT p.* FROM pricesnapshot p WHERE p.listing_id = ?"+clause+
			" ORDER BY p.captured_at, p.price_snapshot_id",
		append([]any{listingID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("snapshots listing %d: %w", listingID, err)
	}
	return out, nil
}

func (s *SQLStore) RunSnapshots(ctx context.Context, runID int64) ([]PriceSnapshot, error) {
	var out []PriceSnapshot
	err := s.selectRows(ctx, "run snapshots", &out,
		"SELECT * FROM pricesnapshot WHERE scrape_run_id = ? ORDER BY listing_id", runID)
	if err != nil {
		return nil, fmt.Errorf("snapshots run %d: %w", runID, err)
	}
	return out, nil
}

// InsertPriceChange records a change event once per (listing, run).
func (s *SQLStore) InsertPriceChange(ctx context.Context, c *PriceChange) (bool, error) {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.now()
	}
	err := s.get(ctx, "insert price change", &c.ID, `
		INSERT INTO price_change (listing_id, scrape_run_id, price_snapshot_id, currency, old_price_cents,
			new_price_cents, delta_cents, delta_percent, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, scrape_run_id) DO NOTHING
		RETURNING price_change_id
	`, c.ListingID, c.ScrapeRunID, c.SnapshotID, c.Currency, c.OldCents, c.NewCents,
		c.DeltaCents, c.DeltaPercent, c.DetectedAt)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert price change listing %d: %w", c.ListingID, err)
	}
	return true, nil
}

func (s *SQLStore) PriceChanges(ctx context.Context, listingID int64, opts SnapshotOpts) ([]PriceChange, error) {
	opts.PricedOnly = false
	clause, args := runFilter(opts)
	var out []PriceChange
	err := s.selectRows(ctx, "price changes", &out,
		"SELECT p.* FROM price_change p WHERE p.listing_id = ?"+clause+" ORDER BY p.detected_at, p.price_change_id",
		append([]any{listingID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("price changes listing %d: %w", listingID, err)
	}
	return out, nil
}
