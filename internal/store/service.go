package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// UpsertCustomerService replaces the service terms for (competitor, listing).
func (s *SQLStore) UpsertCustomerService(ctx context.Context, cs *CustomerService) error {
	if cs.ScrapedAt.IsZero() {
		cs.ScrapedAt = s.now()
	}
	err := s.get(ctx, "upsert customer service", &cs.ID, `
		INSERT INTO customer_service (competitor_id, listing_key, scrape_run_id, scraped_at, shipping_included,
			free_shipping_threshold_cents, pickup_point_available, delivery_shipping_available, delivery_courier_available,
			cooling_off_days, free_returns, warranty_provider, warranty_duration_months, customer_service_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(competitor_id, listing_key) DO UPDATE SET
			scrape_run_id = excluded.scrape_run_id,
			scraped_at = excluded.scraped_at,
			shipping_included = excluded.shipping_included,
			free_shipping_threshold_cents = excluded.free_shipping_threshold_cents,
			pickup_point_available = excluded.pickup_point_available,
			delivery_shipping_available = excluded.delivery_shipping_available,
			delivery_courier_available = excluded.delivery_courier_available,
			cooling_off_days = excluded.cooling_off_days,
			free_returns = excluded.free_returns,
			warranty_provider = excluded.warranty_provider,
			warranty_duration_months = excluded.warranty_duration_months,
			customer_service_url = excluded.customer_service_url
		RETURNING customer_service_id
	`, cs.CompetitorID, cs.ListingID, cs.ScrapeRunID, cs.ScrapedAt, cs.ShippingIncluded,
		cs.FreeShippingThresholdCents, cs.PickupPointAvailable, cs.DeliveryShippingAvailable,
		cs.DeliveryCourierAvailable, cs.CoolingOffDays, cs.FreeReturns, cs.WarrantyProvider,
		cs.WarrantyMonths, cs.URL)
	if err != nil {
		return fmt.Errorf("upsert customer service %d/%d: %w", cs.CompetitorID, cs.ListingID, err)
	}
	return nil
}

// LatestCustomerService returns the listing's own terms, falling back to the
// shop-wide row.
func (s *SQLStore) LatestCustomerService(ctx context.Context, competitorID, listingID int64) (*CustomerService, error) {
	var cs CustomerService
	err := s.get(ctx, "latest customer service", &cs, `
		SELECT * FROM customer_service
		WHERE competitor_id = ? AND listing_key IN (?, ?)
		ORDER BY listing_key DESC LIMIT 1
	`, competitorID, listingID, ShopWide)
	if err != nil {
		return nil, fmt.Errorf("customer service %d/%d: %w", competitorID, listingID, err)
	}
	return &cs, nil
}

// UpsertExpertSupport replaces the support channels for (competitor, listing).
func (s *SQLStore) UpsertExpertSupport(ctx context.Context, es *ExpertSupport) error {
	if es.ScrapedAt.IsZero() {
		es.ScrapedAt = s.now()
	}
	err := s.get(ctx, "upsert expert support", &es.ID, `
		INSERT INTO expert_support (competitor_id, listing_key, scrape_run_id, scraped_at, source_url,
			expert_chat_available, phone_support_available, email_support_available, whatsapp_available,
			in_store_support, expert_support_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(competitor_id, listing_key) DO UPDATE SET
			scrape_run_id = excluded.scrape_run_id,
			scraped_at = excluded.scraped_at,
			source_url = excluded.source_url,
			expert_chat_available = excluded.expert_chat_available,
			phone_support_available = excluded.phone_support_available,
			email_support_available = excluded.email_support_available,
			whatsapp_available = excluded.whatsapp_available,
			in_store_support = excluded.in_store_support,
			expert_support_text = excluded.expert_support_text
		RETURNING expert_support_id
	`, es.CompetitorID, es.ListingID, es.ScrapeRunID, es.ScrapedAt, es.SourceURL,
		es.ChatAvailable, es.PhoneAvailable, es.EmailAvailable, es.WhatsApp, es.InStore, es.Text)
	if err != nil {
		return fmt.Errorf("upsert expert support %d/%d: %w", es.CompetitorID, es.ListingID, err)
	}
	return nil
}

func (s *SQLStore) LatestExpertSupport(ctx context.Context, competitorID, listingID int64) (*ExpertSupport, error) {
	var es ExpertSupport
	err := s.get(ctx, "latest expert support", &es, `
		SELECT * FROM expert_support
		WHERE competitor_id = ? AND listing_key IN (?, ?)
		ORDER BY listing_key DESC LIMIT 1
	`, competitorID, listingID, ShopWide)
	if err != nil {
		return nil, fmt.Errorf("expert support %d/%d: %w", competitorID, listingID, err)
	}
	return &es, nil
}

// AddReview appends a review; re-ingesting the same review in the same run
// is a no-op reported as false.
func (s *SQLStore) AddReview(ctx context.Context, r *Review) (bool, error) {
	if r.CapturedAt.IsZero() {
		r.CapturedAt = s.now()
	}
	if r.RatingScale == 0 {
		r.RatingScale = 5
	}
	sum := sha256.Sum256([]byte(r.Reviewer + "\x00" + r.Text))
	r.Hash = hex.EncodeToString(sum[:16])

	err := s.get(ctx, "add review", &r.ID, `
		INSERT INTO review (listing_id, scrape_run_id, captured_at, rating_value, rating_scale, review_count,
			review_text, reviewer_name, verified, review_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, scrape_run_id, review_hash) DO NOTHING
		RETURNING review_id
	`, r.ListingID, r.ScrapeRunID, r.CapturedAt, r.RatingValue, r.RatingScale, r.ReviewCount,
		r.Text, r.Reviewer, r.Verified, r.Hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add review listing %d: %w", r.ListingID, err)
	}
	return true, nil
}

func (s *SQLStore) Reviews(ctx context.Context, listingID int64) ([]Review, error) {
	var out []Review
	err := s.selectRows(ctx, "reviews", &out,
		"SELECT * FROM review WHERE listing_id = ? ORDER BY captured_at, review_id", listingID)
	if err != nil {
		return nil, fmt.Errorf("reviews listing %d: %w", listingID, err)
	}
	return out, nil
}
