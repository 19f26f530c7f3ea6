package store

import "time"

// RunStatus is the lifecycle state of a scrape run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// MatchMethod records how a listing was attached to a product.
type MatchMethod string

const (
	MethodExactID        MatchMethod = "exact-id"
	MethodNormalizedName MatchMethod = "normalized-name"
	MethodManual         MatchMethod = "manual"
)

// Competitor is one webshop.
type Competitor struct {
	ID       int64  `db:"competitor_id" json:"id"`
	Key      string `db:"shop_key" json:"key"`
	Name     string `db:"name" json:"name"`
	Country  string `db:"country" json:"country"`
	BaseURL  string `db:"base_url" json:"base_url"`
	Currency string `db:"currency" json:"currency"`
}

// ScrapeRun is one traceable ingestion batch for a single competitor.
type ScrapeRun struct {
	ID             int64      `db:"scrape_run_id" json:"id"`
	RunKey         string     `db:"run_key" json:"run_key"`
	CompetitorID   int64      `db:"competitor_id" json:"competitor_id"`
	Status         RunStatus  `db:"status" json:"status"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	EndedAt        *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	CrawlerVersion string     `db:"crawler_version" json:"crawler_version,omitempty"`
	GitCommitHash  string     `db:"git_commit_hash" json:"git_commit_hash,omitempty"`
	Notes          string     `db:"notes" json:"notes,omitempty"`
	FailureReason  string     `db:"failure_reason" json:"failure_reason,omitempty"`
}

// Category scopes listing URLs of one competitor.
type Category struct {
	ID           int64  `db:"category_id" json:"id"`
	CompetitorID int64  `db:"competitor_id" json:"competitor_id"`
	Name         string `db:"name" json:"name"`
	URL          string `db:"url" json:"url"`
	ParentID     *int64 `db:"parent_category_id" json:"parent_id,omitempty"`
}

// PageLink is a known page of a competitor (policy, support, category seed).
type PageLink struct {
	ID           int64  `db:"page_id" json:"id"`
	CompetitorID int64  `db:"competitor_id" json:"competitor_id"`
	PageType     string `db:"page_type" json:"page_type"`
	URL          string `db:"url" json:"url"`
}

// Product is the canonical real-world microphone.
type Product struct {
	ID            int64     `db:"product_id" json:"id"`
	CanonicalName string    `db:"canonical_name" json:"canonical_name"`
	Brand         string    `db:"brand" json:"brand"`
	Model         string    `db:"model" json:"model"`
	Signature     string    `db:"signature" json:"signature"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Listing is a product as it appears on one competitor's shop.
type Listing struct {
	ID           int64     `db:"listing_id" json:"id"`
	ProductID    *int64    `db:"product_id" json:"product_id,omitempty"`
	CompetitorID int64     `db:"competitor_id" json:"competitor_id"`
	CategoryID   *int64    `db:"category_id" json:"category_id,omitempty"`
	NativeID     string    `db:"native_id" json:"native_id"`
	Title        string    `db:"title_on_page" json:"title"`
	URL          string    `db:"product_url" json:"url,omitempty"`
	GTIN         string    `db:"gtin" json:"gtin,omitempty"`
	MPN          string    `db:"mpn" json:"mpn,omitempty"`
	ScrapeRunID  int64     `db:"scrape_run_id" json:"scrape_run_id"`
	FirstSeen    time.Time `db:"first_seen" json:"first_seen"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
	NeedsReview  bool      `db:"needs_review" json:"needs_review"`
	ReviewReason string    `db:"review_reason" json:"review_reason,omitempty"`
}

// ProductMatch is the listing to product edge.
type ProductMatch struct {
	ID         int64       `db:"match_id" json:"id"`
	ProductID  int64       `db:"product_id" json:"product_id"`
	ListingID  int64       `db:"listing_id" json:"listing_id"`
	Method     MatchMethod `db:"match_method" json:"method"`
	Confidence float64     `db:"match_score" json:"confidence"`
	Seed       bool        `db:"seed" json:"seed"`
	// Signature is the listing's name signature for automatic edges.
	Signature string    `db:"signature" json:"signature,omitempty"`
	MatchedAt time.Time `db:"matched_at" json:"matched_at"`
}

// MatchOverride audits a manual re-pointing of a listing.
type MatchOverride struct {
	ID           int64     `db:"override_id" json:"id"`
	ListingID    int64     `db:"listing_id" json:"listing_id"`
	OldProductID *int64    `db:"old_product_id" json:"old_product_id,omitempty"`
	NewProductID int64     `db:"new_product_id" json:"new_product_id"`
	Reason       string    `db:"reason" json:"reason"`
	Actor        string    `db:"actor" json:"actor"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// PriceSnapshot is one append-only price/availability observation. Amounts are minor units.
type PriceSnapshot struct {
	ID              int64     `db:"price_snapshot_id" json:"id"`
	ListingID       int64     `db:"listing_id" json:"listing_id"`
	ScrapeRunID     int64     `db:"scrape_run_id" json:"scrape_run_id"`
	CapturedAt      time.Time `db:"captured_at" json:"captured_at"`
	Currency        string    `db:"currency" json:"currency"`
	PriceCents      *int64    `db:"current_price_cents" json:"price_cents,omitempty"`
	BasePriceCents  *int64    `db:"base_price_cents" json:"base_price_cents,omitempty"`
	DiscountCents   *int64    `db:"discount_amount_cents" json:"discount_cents,omitempty"`
	DiscountPercent *float64  `db:"discount_percent" json:"discount_percent,omitempty"`
	Discounted      bool      `db:"discounted" json:"discounted"`
	PriceText       string    `db:"price_text" json:"price_text,omitempty"`
	InStock         *bool     `db:"in_stock" json:"in_stock,omitempty"`
	StockStatus     string    `db:"stock_status_text" json:"stock_status,omitempty"`
}

// PriceChange is emitted when a snapshot's price differs from the previous one.
type PriceChange struct {
	ID           int64     `db:"price_change_id" json:"id"`
	ListingID    int64     `db:"listing_id" json:"listing_id"`
	ScrapeRunID  int64     `db:"scrape_run_id" json:"scrape_run_id"`
	SnapshotID   int64     `db:"price_snapshot_id" json:"snapshot_id"`
	Currency     string    `db:"currency" json:"currency"`
	OldCents     int64     `db:"old_price_cents" json:"old_cents"`
	NewCents     int64     `db:"new_price_cents" json:"new_cents"`
	DeltaCents   int64     `db:"delta_cents" json:"delta_cents"`
	DeltaPercent float64   `db:"delta_percent" json:"delta_percent"`
	DetectedAt   time.Time `db:"detected_at" json:"detected_at"`
}

// ShopWide is the ListingID used for service attributes that apply to the whole shop.
const ShopWide int64 = 0

// CustomerService holds the latest service terms for a listing or a whole shop.
type CustomerService struct {
	ID                         int64     `db:"customer_service_id" json:"id"`
	CompetitorID               int64     `db:"competitor_id" json:"competitor_id"`
	ListingID                  int64     `db:"listing_key" json:"listing_id,omitempty"`
	ScrapeRunID                int64     `db:"scrape_run_id" json:"scrape_run_id"`
	ScrapedAt                  time.Time `db:"scraped_at" json:"scraped_at"`
	ShippingIncluded           *bool     `db:"shipping_included" json:"shipping_included,omitempty"`
	FreeShippingThresholdCents *int64    `db:"free_shipping_threshold_cents" json:"free_shipping_threshold_cents,omitempty"`
	PickupPointAvailable       *bool     `db:"pickup_point_available" json:"pickup_point_available,omitempty"`
	DeliveryShippingAvailable  *bool     `db:"delivery_shipping_available" json:"delivery_shipping_available,omitempty"`
	DeliveryCourierAvailable   *bool     `db:"delivery_courier_available" json:"delivery_courier_available,omitempty"`
	CoolingOffDays             *int      `db:"cooling_off_days" json:"cooling_off_days,omitempty"`
	FreeReturns                *bool     `db:"free_returns" json:"free_returns,omitempty"`
	WarrantyProvider           string    `db:"warranty_provider" json:"warranty_provider,omitempty"`
	WarrantyMonths             *int      `db:"warranty_duration_months" json:"warranty_months,omitempty"`
	URL                        string    `db:"customer_service_url" json:"url,omitempty"`
}

// ExpertSupport holds the latest expert/advice channels for a listing or a whole shop.
type ExpertSupport struct {
	ID             int64     `db:"expert_support_id" json:"id"`
	CompetitorID   int64     `db:"competitor_id" json:"competitor_id"`
	ListingID      int64     `db:"listing_key" json:"listing_id,omitempty"`
	ScrapeRunID    int64     `db:"scrape_run_id" json:"scrape_run_id"`
	ScrapedAt      time.Time `db:"scraped_at" json:"scraped_at"`
	SourceURL      string    `db:"source_url" json:"source_url,omitempty"`
	ChatAvailable  *bool     `db:"expert_chat_available" json:"chat,omitempty"`
	PhoneAvailable *bool     `db:"phone_support_available" json:"phone,omitempty"`
	EmailAvailable *bool     `db:"email_support_available" json:"email,omitempty"`
	WhatsApp       *bool     `db:"whatsapp_available" json:"whatsapp,omitempty"`
	InStore        *bool     `db:"in_store_support" json:"in_store,omitempty"`
	Text           string    `db:"expert_support_text" json:"text,omitempty"`
}

// Review is an append-only customer rating attached to a listing.
type Review struct {
	ID          int64     `db:"review_id" json:"id"`
	ListingID   int64     `db:"listing_id" json:"listing_id"`
	ScrapeRunID int64     `db:"scrape_run_id" json:"scrape_run_id"`
	CapturedAt  time.Time `db:"captured_at" json:"captured_at"`
	RatingValue *float64  `db:"rating_value" json:"rating_value,omitempty"`
	RatingScale int       `db:"rating_scale" json:"rating_scale"`
	ReviewCount *int      `db:"review_count" json:"review_count,omitempty"`
	Text        string    `db:"review_text" json:"text,omitempty"`
	Reviewer    string    `db:"reviewer_name" json:"reviewer,omitempty"`
	Verified    *bool     `db:"verified" json:"verified,omitempty"`
	Hash        string    `db:"review_hash" json:"-"`
}
