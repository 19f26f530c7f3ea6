package listing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odmlab/micradar/internal/store"
)

// Kind identifies what a raw record describes.
type Kind string

const (
	KindProduct         Kind = "product"
	KindCustomerService Kind = "customer_service"
	KindExpertSupport   Kind = "expert_support"
	KindRun             Kind = "run"
)

// RawRecord is one loosely-typed record as exported by a shop crawler. The
// shop key selects which field table interprets Fields.
type RawRecord struct {
	Shop   string
	Kind   Kind
	Fields map[string]any
}

// UnmarshalJSON keeps every key in Fields and lifts "shop" and "type" out.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	fields := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode raw record: %w", err)
	}
	r.Fields = fields
	if v, ok := fields["shop"].(string); ok {
		r.Shop = strings.ToLower(strings.TrimSpace(v))
	}
	r.Kind = KindProduct
	if v, ok := fields["type"].(string); ok && v != "" {
		r.Kind = Kind(strings.ToLower(strings.TrimSpace(v)))
	}
	return nil
}

// Tag binds records to the run and competitor they were collected under.
type Tag struct {
	RunID        int64
	CompetitorID int64
	Shop         string
	Currency     string
	CapturedAt   time.Time
}

// Observation is a validated, normalized product listing sighting.
type Observation struct {
	RunID           int64
	CompetitorID    int64
	Shop            string
	NativeID        string
	Title           string
	NormalizedTitle string
	BrandGuess      string
	Model           string
	GTIN            string
	MPN             string
	URL             string
	CategoryURL     string
	PriceCents      *int64
	BasePriceCents  *int64
	PriceText       string
	Currency        string
	InStock         *bool
	StockStatus     string
	CapturedAt      time.Time

	RatingValue *float64
	RatingScale int
	ReviewCount *int
	Reviews     []ReviewText
}

// ReviewText is an individual review carried on a product record.
type ReviewText struct {
	Reviewer string
	Text     string
	Rating   *float64
	Verified *bool
}

// ServiceObservation carries customer service terms, optionally for one listing.
type ServiceObservation struct {
	NativeID string
	Terms    store.CustomerService
}

// SupportObservation carries expert support channels, optionally for one listing.
type SupportObservation struct {
	NativeID string
	Support  store.ExpertSupport
}

// ValidationError rejects a single raw record. The batch continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
