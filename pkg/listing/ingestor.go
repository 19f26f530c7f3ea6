package listing

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/odmlab/micradar/internal/store"
)

// DefaultBrands are microphone brands recognised at the start of a title
// when a shop does not export a brand field.
var DefaultBrands = []string{
	"akg", "aston", "audio-technica", "audix", "austrian audio", "behringer", "beyerdynamic",
	"blue", "boya", "cad", "deity", "devine", "dpa", "earthworks", "electro-voice", "elgato",
	"fame", "fifine", "heil", "hyperx", "jbl", "lewitt", "mackie", "maono", "marantz", "mxl",
	"neumann", "presonus", "razer", "rode", "røde", "samson", "saramonic", "sennheiser",
	"shure", "sontronics", "stagg", "superlux", "t.bone", "tascam", "tonor", "universal audio",
	"warm audio", "zoom",
}

// Ingestor validates raw records and normalizes them into observations.
// It has no side effects; persistence happens downstream.
type Ingestor struct {
	schemas map[string]Schema
	brands  []string
	now     func() time.Time
}

// NewIngestor builds an ingestor from the default shop tables, overridden per
// shop by overrides, and the default brand list plus extraBrands.
func NewIngestor(overrides map[string]Schema, extraBrands []string) *Ingestor {
	schemas := make(map[string]Schema, len(DefaultSchemas)+len(overrides))
	for shop, s := range DefaultSchemas {
		schemas[shop] = baseSchema.merge(s)
	}
	for shop, s := range overrides {
		shop = strings.ToLower(shop)
		if cur, ok := schemas[shop]; ok {
			schemas[shop] = cur.merge(s)
		} else {
			schemas[shop] = baseSchema.merge(s)
		}
	}

	brands := make([]string, 0, len(DefaultBrands)+len(extraBrands))
	for _, b := range append(append([]string{}, DefaultBrands...), extraBrands...) {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			brands = append(brands, b)
		}
	}
	// Longest first so "audio-technica" wins over a shorter prefix.
	sort.SliceStable(brands, func(i, j int) bool { return len(brands[i]) > len(brands[j]) })

	return &Ingestor{
		schemas: schemas,
		brands:  brands,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (in *Ingestor) schema(shop string) Schema {
	if s, ok := in.schemas[strings.ToLower(shop)]; ok {
		return s
	}
	return baseSchema
}

// Product normalizes a product record. Missing native id or title, a
// garbled title, or a present but non-numeric price yield a ValidationError.
func (in *Ingestor) Product(rec RawRecord, tag Tag) (*Observation, error) {
	shop := rec.Shop
	if shop == "" {
		shop = tag.Shop
	}
	sc := in.schema(shop)
	f := rec.Fields

	nativeID := CleanText(first(f, sc.NativeID))
	if nativeID == "" {
		return nil, &ValidationError{Field: "native_id", Reason: "missing"}
	}

	title := CleanText(first(f, sc.Title))
	if title == "" {
		return nil, &ValidationError{Field: "title", Reason: "missing"}
	}
	if Garbled(title) {
		return nil, &ValidationError{Field: "title", Reason: "garbled"}
	}

	obs := &Observation{
		RunID:           tag.RunID,
		CompetitorID:    tag.CompetitorID,
		Shop:            shop,
		NativeID:        nativeID,
		Title:           title,
		NormalizedTitle: NormalizeTitle(title),
		Model:           CleanText(first(f, sc.Model)),
		GTIN:            CleanText(first(f, sc.GTIN)),
		MPN:             CleanText(first(f, sc.MPN)),
		URL:             CleanText(first(f, sc.URL)),
		CategoryURL:     CleanText(first(f, sc.Category)),
		PriceText:       CleanText(first(f, sc.PriceText)),
		InStock:         ParseBool(first(f, sc.InStock)),
		StockStatus:     CleanText(first(f, sc.StockText)),
		RatingValue:     ParseFloat(first(f, sc.RatingValue)),
		ReviewCount:     ParseInt(first(f, sc.ReviewCount)),
		Currency:        strings.ToUpper(CleanText(f["currency"])),
	}
	obs.BrandGuess = in.guessBrand(CleanText(first(f, sc.Brand)), title)

	if obs.Currency == "" {
		obs.Currency = firstNonEmpty(tag.Currency, sc.Currency, "EUR")
	}
	if scale := ParseInt(first(f, sc.RatingScale)); scale != nil && *scale > 0 {
		obs.RatingScale = *scale
	}

	priceVal := first(f, sc.Price)
	if priceVal == nil && obs.PriceText != "" {
		priceVal = obs.PriceText
	}
	price, err := ParsePriceCents(priceVal)
	if err != nil {
		return nil, &ValidationError{Field: "price", Reason: err.Error()}
	}
	obs.PriceCents = price

	base, err := ParsePriceCents(first(f, sc.BasePrice))
	if err != nil {
		return nil, &ValidationError{Field: "base_price", Reason: err.Error()}
	}
	obs.BasePriceCents = base

	if obs.InStock == nil && obs.StockStatus != "" {
		obs.InStock = ParseBool(obs.StockStatus)
	}

	obs.CapturedAt = in.capturedAt(first(f, sc.CapturedAt), tag)
	obs.Reviews = parseReviews(first(f, sc.Reviews))
	return obs, nil
}

// CustomerService normalizes a customer service record.
func (in *Ingestor) CustomerService(rec RawRecord, tag Tag) (*ServiceObservation, error) {
	f := rec.Fields
	out := &ServiceObservation{
		NativeID: CleanText(first(f, []string{"native_id", "listing_native_id", "sku"})),
		Terms: store.CustomerService{
			CompetitorID:              tag.CompetitorID,
			ScrapeRunID:               tag.RunID,
			ShippingIncluded:          ParseBool(f["shipping_included"]),
			PickupPointAvailable:      ParseBool(f["pickup_point_available"]),
			DeliveryShippingAvailable: ParseBool(f["delivery_shipping_available"]),
			DeliveryCourierAvailable:  ParseBool(f["delivery_courier_available"]),
			CoolingOffDays:            ParseInt(first(f, []string{"cooling_off_days", "money_back_days"})),
			FreeReturns:               ParseBool(f["free_returns"]),
			WarrantyProvider:          CleanText(f["warranty_provider"]),
			WarrantyMonths:            ParseInt(f["warranty_duration_months"]),
			URL:                       CleanText(first(f, []string{"customer_service_url", "source_url"})),
		},
	}
	if out.Terms.WarrantyMonths == nil {
		if years := ParseInt(f["warranty_years"]); years != nil {
			months := *years * 12
			out.Terms.WarrantyMonths = &months
		}
	}
	threshold, err := ParsePriceCents(f["free_shipping_threshold_amt"])
	if err != nil {
		return nil, &ValidationError{Field: "free_shipping_threshold_amt", Reason: err.Error()}
	}
	out.Terms.FreeShippingThresholdCents = threshold
	out.Terms.ScrapedAt = in.capturedAt(f["scraped_at"], tag)
	return out, nil
}

// ExpertSupport normalizes an expert support record.
func (in *Ingestor) ExpertSupport(rec RawRecord, tag Tag) (*SupportObservation, error) {
	f := rec.Fields
	out := &SupportObservation{
		NativeID: CleanText(first(f, []string{"native_id", "listing_native_id", "sku"})),
		Support: store.ExpertSupport{
			CompetitorID:   tag.CompetitorID,
			ScrapeRunID:    tag.RunID,
			SourceURL:      CleanText(f["source_url"]),
			ChatAvailable:  ParseBool(first(f, []string{"expert_chat_available", "chat_available"})),
			PhoneAvailable: ParseBool(first(f, []string{"phone_support_available", "phone_available"})),
			EmailAvailable: ParseBool(first(f, []string{"email_support_available", "email_available"})),
			WhatsApp:       ParseBool(first(f, []string{"whatsapp_available"})),
			InStore:        ParseBool(first(f, []string{"in_store_support"})),
			Text:           CleanText(first(f, []string{"expert_support_text", "text"})),
		},
	}
	if out.Support.ChatAvailable == nil && out.Support.PhoneAvailable == nil &&
		out.Support.EmailAvailable == nil && out.Support.WhatsApp == nil &&
		out.Support.InStore == nil && out.Support.Text == "" {
		return nil, &ValidationError{Field: "expert_support", Reason: "no channels"}
	}
	out.Support.ScrapedAt = in.capturedAt(f["scraped_at"], tag)
	return out, nil
}

func (in *Ingestor) capturedAt(v any, tag Tag) time.Time {
	if ts, ok := ParseTime(v); ok {
		return ts
	}
	if !tag.CapturedAt.IsZero() {
		return tag.CapturedAt.UTC()
	}
	return in.now()
}

// guessBrand prefers the exported brand, then a known brand prefix of the
// title, then a leading all-letter word.
func (in *Ingestor) guessBrand(brand, title string) string {
	if brand != "" {
		return brand
	}
	lower := strings.ToLower(title)
	for _, b := range in.brands {
		if strings.HasPrefix(lower, b) {
			rest := lower[len(b):]
			if rest == "" || !unicode.IsLetter([]rune(rest)[0]) {
				return title[:len(b)]
			}
		}
	}
	word, _, _ := strings.Cut(title, " ")
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return ""
		}
	}
	return word
}

func parseReviews(v any) []ReviewText {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []ReviewText
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		text := CleanText(first(m, []string{"review_text", "text", "body"}))
		if text == "" {
			continue
		}
		out = append(out, ReviewText{
			Reviewer: CleanText(first(m, []string{"reviewer_name", "author", "name"})),
			Text:     text,
			Rating:   ParseFloat(first(m, []string{"rating_value", "rating"})),
			Verified: ParseBool(first(m, []string{"verified_purchase", "verified"})),
		})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
