package listing

// Schema maps one shop's export fields onto observation fields. Each entry
// lists candidate keys; the first present, non-empty key wins.
type Schema struct {
	Currency    string   `yaml:"currency"`
	NativeID    []string `yaml:"native_id"`
	Title       []string `yaml:"title"`
	Brand       []string `yaml:"brand"`
	Model       []string `yaml:"model"`
	GTIN        []string `yaml:"gtin"`
	MPN         []string `yaml:"mpn"`
	URL         []string `yaml:"url"`
	Category    []string `yaml:"category"`
	Price       []string `yaml:"price"`
	BasePrice   []string `yaml:"base_price"`
	PriceText   []string `yaml:"price_text"`
	InStock     []string `yaml:"in_stock"`
	StockText   []string `yaml:"stock_text"`
	CapturedAt  []string `yaml:"captured_at"`
	RatingValue []string `yaml:"rating_value"`
	RatingScale []string `yaml:"rating_scale"`
	ReviewCount []string `yaml:"review_count"`
	Reviews     []string `yaml:"reviews"`
}

// baseSchema covers the keys every crawler export shares.
var baseSchema = Schema{
	Currency:    "EUR",
	NativeID:    []string{"native_id", "sku", "product_id", "id"},
	Title:       []string{"title", "name", "title_on_page"},
	Brand:       []string{"brand"},
	Model:       []string{"model"},
	GTIN:        []string{"gtin", "ean", "gtin13", "upc"},
	MPN:         []string{"mpn"},
	URL:         []string{"source_url", "product_url", "url"},
	Category:    []string{"breadcrumb_url", "category_url"},
	Price:       []string{"current_price", "price"},
	BasePrice:   []string{"base_price", "list_price"},
	PriceText:   []string{"price_text", "price_raw"},
	InStock:     []string{"in_stock", "available"},
	StockText:   []string{"stock_status_text", "availability_raw", "availability"},
	CapturedAt:  []string{"scraped_at", "captured_at"},
	RatingValue: []string{"rating_value", "rating"},
	RatingScale: []string{"rating_scale"},
	ReviewCount: []string{"review_count"},
	Reviews:     []string{"reviews"},
}

// DefaultSchemas holds the field tables of the four tracked shops.
var DefaultSchemas = map[string]Schema{
	"bax": {
		NativeID: []string{"sku", "mpn", "product_id"},
		Price:    []string{"current_price"},
	},
	"bol": {
		NativeID:  []string{"sku", "product_id", "gtin"},
		Price:     []string{"price"},
		PriceText: []string{"price_raw"},
		StockText: []string{"availability_raw"},
	},
	"maxiaxi": {
		NativeID: []string{"sku", "product_id", "id", "source_url"},
		Price:    []string{"price", "current_price"},
	},
	"thomann": {
		NativeID:  []string{"sku", "article_number", "listing_id"},
		Price:     []string{"current_price"},
		BasePrice: []string{"base_price", "reference_price_30d", "list_price"},
	},
}

// merge overlays non-empty fields of o on s.
func (s Schema) merge(o Schema) Schema {
	pick := func(a, b []string) []string {
		if len(b) > 0 {
			return b
		}
		return a
	}
	if o.Currency != "" {
		s.Currency = o.Currency
	}
	s.NativeID = pick(s.NativeID, o.NativeID)
	s.Title = pick(s.Title, o.Title)
	s.Brand = pick(s.Brand, o.Brand)
	s.Model = pick(s.Model, o.Model)
	s.GTIN = pick(s.GTIN, o.GTIN)
	s.MPN = pick(s.MPN, o.MPN)
	s.URL = pick(s.URL, o.URL)
	s.Category = pick(s.Category, o.Category)
	s.Price = pick(s.Price, o.Price)
	s.BasePrice = pick(s.BasePrice, o.BasePrice)
	s.PriceText = pick(s.PriceText, o.PriceText)
	s.InStock = pick(s.InStock, o.InStock)
	s.StockText = pick(s.StockText, o.StockText)
	s.CapturedAt = pick(s.CapturedAt, o.CapturedAt)
	s.RatingValue = pick(s.RatingValue, o.RatingValue)
	s.RatingScale = pick(s.RatingScale, o.RatingScale)
	s.ReviewCount = pick(s.ReviewCount, o.ReviewCount)
	s.Reviews = pick(s.Reviews, o.Reviews)
	return s
}

// first returns the first present, non-empty value among keys.
func first(fields map[string]any, keys []string) any {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return v
	}
	return nil
}
