package source

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/time/rate"

	"github.com/odmlab/micradar/pkg/listing"
)

// Merchant reads Google merchant product feeds (RSS or Atom with g:
// attributes) published by a shop.
type Merchant struct {
	client    *http.Client
	parser    *gofeed.Parser
	limiter   *rate.Limiter
	userAgent string
	filter    *Filter
	shop      string
	urls      []string
	now       func() time.Time
}

// NewMerchant creates a merchant feed source. Entries of urls may also be
// local file paths.
func NewMerchant(shop string, urls []string, opts Options) *Merchant {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "micradar/1.0"
	}
	return &Merchant{
		client:    &http.Client{Timeout: timeout},
		parser:    gofeed.NewParser(),
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		userAgent: ua,
		filter:    opts.Filter,
		shop:      shop,
		urls:      urls,
		now:       time.Now,
	}
}

func (m *Merchant) Name() Kind { return KindMerchant }

// Collect reads every feed. A feed that fails is skipped unless all fail.
func (m *Merchant) Collect(ctx context.Context) (*Export, error) {
	exp := &Export{Shop: m.shop, CapturedAt: m.now().UTC()}
	var lastErr error
	var ok int
	for _, u := range m.urls {
		feed, err := m.fetch(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		ok++
		for _, item := range feed.Items {
			if !m.keep(item) {
				exp.Filtered++
				continue
			}
			if rec, good := m.record(item, exp.CapturedAt); good {
				exp.Records = append(exp.Records, rec)
			} else {
				exp.Malformed++
			}
		}
	}
	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}
	return exp, nil
}

func (m *Merchant) fetch(ctx context.Context, u string) (*gofeed.Feed, error) {
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		f, err := os.Open(u)
		if err != nil {
			return nil, fmt.Errorf("open merchant feed %s: %w", u, err)
		}
		defer f.Close()
		feed, err := m.parser.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("parse merchant feed %s: %w", u, err)
		}
		return feed, nil
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request %s: %w", u, err)
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch merchant feed %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("merchant feed %s status %d", u, resp.StatusCode)
	}

	feed, err := m.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse merchant feed %s: %w", u, err)
	}
	return feed, nil
}

func (m *Merchant) keep(item *gofeed.Item) bool {
	if m.filter == nil {
		return true
	}
	g := item.Extensions["g"]
	title := extValue(g, "title")
	if title == "" {
		title = item.Title
	}
	return m.filter.Matches(title, extValue(g, "product_type"), extValue(g, "google_product_category"))
}

// record maps one feed item onto the shared crawler field names.
func (m *Merchant) record(item *gofeed.Item, fallback time.Time) (listing.RawRecord, bool) {
	g := item.Extensions["g"]
	val := func(name string) string {
		return strings.TrimSpace(extValue(g, name))
	}

	id := val("id")
	if id == "" {
		id = item.GUID
	}
	title := val("title")
	if title == "" {
		title = item.Title
	}
	if id == "" && title == "" {
		return listing.RawRecord{}, false
	}
	link := val("link")
	if link == "" {
		link = item.Link
	}

	fields := map[string]any{
		"sku":        id,
		"title":      title,
		"brand":      val("brand"),
		"gtin":       val("gtin"),
		"mpn":        val("mpn"),
		"source_url": link,
		"scraped_at": fallback.Format(time.RFC3339),
	}
	if item.UpdatedParsed != nil {
		fields["scraped_at"] = item.UpdatedParsed.UTC().Format(time.RFC3339)
	}

	price, currency := splitPrice(val("price"))
	sale, saleCurrency := splitPrice(val("sale_price"))
	if sale != "" {
		fields["current_price"], fields["price"] = sale, sale
		fields["base_price"] = price
		currency = saleCurrency
	} else if price != "" {
		fields["current_price"], fields["price"] = price, price
	}
	if currency != "" {
		fields["currency"] = currency
	}
	if avail := val("availability"); avail != "" {
		fields["in_stock"] = strings.ReplaceAll(avail, "_", " ")
		fields["stock_status_text"] = avail
	}
	return record(m.shop, listing.KindProduct, fields), true
}

func extValue(ns map[string][]ext.Extension, name string) string {
	if exts := ns[name]; len(exts) > 0 {
		return exts[0].Value
	}
	return ""
}

// splitPrice separates "279.00 EUR" into amount and currency.
func splitPrice(s string) (amount, currency string) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	}
	last := fields[len(fields)-1]
	if isCurrencyCode(last) {
		return strings.Join(fields[:len(fields)-1], " "), last
	}
	return s, ""
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
