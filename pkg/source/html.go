package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/odmlab/micradar/pkg/listing"
)

// HTMLPages reads saved product pages and extracts schema.org Product
// JSON-LD, falling back to OpenGraph product meta tags.
type HTMLPages struct {
	shop string
	root string
}

// NewHTMLPages creates a source over one HTML file or a directory of them.
func NewHTMLPages(shop, root string) *HTMLPages {
	return &HTMLPages{shop: shop, root: root}
}

func (h *HTMLPages) Name() Kind { return KindHTML }

func (h *HTMLPages) Collect(ctx context.Context) (*Export, error) {
	exp := &Export{Shop: h.shop}
	sum := sha256.New()
	err := filepath.WalkDir(h.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".html" && ext != ".htm" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(sum, "%s %d %d\n", path, info.Size(), info.ModTime().UnixNano())
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open page %s: %w", path, err)
		}
		defer f.Close()

		recs, err := ParsePage(h.shop, f, info.ModTime())
		if err != nil {
			exp.Malformed++
			return nil
		}
		if len(recs) == 0 {
			exp.Malformed++
		}
		exp.Records = append(exp.Records, recs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read pages %s: %w", h.root, err)
	}
	exp.Fingerprint = hex.EncodeToString(sum.Sum(nil))
	return exp, nil
}

// ParsePage extracts product records from one HTML document.
func ParsePage(shop string, r io.Reader, capturedAt time.Time) ([]listing.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	canonical, _ := doc.Find(`link[rel="canonical"]`).Attr("href")
	if canonical == "" {
		canonical = metaContent(doc, "og:url")
	}

	var nodes []any
	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err == nil {
			nodes = append(nodes, v)
		}
	})

	var products, crumbs []map[string]any
	for _, n := range nodes {
		walkLD(n, func(m map[string]any) {
			switch {
			case hasType(m, "Product"):
				products = append(products, m)
			case hasType(m, "BreadcrumbList"):
				crumbs = append(crumbs, m)
			}
		})
	}
	category := breadcrumbParent(crumbs)

	var out []listing.RawRecord
	for _, p := range products {
		fields := productFields(p)
		if fields["source_url"] == nil && canonical != "" {
			fields["source_url"] = canonical
		}
		if fields["sku"] == nil && canonical != "" {
			fields["sku"] = canonical
		}
		if category != "" {
			fields["breadcrumb_url"] = category
		}
		fields["scraped_at"] = capturedAt.UTC().Format(time.RFC3339)
		out = append(out, record(shop, listing.KindProduct, fields))
	}
	if len(out) > 0 {
		return out, nil
	}

	// OpenGraph product pages.
	title := metaContent(doc, "og:title")
	amount := metaContent(doc, "product:price:amount")
	if title == "" || amount == "" {
		return nil, nil
	}
	fields := map[string]any{
		"title":         title,
		"current_price": amount,
		"price":         amount,
		"currency":      metaContent(doc, "product:price:currency"),
		"brand":         metaContent(doc, "product:brand"),
		"in_stock":      metaContent(doc, "product:availability"),
		"source_url":    canonical,
		"scraped_at":    capturedAt.UTC().Format(time.RFC3339),
	}
	sku := metaContent(doc, "product:retailer_item_id")
	if sku == "" {
		sku = canonical
	}
	fields["sku"] = sku
	return []listing.RawRecord{record(shop, listing.KindProduct, fields)}, nil
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, property, property)).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

// walkLD visits every object in a JSON-LD value, descending into arrays,
// @graph and ProductGroup variants.
func walkLD(v any, visit func(map[string]any)) {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			walkLD(e, visit)
		}
	case map[string]any:
		visit(t)
		if g, ok := t["@graph"]; ok {
			walkLD(g, visit)
		}
		if hv, ok := t["hasVariant"]; ok {
			walkLD(hv, visit)
		}
	}
}

func hasType(m map[string]any, want string) bool {
	switch t := m["@type"].(type) {
	case string:
		return strings.EqualFold(strings.TrimPrefix(t, "schema:"), want)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func productFields(p map[string]any) map[string]any {
	fields := map[string]any{}
	set := func(key string, v any) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return
		}
		if v != nil {
			fields[key] = v
		}
	}

	set("sku", firstOf(p, "sku", "productID"))
	set("title", p["name"])
	set("brand", nameOf(p["brand"]))
	set("gtin", firstOf(p, "gtin13", "gtin", "gtin14", "gtin12", "gtin8"))
	set("mpn", p["mpn"])
	set("source_url", p["url"])

	offer := firstObject(p["offers"])
	if offer != nil {
		price := firstOf(offer, "price", "lowPrice")
		if spec := firstObject(offer["priceSpecification"]); price == nil && spec != nil {
			price = spec["price"]
		}
		set("current_price", price)
		set("price", price)
		set("currency", offer["priceCurrency"])
		if avail, ok := offer["availability"].(string); ok {
			// https://schema.org/InStock -> InStock
			avail = avail[strings.LastIndex(avail, "/")+1:]
			set("in_stock", avail)
			set("stock_status_text", avail)
		}
		if fields["source_url"] == nil {
			set("source_url", offer["url"])
		}
	}

	if rating := firstObject(p["aggregateRating"]); rating != nil {
		set("rating_value", rating["ratingValue"])
		set("rating_scale", rating["bestRating"])
		set("review_count", firstOf(rating, "reviewCount", "ratingCount"))
	}

	var reviews []any
	for _, rv := range objects(p["review"]) {
		r := map[string]any{
			"reviewer_name": nameOf(rv["author"]),
			"review_text":   firstOf(rv, "reviewBody", "description"),
		}
		if rr := firstObject(rv["reviewRating"]); rr != nil {
			r["rating_value"] = rr["ratingValue"]
		}
		reviews = append(reviews, r)
	}
	if len(reviews) > 0 {
		fields["reviews"] = reviews
	}
	return fields
}

func breadcrumbParent(crumbs []map[string]any) string {
	for _, c := range crumbs {
		items := objects(c["itemListElement"])
		if len(items) < 2 {
			continue
		}
		parent := items[len(items)-2]
		switch it := parent["item"].(type) {
		case string:
			return it
		case map[string]any:
			if id, ok := it["@id"].(string); ok {
				return id
			}
			if u, ok := it["url"].(string); ok {
				return u
			}
		}
	}
	return ""
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func nameOf(v any) any {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return t["name"]
	case []any:
		if len(t) > 0 {
			return nameOf(t[0])
		}
	}
	return nil
}

func objects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func firstObject(v any) map[string]any {
	if objs := objects(v); len(objs) > 0 {
		return objs[0]
	}
	return nil
}
