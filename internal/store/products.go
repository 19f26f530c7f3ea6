package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CreateProduct inserts a canonical product. A product with the same
// signature already present yields a ConflictError.
func (s *SQLStore) CreateProduct(ctx context.Context, p *Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	err := s.get(ctx, "create product", &p.ID, `
		INSERT INTO product (canonical_name, brand, model, signature, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING product_id
	`, p.CanonicalName, p.Brand, p.Model, p.Signature, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Entity: "product", Key: p.Signature, Err: err}
		}
		return fmt.Errorf("create product %q: %w", p.Signature, err)
	}
	return nil
}

func (s *SQLStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	if err := s.get(ctx, "get product", &p, "SELECT * FROM product WHERE product_id = ?", id); err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

func (s *SQLStore) GetProductBySignature(ctx context.Context, signature string) (*Product, error) {
	var p Product
	if err := s.get(ctx, "get product", &p, "SELECT * FROM product WHERE signature = ?", signature); err != nil {
		return nil, fmt.Errorf("get product %q: %w", signature, err)
	}
	return &p, nil
}

func (s *SQLStore) ListProducts(ctx context.Context, opts ProductListOpts) ([]Product, error) {
	query := "SELECT * FROM product WHERE 1=1"
	var args []any

	if opts.Brand != "" {
		query += " AND LOWER(brand) = LOWER(?)"
		args = append(args, opts.Brand)
	}
	query += " ORDER BY product_id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	var products []Product
	if err := s.selectRows(ctx, "list products", &products, query, args...); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// EnrichProduct fills brand and model only where they are still empty.
func (s *SQLStore) EnrichProduct(ctx context.Context, id int64, brand, model string) error {
	_, err := s.exec(ctx, "enrich product", `
		UPDATE product SET
			brand = CASE WHEN brand = '' THEN ? ELSE brand END,
			model = CASE WHEN model = '' THEN ? ELSE model END
		WHERE product_id = ?
	`, brand, model, id)
	if err != nil {
		return fmt.Errorf("enrich product %d: %w", id, err)
	}
	return nil
}

// UpsertListing inserts or refreshes the (competitor, native id) row and
// loads the stored state back into l, including an existing product_id.
// product_id is never written here.
func (s *SQLStore) UpsertListing(ctx context.Context, l *Listing) error {
	if l.FirstSeen.IsZero() {
		l.FirstSeen = s.now()
	}
	if l.LastSeen.IsZero() {
		l.LastSeen = l.FirstSeen
	}
	err := s.get(ctx, "upsert listing", l, `
		INSERT INTO productlisting (competitor_id, category_id, native_id, title_on_page, product_url, gtin, mpn, scrape_run_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(competitor_id, native_id) DO UPDATE SET
			title_on_page = excluded.title_on_page,
			category_id = COALESCE(excluded.category_id, productlisting.category_id),
			product_url = CASE WHEN excluded.product_url = '' THEN productlisting.product_url ELSE excluded.product_url END,
			gtin = CASE WHEN excluded.gtin = '' THEN productlisting.gtin ELSE excluded.gtin END,
			mpn = CASE WHEN excluded.mpn = '' THEN productlisting.mpn ELSE excluded.mpn END,
			scrape_run_id = excluded.scrape_run_id,
			last_seen = CASE WHEN excluded.last_seen > productlisting.last_seen THEN excluded.last_seen ELSE productlisting.last_seen END
		RETURNING *
	`, l.CompetitorID, l.CategoryID, l.NativeID, l.Title, l.URL, l.GTIN, l.MPN,
		l.ScrapeRunID, l.FirstSeen, l.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert listing %d/%s: %w", l.CompetitorID, l.NativeID, err)
	}
	return nil
}

func (s *SQLStore) GetListing(ctx context.Context, id int64) (*Listing, error) {
	var l Listing
	if err := s.get(ctx, "get listing", &l, "SELECT * FROM productlisting WHERE listing_id = ?", id); err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return &l, nil
}

func (s *SQLStore) FindListing(ctx context.Context, competitorID int64, nativeID string) (*Listing, error) {
	var l Listing
	err := s.get(ctx, "find listing", &l,
		"SELECT * FROM productlisting WHERE competitor_id = ? AND native_id = ?", competitorID, nativeID)
	if err != nil {
		return nil, fmt.Errorf("find listing %d/%s: %w", competitorID, nativeID, err)
	}
	return &l, nil
}

// AssignProduct sets the listing's product exactly once and records the
// match edge. It returns false when the listing already had a product, in
// which case nothing is written.
func (s *SQLStore) AssignProduct(ctx context.Context, m *ProductMatch) (bool, error) {
	if m.MatchedAt.IsZero() {
		m.MatchedAt = s.now()
	}
	var assigned bool
	err := s.tx(ctx, "assign product", func(ctx context.Context, tx *sqlx.Tx) error {
		assigned = false
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE productlisting SET product_id = ?, needs_review = ?, review_reason = ''
			WHERE listing_id = ? AND product_id IS NULL
		`), m.ProductID, false, m.ListingID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		err = tx.GetContext(ctx, &m.ID, tx.Rebind(`
			INSERT INTO productmatch (product_id, listing_id, match_method, match_score, seed, signature, matched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING match_id
		`), m.ProductID, m.ListingID, m.Method, m.Confidence, m.Seed, m.Signature, m.MatchedAt)
		if err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("assign listing %d to product %d: %w", m.ListingID, m.ProductID, err)
	}
	return assigned, nil
}

// ParkListing flags an unmatched listing for manual review.
func (s *SQLStore) ParkListing(ctx context.Context, listingID int64, reason string) error {
	_, err := s.exec(ctx, "park listing", `
		UPDATE productlisting SET needs_review = ?, review_reason = ?
		WHERE listing_id = ? AND product_id IS NULL
	`, true, reason, listingID)
	if err != nil {
		return fmt.Errorf("park listing %d: %w", listingID, err)
	}
	return nil
}

// OverrideProduct re-points a listing to another product, rewrites its match
// edge as manual and appends an audit row, all in one transaction.
func (s *SQLStore) OverrideProduct(ctx context.Context, o *MatchOverride) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	err := s.tx(ctx, "override product", func(ctx context.Context, tx *sqlx.Tx) error {
		var current struct {
			ProductID *int64 `db:"product_id"`
		}
		if err := tx.GetContext(ctx, &current, tx.Rebind(
			"SELECT product_id FROM productlisting WHERE listing_id = ?"), o.ListingID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		o.OldProductID = current.ProductID

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE productlisting SET product_id = ?, needs_review = ?, review_reason = ''
			WHERE listing_id = ?
		`), o.NewProductID, false, o.ListingID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO productmatch (product_id, listing_id, match_method, match_score, seed, signature, matched_at)
			VALUES (?, ?, ?, ?, ?, '', ?)
			ON CONFLICT(listing_id) DO UPDATE SET
				product_id = excluded.product_id,
				match_method = excluded.match_method,
				match_score = excluded.match_score,
				seed = excluded.seed,
				signature = excluded.signature,
				matched_at = excluded.matched_at
		`), o.NewProductID, o.ListingID, MethodManual, 1.0, false, o.CreatedAt); err != nil {
			return err
		}
		return tx.GetContext(ctx, &o.ID, tx.Rebind(`
			INSERT INTO match_override (listing_id, old_product_id, new_product_id, reason, actor, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING override_id
		`), o.ListingID, o.OldProductID, o.NewProductID, o.Reason, o.Actor, o.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("override listing %d: %w", o.ListingID, err)
	}
	return nil
}

func (s *SQLStore) GetMatch(ctx context.Context, listingID int64) (*ProductMatch, error) {
	var m ProductMatch
	if err := s.get(ctx, "get match", &m, "SELECT * FROM productmatch WHERE listing_id = ?", listingID); err != nil {
		return nil, fmt.Errorf("get match %d: %w", listingID, err)
	}
	return &m, nil
}

// MatchSignatures returns the automatic edges that carry a name signature,
// in the order they were made.
func (s *SQLStore) MatchSignatures(ctx context.Context) ([]ProductMatch, error) {
	var out []ProductMatch
	err := s.selectRows(ctx, "match signatures", &out,
		"SELECT * FROM productmatch WHERE signature <> '' AND match_method <> ? ORDER BY match_id", MethodManual)
	if err != nil {
		return nil, fmt.Errorf("match signatures: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListOverrides(ctx context.Context, listingID int64) ([]MatchOverride, error) {
	var out []MatchOverride
	err := s.selectRows(ctx, "list overrides", &out,
		"SELECT * FROM match_override WHERE listing_id = ? ORDER BY override_id", listingID)
	if err != nil {
		return nil, fmt.Errorf("list overrides %d: %w", listingID, err)
	}
	return out, nil
}

func (s *SQLStore) ListingsForProduct(ctx context.Context, productID int64) ([]Listing, error) {
	var out []Listing
	err := s.selectRows(ctx, "listings for product", &out,
		"SELECT * FROM productlisting WHERE product_id = ? ORDER BY competitor_id, listing_id", productID)
	if err != nil {
		return nil, fmt.Errorf("listings for product %d: %w", productID, err)
	}
	return out, nil
}

func (s *SQLStore) ListingsNeedingReview(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Listing
	err := s.selectRows(ctx, "listings needing review", &out, `
		SELECT * FROM productlisting
		WHERE product_id IS NULL AND needs_review = ?
		ORDER BY competitor_id, listing_id
		LIMIT ?
	`, true, limit)
	if err != nil {
		return nil, fmt.Errorf("listings needing review: %w", err)
	}
	return out, nil
}

// ProductsListedBy returns products that have listings at both competitors.
func (s *SQLStore) ProductsListedBy(ctx context.Context, competitorA, competitorB int64) ([]int64, error) {
	var ids []int64
	err := s.selectRows(ctx, "products listed by", &ids, `
		SELECT DISTINCT a.product_id FROM productlisting a
		JOIN productlisting b ON b.product_id = a.product_id
		WHERE a.competitor_id = ? AND b.competitor_id = ? AND a.product_id IS NOT NULL
		ORDER BY a.product_id
	`, competitorA, competitorB)
	if err != nil {
		return nil, fmt.Errorf("products listed by %d and %d: %w", competitorA, competitorB, err)
	}
	return ids, nil
}
