package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/listing"
)

// Result describes how one observation was matched.
type Result struct {
	Listing    *store.Listing
	ProductID  int64
	Method     store.MatchMethod
	Confidence float64
	// Created is set when this observation seeded a new product.
	Created bool
	// Parked is set when the listing was left unmatched for review.
	Parked bool
}

// Matcher maps listing observations onto canonical products.
type Matcher struct {
	store store.Store
	norm  *Normalizer
	index *Index
	cfg   Config
	log   *logger.Logger

	creating singleflight.Group
}

// NewMatcher loads the product signatures from s into a fresh index.
func NewMatcher(ctx context.Context, s store.Store, norm *Normalizer, cfg Config, log *logger.Logger) (*Matcher, error) {
	if norm == nil {
		norm = NewNormalizer(nil, nil)
	}
	m := &Matcher{
		store: s,
		norm:  norm,
		index: NewIndex(),
		cfg:   cfg.withDefaults(),
		log:   logger.OrNop(log),
	}
	products, err := s.ListProducts(ctx, store.ProductListOpts{})
	if err != nil {
		return nil, fmt.Errorf("load product index: %w", err)
	}
	for i := range products {
		m.index.Add(&products[i])
	}
	edges, err := s.MatchSignatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("load product index: %w", err)
	}
	for _, e := range edges {
		m.index.Attach(e.ProductID, e.Signature)
	}
	m.log.Debug("product index loaded", "products", m.index.Len(), "signatures", len(edges))
	return m, nil
}

// Normalizer returns the signature normalizer in use.
func (m *Matcher) Normalizer() *Normalizer {
	return m.norm
}

// Match records the listing for obs and attaches it to a product.
//
// A listing already assigned to a product keeps it (exact-id). Otherwise the
// signature decides between attaching to an existing product, creating one,
// or parking the listing. A parked listing is returned together with
// ErrEmptySignature or an *AmbiguousError; the listing row exists either way.
func (m *Matcher) Match(ctx context.Context, obs *listing.Observation, categoryID *int64) (*Result, error) {
	l := &store.Listing{
		CompetitorID: obs.CompetitorID,
		CategoryID:   categoryID,
		NativeID:     obs.NativeID,
		Title:        obs.Title,
		URL:          obs.URL,
		GTIN:         obs.GTIN,
		MPN:          obs.MPN,
		ScrapeRunID:  obs.RunID,
		FirstSeen:    obs.CapturedAt,
		LastSeen:     obs.CapturedAt,
	}
	if err := m.store.UpsertListing(ctx, l); err != nil {
		return nil, err
	}
	if l.ProductID != nil {
		return exactID(l), nil
	}

	sig := m.norm.Signature(obs.BrandGuess, obs.Title, obs.Model)
	d := Decide(sig, m.index.Candidates(sig), m.cfg)

	switch d.Outcome {
	case Park:
		if err := m.store.ParkListing(ctx, l.ID, d.Err.Error()); err != nil {
			return nil, err
		}
		l.NeedsReview = true
		l.ReviewReason = d.Err.Error()
		m.log.Info("listing parked for review",
			"competitor_id", l.CompetitorID, "native_id", l.NativeID, "reason", d.Err.Error())
		return &Result{Listing: l, Parked: true}, d.Err

	case Attach:
		return m.assign(ctx, l, sig, d.ProductID, d.Score, false, obs)

	default:
		p, created, err := m.createProduct(ctx, sig, obs)
		if err != nil {
			return nil, err
		}
		return m.assign(ctx, l, sig, p.ID, 1, created, obs)
	}
}

func (m *Matcher) assign(ctx context.Context, l *store.Listing, sig Signature, productID int64, score float64, seed bool, obs *listing.Observation) (*Result, error) {
	edge := &store.ProductMatch{
		ProductID:  productID,
		ListingID:  l.ID,
		Method:     store.MethodNormalizedName,
		Confidence: score,
		Seed:       seed,
		Signature:  sig.Key,
		MatchedAt:  obs.CapturedAt,
	}
	ok, err := m.store.AssignProduct(ctx, edge)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another worker assigned this listing first; its decision stands.
		cur, err := m.store.GetListing(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if cur.ProductID == nil {
			return nil, fmt.Errorf("assign listing %d: no product after lost race", l.ID)
		}
		return exactID(cur), nil
	}

	m.index.Attach(productID, sig.Key)
	if !seed {
		if err := m.store.EnrichProduct(ctx, productID, obs.BrandGuess, obs.Model); err != nil {
			m.log.Warn("enrich product failed", "product_id", productID, "error", err)
		}
	}
	l.ProductID = &productID
	l.NeedsReview = false
	l.ReviewReason = ""
	return &Result{
		Listing:    l,
		ProductID:  productID,
		Method:     store.MethodNormalizedName,
		Confidence: score,
		Created:    seed,
	}, nil
}

func exactID(l *store.Listing) *Result {
	return &Result{
		Listing:    l,
		ProductID:  *l.ProductID,
		Method:     store.MethodExactID,
		Confidence: 1,
	}
}

type creation struct {
	product *store.Product
	created bool
	claimed atomic.Bool
}

// createProduct returns the product for sig, creating it if needed. Callers
// racing on the same signature in this process share one insert; a lost race
// against another process surfaces as a ConflictError and is resolved by
// reading the winner's row. created is true for exactly one caller.
func (m *Matcher) createProduct(ctx context.Context, sig Signature, obs *listing.Observation) (*store.Product, bool, error) {
	v, err, _ := m.creating.Do(sig.Key, func() (any, error) {
		if id, ok := m.index.Lookup(sig.Key); ok {
			p, err := m.store.GetProduct(ctx, id)
			if err != nil {
				return nil, err
			}
			return &creation{product: p}, nil
		}

		p := &store.Product{
			CanonicalName: canonicalName(obs),
			Brand:         obs.BrandGuess,
			Model:         obs.Model,
			Signature:     sig.Key,
			CreatedAt:     obs.CapturedAt,
		}
		err := m.store.CreateProduct(ctx, p)
		var conflict *store.ConflictError
		switch {
		case errors.As(err, &conflict):
			winner, err := m.store.GetProductBySignature(ctx, sig.Key)
			if err != nil {
				return nil, fmt.Errorf("resolve product conflict %q: %w", sig.Key, err)
			}
			m.index.Add(winner)
			return &creation{product: winner}, nil
		case err != nil:
			return nil, err
		}
		m.index.Add(p)
		m.log.Info("product created", "product_id", p.ID, "signature", p.Signature, "name", p.CanonicalName)
		return &creation{product: p, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	c := v.(*creation)
	return c.product, c.created && c.claimed.CompareAndSwap(false, true), nil
}

func canonicalName(obs *listing.Observation) string {
	if obs.BrandGuess != "" && obs.Model != "" {
		return obs.BrandGuess + " " + obs.Model
	}
	return obs.Title
}

// Override re-points a listing to another product and writes an audit
// record. It is the only way a listing's product ever changes.
func (m *Matcher) Override(ctx context.Context, listingID, productID int64, reason, actor string) (*store.MatchOverride, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.New("override requires a reason")
	}
	if actor == "" {
		actor = "unknown"
	}
	l, err := m.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if l.ProductID != nil && *l.ProductID == productID {
		return nil, fmt.Errorf("listing %d already points to product %d", listingID, productID)
	}

	o := &store.MatchOverride{
		ListingID:    listingID,
		NewProductID: productID,
		Reason:       reason,
		Actor:        actor,
	}
	if err := m.store.OverrideProduct(ctx, o); err != nil {
		return nil, err
	}
	m.log.Info("listing overridden", "listing_id", listingID, "old_product_id", o.OldProductID,
		"new_product_id", productID, "actor", actor)
	return o, nil
}
