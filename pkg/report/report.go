// Package report projects stored listings and prices into comparison views.
// Prices, changes and service attributes are only read from completed runs.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/odmlab/micradar/internal/store"
)

// ListingView is one shop's listing of a product. When the listing was last
// touched by a run that has not completed, its ScrapeRunID and LastSeen are
// taken from the latest completed snapshot instead. The title is the one
// last seen on the page and is not versioned per run.
type ListingView struct {
	Listing         store.Listing          `json:"listing"`
	Competitor      store.Competitor       `json:"competitor"`
	Match           *store.ProductMatch    `json:"match,omitempty"`
	Latest          *store.PriceSnapshot   `json:"latest,omitempty"`
	History         []store.PriceSnapshot  `json:"history"`
	Changes         []store.PriceChange    `json:"changes,omitempty"`
	CustomerService *store.CustomerService `json:"customer_service,omitempty"`
	ExpertSupport   *store.ExpertSupport   `json:"expert_support,omitempty"`
	Reviews         ReviewSummary          `json:"reviews"`
}

// ReviewSummary aggregates the listing's reviews from completed runs.
// Ratings are on a 0-5 scale.
type ReviewSummary struct {
	Count         int      `json:"count"`
	AverageRating *float64 `json:"average_rating,omitempty"`
	TextReviews   int      `json:"text_reviews"`
}

// summarizeReviews prefers the shop's own aggregate (the row carrying a
// review count) from the latest run and falls back to averaging the text
// reviews of the latest run that has any. reviews are in capture order.
func summarizeReviews(reviews []store.Review) ReviewSummary {
	var out ReviewSummary
	var aggregate *store.Review
	var textRun int64
	for i := range reviews {
		rv := &reviews[i]
		if rv.ReviewCount != nil {
			aggregate = rv
		} else if rv.Text != "" {
			textRun = rv.ScrapeRunID
		}
	}

	var sum float64
	var rated int
	for _, rv := range reviews {
		if rv.ReviewCount != nil || rv.ScrapeRunID != textRun {
			continue
		}
		out.TextReviews++
		if rv.RatingValue != nil && rv.RatingScale > 0 {
			sum += *rv.RatingValue * 5 / float64(rv.RatingScale)
			rated++
		}
	}
	out.Count = out.TextReviews

	if aggregate != nil {
		out.Count = *aggregate.ReviewCount
		if aggregate.RatingValue != nil && aggregate.RatingScale > 0 {
			avg := *aggregate.RatingValue * 5 / float64(aggregate.RatingScale)
			out.AverageRating = &avg
			return out
		}
	}
	if rated > 0 {
		avg := sum / float64(rated)
		out.AverageRating = &avg
	}
	return out
}

// Comparison is the cross-shop view of one product.
type Comparison struct {
	Product   store.Product `json:"product"`
	Listings  []ListingView `json:"listings"`
	Spread    *Spread       `json:"spread,omitempty"`
	Reference *Position     `json:"reference,omitempty"`
}

// Reporter reads comparison views from the store.
type Reporter struct {
	store store.Store
}

func New(s store.Store) *Reporter {
	return &Reporter{store: s}
}

// runStatus memoizes run statuses for one projection.
type runStatus struct {
	store store.Store
	seen  map[int64]store.RunStatus
}

func (r *runStatus) completed(ctx context.Context, runID int64) (bool, error) {
	if st, ok := r.seen[runID]; ok {
		return st == store.RunCompleted, nil
	}
	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		r.seen[runID] = ""
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.seen[runID] = run.Status
	return run.Status == store.RunCompleted, nil
}

// Compare returns every listing of the product with its latest completed
// price, price history and service attributes, plus the price spread across
// shops and where referenceCompetitor sits in it (zero skips the position).
func (r *Reporter) Compare(ctx context.Context, productID, referenceCompetitor int64) (*Comparison, error) {
	product, err := r.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	listings, err := r.store.ListingsForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	competitors, err := r.competitors(ctx)
	if err != nil {
		return nil, err
	}

	runs := &runStatus{store: r.store, seen: make(map[int64]store.RunStatus)}
	cmp := &Comparison{Product: *product, Listings: []ListingView{}}
	for _, l := range listings {
		view, ok, err := r.listingView(ctx, runs, l, competitors)
		if err != nil {
			return nil, fmt.Errorf("compare product %d: %w", productID, err)
		}
		if ok {
			cmp.Listings = append(cmp.Listings, *view)
		}
	}

	prices := shopPrices(cmp.Listings)
	cmp.Spread = spread(prices)
	if referenceCompetitor > 0 {
		cmp.Reference = position(prices, cmp.Spread, referenceCompetitor)
	}
	return cmp, nil
}

func (r *Reporter) listingView(ctx context.Context, runs *runStatus, l store.Listing, competitors map[int64]store.Competitor) (*ListingView, bool, error) {
	completedOnly := store.SnapshotOpts{CompletedOnly: true}
	history, err := r.store.Snapshots(ctx, l.ID, completedOnly)
	if err != nil {
		return nil, false, err
	}
	if len(history) == 0 {
		ok, err := runs.completed(ctx, l.ScrapeRunID)
		if err != nil || !ok {
			return nil, false, err
		}
	}

	view := &ListingView{
		Listing:    l,
		Competitor: competitors[l.CompetitorID],
		History:    history,
	}
	if len(history) > 0 {
		latest := history[len(history)-1]
		view.Latest = &latest
		ok, err := runs.completed(ctx, l.ScrapeRunID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			view.Listing.ScrapeRunID = latest.ScrapeRunID
			view.Listing.LastSeen = latest.CapturedAt
		}
	}

	if m, err := r.store.GetMatch(ctx, l.ID); err == nil {
		view.Match = m
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if view.Changes, err = r.store.PriceChanges(ctx, l.ID, completedOnly); err != nil {
		return nil, false, err
	}

	cs, err := r.store.LatestCustomerService(ctx, l.CompetitorID, l.ID)
	switch {
	case err == nil:
		if ok, err := runs.completed(ctx, cs.ScrapeRunID); err != nil {
			return nil, false, err
		} else if ok {
			view.CustomerService = cs
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	es, err := r.store.LatestExpertSupport(ctx, l.CompetitorID, l.ID)
	switch {
	case err == nil:
		if ok, err := runs.completed(ctx, es.ScrapeRunID); err != nil {
			return nil, false, err
		} else if ok {
			view.ExpertSupport = es
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	reviews, err := r.store.Reviews(ctx, l.ID)
	if err != nil {
		return nil, false, err
	}
	var visible []store.Review
	for _, rv := range reviews {
		ok, err := runs.completed(ctx, rv.ScrapeRunID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			visible = append(visible, rv)
		}
	}
	view.Reviews = summarizeReviews(visible)
	return view, true, nil
}

func (r *Reporter) competitors(ctx context.Context) (map[int64]store.Competitor, error) {
	list, err := r.store.ListCompetitors(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]store.Competitor, len(list))
	for _, c := range list {
		out[c.ID] = c
	}
	return out, nil
}

// PairRow compares one product between two shops.
type PairRow struct {
	ProductID  int64  `json:"product_id"`
	Name       string `json:"name"`
	Currency   string `json:"currency"`
	ACents     *int64 `json:"a_cents,omitempty"`
	BCents     *int64 `json:"b_cents,omitempty"`
	DeltaCents *int64 `json:"delta_cents,omitempty"`
	Cheaper    string `json:"cheaper,omitempty"`
}

// PairReport is the competitor-pair read model.
type PairReport struct {
	A    store.Competitor `json:"a"`
	B    store.Competitor `json:"b"`
	Rows []PairRow        `json:"rows"`
}

// ComparePair lists the products both competitors carry with their latest
// completed prices. DeltaCents is B minus A.
func (r *Reporter) ComparePair(ctx context.Context, a, b int64) (*PairReport, error) {
	ca, err := r.store.GetCompetitor(ctx, a)
	if err != nil {
		return nil, err
	}
	cb, err := r.store.GetCompetitor(ctx, b)
	if err != nil {
		return nil, err
	}
	ids, err := r.store.ProductsListedBy(ctx, a, b)
	if err != nil {
		return nil, err
	}

	out := &PairReport{A: *ca, B: *cb, Rows: []PairRow{}}
	for _, id := range ids {
		cmp, err := r.Compare(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		row := PairRow{ProductID: id, Name: cmp.Product.CanonicalName}
		for _, p := range shopPrices(cmp.Listings) {
			switch p.CompetitorID {
			case a:
				row.ACents, row.Currency = &p.Cents, p.Currency
			case b:
				row.BCents = &p.Cents
				if row.Currency == "" {
					row.Currency = p.Currency
				}
			}
		}
		if row.ACents != nil && row.BCents != nil {
			d := *row.BCents - *row.ACents
			row.DeltaCents = &d
			switch {
			case d < 0:
				row.Cheaper = cb.Key
			case d > 0:
				row.Cheaper = ca.Key
			default:
				row.Cheaper = "equal"
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// ReviewItem is a listing waiting for a manual match decision.
type ReviewItem struct {
	Listing    store.Listing `json:"listing"`
	Competitor string        `json:"competitor"`
	Reason     string        `json:"reason"`
}

// NeedsReview returns parked listings.
func (r *Reporter) NeedsReview(ctx context.Context, limit int) ([]ReviewItem, error) {
	listings, err := r.store.ListingsNeedingReview(ctx, limit)
	if err != nil {
		return nil, err
	}
	competitors, err := r.competitors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ReviewItem, 0, len(listings))
	for _, l := range listings {
		out = append(out, ReviewItem{Listing: l, Competitor: competitors[l.CompetitorID].Key, Reason: l.ReviewReason})
	}
	return out, nil
}

// RunReport exposes everything written under one run, whatever its status.
type RunReport struct {
	Run        store.ScrapeRun       `json:"run"`
	Competitor store.Competitor      `json:"competitor"`
	Duration   string                `json:"duration,omitempty"`
	Snapshots  []store.PriceSnapshot `json:"snapshots"`
	Visible    bool                  `json:"visible"`
}

// Run inspects a run, including the partial writes of a failed one.
func (r *Reporter) Run(ctx context.Context, runID int64) (*RunReport, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	comp, err := r.store.GetCompetitor(ctx, run.CompetitorID)
	if err != nil {
		return nil, err
	}
	snaps, err := r.store.RunSnapshots(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &RunReport{
		Run:        *run,
		Competitor: *comp,
		Snapshots:  snaps,
		Visible:    run.Status == store.RunCompleted,
	}
	if run.EndedAt != nil {
		out.Duration = run.EndedAt.Sub(run.StartedAt).Round(time.Second).String()
	}
	return out, nil
}

// Products lists canonical products.
func (r *Reporter) Products(ctx context.Context, brand string, limit int) ([]store.Product, error) {
	return r.store.ListProducts(ctx, store.ProductListOpts{Brand: brand, Limit: limit})
}

// Runs lists recent runs.
func (r *Reporter) Runs(ctx context.Context, opts store.RunListOpts) ([]store.ScrapeRun, error) {
	return r.store.ListRuns(ctx, opts)
}

// shopPrice is the cheapest latest price of one competitor.
type shopPrice struct {
	CompetitorID int64
	Cents        int64
	Currency     string
}

func shopPrices(views []ListingView) []shopPrice {
	best := make(map[int64]shopPrice)
	for _, v := range views {
		if v.Latest == nil || v.Latest.PriceCents == nil {
			continue
		}
		p := shopPrice{CompetitorID: v.Listing.CompetitorID, Cents: *v.Latest.PriceCents, Currency: v.Latest.Currency}
		if cur, ok := best[p.CompetitorID]; !ok || p.Cents < cur.Cents {
			best[p.CompetitorID] = p
		}
	}
	out := make([]shopPrice, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cents != out[j].Cents {
			return out[i].Cents < out[j].Cents
		}
		return out[i].CompetitorID < out[j].CompetitorID
	})
	return out
}
