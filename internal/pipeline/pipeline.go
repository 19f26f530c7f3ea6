// Package pipeline ingests batches of crawler records: one run per batch,
// products matched and priced concurrently, service attributes after.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/alert"
	"github.com/odmlab/micradar/pkg/history"
	"github.com/odmlab/micradar/pkg/listing"
	"github.com/odmlab/micradar/pkg/match"
	"github.com/odmlab/micradar/pkg/runs"
	"github.com/odmlab/micradar/pkg/source"
)

// Batch is one crawler export for a single competitor.
type Batch struct {
	Competitor string
	Meta       runs.Meta
	// CapturedAt is used for records without their own timestamp.
	CapturedAt time.Time
	Records    []listing.RawRecord
	// Malformed counts entries the source could not decode; they are
	// reported as rejected.
	Malformed int
}

// FromExport turns a source export into a batch.
func FromExport(exp *source.Export) Batch {
	return Batch{
		Competitor: exp.Shop,
		Meta:       exp.Meta,
		CapturedAt: exp.CapturedAt,
		Records:    exp.Records,
		Malformed:  exp.Malformed,
	}
}

// Summary reports what one Ingest call did.
type Summary struct {
	RunID         int64           `json:"run_id"`
	RunKey        string          `json:"run_key"`
	Competitor    string          `json:"competitor"`
	Status        store.RunStatus `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Duration      time.Duration   `json:"duration"`

	Records      int `json:"records"`
	Ingested     int `json:"ingested"`
	Rejected     int `json:"rejected"`
	NewProducts  int `json:"new_products"`
	Matched      int `json:"matched"`
	NeedsReview  int `json:"needs_review"`
	Snapshots    int `json:"snapshots"`
	Duplicates   int `json:"duplicates"`
	Conflicts    int `json:"conflicts"`
	OutOfOrder   int `json:"out_of_order"`
	PriceChanges int `json:"price_changes"`
	Services     int `json:"services"`
	Reviews      int `json:"reviews"`
	Errors       int `json:"errors"`
}

// Options configures a Pipeline.
type Options struct {
	Workers int
	// CloseTimeout bounds failing a run after the batch context is gone.
	CloseTimeout time.Duration
	Alerts       *alert.Manager
	Log          *logger.Logger
}

// Pipeline wires ingestion, matching, price history and run tracking.
type Pipeline struct {
	store    store.Store
	ingestor *listing.Ingestor
	matcher  *match.Matcher
	recorder *history.Recorder
	tracker  *runs.Tracker
	alerts   *alert.Manager
	log      *logger.Logger
	workers  int
	closeTO  time.Duration
}

// New creates a pipeline.
func New(s store.Store, in *listing.Ingestor, m *match.Matcher, rec *history.Recorder, tr *runs.Tracker, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	return &Pipeline{
		store:    s,
		ingestor: in,
		matcher:  m,
		recorder: rec,
		tracker:  tr,
		alerts:   opts.Alerts,
		log:      logger.OrNop(opts.Log),
		workers:  opts.Workers,
		closeTO:  opts.CloseTimeout,
	}
}

// batchState collects per-run counters and changes from concurrent workers.
type batchState struct {
	mu      sync.Mutex
	sum     *Summary
	changes []alert.Change
}

func (b *batchState) add(fn func(s *Summary)) {
	b.mu.Lock()
	fn(b.sum)
	b.mu.Unlock()
}

// Ingest runs one batch under a new run. Per-record problems are counted and
// logged; storage timeouts and cancellation fail the run and are returned.
func (p *Pipeline) Ingest(ctx context.Context, b Batch) (*Summary, error) {
	start := time.Now()
	comp, err := p.store.GetCompetitorByKey(ctx, strings.ToLower(b.Competitor))
	if err != nil {
		return nil, fmt.Errorf("competitor %q: %w", b.Competitor, err)
	}
	run, err := p.tracker.Begin(ctx, comp.ID, b.Meta)
	if err != nil {
		return nil, fmt.Errorf("begin run for %s: %w", comp.Key, err)
	}
	log := p.log.With("run_id", run.ID, "competitor", comp.Key)

	st := &batchState{sum: &Summary{
		RunID:      run.ID,
		RunKey:     run.RunKey,
		Competitor: comp.Key,
		Status:     store.RunRunning,
		Records:    len(b.Records) + b.Malformed,
		Rejected:   b.Malformed,
	}}

	categories, err := p.store.ListCategories(ctx, comp.ID)
	if err == nil {
		tag := listing.Tag{
			RunID:        run.ID,
			CompetitorID: comp.ID,
			Shop:         comp.Key,
			Currency:     comp.Currency,
			CapturedAt:   b.CapturedAt,
		}
		err = p.process(ctx, log, st, tag, categories, b.Records)
	}

	if err != nil {
		return p.fail(ctx, log, st, start, err)
	}

	if err := p.tracker.Complete(ctx, run.ID); err != nil {
		return p.fail(ctx, log, st, start, fmt.Errorf("complete run %d: %w", run.ID, err))
	}
	st.sum.Status = store.RunCompleted
	st.sum.Duration = time.Since(start)
	log.Info("run completed",
		"ingested", st.sum.Ingested, "rejected", st.sum.Rejected,
		"new_products", st.sum.NewProducts, "needs_review", st.sum.NeedsReview,
		"price_changes", st.sum.PriceChanges)

	p.notify(ctx, log, comp.Key, run.ID, st.changes)
	return st.sum, nil
}

// fail closes the run as failed on a context that outlives ctx.
func (p *Pipeline) fail(ctx context.Context, log *logger.Logger, st *batchState, start time.Time, err error) (*Summary, error) {
	reason := err.Error()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.closeTO)
	defer cancel()
	if ferr := p.tracker.Fail(closeCtx, st.sum.RunID, reason); ferr != nil {
		log.Error("fail run", "error", ferr)
	}
	st.sum.Status = store.RunFailed
	st.sum.FailureReason = reason
	st.sum.Duration = time.Since(start)
	log.Warn("run failed", "reason", reason)
	return st.sum, err
}

func (p *Pipeline) process(ctx context.Context, log *logger.Logger, st *batchState, tag listing.Tag, categories []store.Category, records []listing.RawRecord) error {
	var services []listing.RawRecord
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i := range records {
		rec := records[i]
		switch rec.Kind {
		case listing.KindProduct:
		case listing.KindCustomerService, listing.KindExpertSupport:
			services = append(services, rec)
			continue
		case listing.KindRun:
			continue
		default:
			log.Warn("unknown record type", "type", rec.Kind)
			st.add(func(s *Summary) { s.Rejected++ })
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.product(gctx, log, st, tag, categories, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, rec := range services {
		if err := p.service(ctx, log, st, tag, rec); err != nil {
			return err
		}
	}
	return nil
}

// product handles one product record. It returns only errors that must abort
// the batch.
func (p *Pipeline) product(ctx context.Context, log *logger.Logger, st *batchState, tag listing.Tag, categories []store.Category, rec listing.RawRecord) error {
	obs, err := p.ingestor.Product(rec, tag)
	if err != nil {
		log.Debug("record rejected", "error", err)
		st.add(func(s *Summary) { s.Rejected++ })
		return nil
	}
	if _, err := p.tracker.RequireRunning(ctx, tag.RunID); err != nil {
		return p.recordError(log, st, obs.NativeID, err)
	}

	res, err := p.matcher.Match(ctx, obs, categoryFor(categories, obs.CategoryURL))
	var amb *match.AmbiguousError
	switch {
	case err == nil:
	case errors.Is(err, match.ErrEmptySignature), errors.As(err, &amb):
		log.Debug("listing parked", "native_id", obs.NativeID, "reason", err)
	default:
		return p.recordError(log, st, obs.NativeID, err)
	}

	hist, err := p.recorder.Record(ctx, res.Listing.ID, obs)
	if errors.Is(err, history.ErrOutOfOrder) {
		log.Warn("observation out of order", "native_id", obs.NativeID, "captured_at", obs.CapturedAt)
		st.add(func(s *Summary) { s.OutOfOrder++ })
		return nil
	}
	if err != nil {
		return p.recordError(log, st, obs.NativeID, err)
	}

	reviews, err := p.reviews(ctx, res.Listing.ID, obs)
	if err != nil {
		return p.recordError(log, st, obs.NativeID, err)
	}

	var change *alert.Change
	if hist.Change != nil {
		change = &alert.Change{
			Product:      obs.Title,
			ListingID:    res.Listing.ID,
			URL:          obs.URL,
			Currency:     hist.Change.Currency,
			OldCents:     hist.Change.OldCents,
			NewCents:     hist.Change.NewCents,
			DeltaCents:   hist.Change.DeltaCents,
			DeltaPercent: hist.Change.DeltaPercent,
		}
		if !res.Parked {
			change.ProductID = res.ProductID
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.sum
	s.Ingested++
	s.Reviews += reviews
	switch {
	case res.Parked:
		s.NeedsReview++
	case res.Created:
		s.NewProducts++
	default:
		s.Matched++
	}
	if hist.Appended {
		s.Snapshots++
	} else {
		s.Duplicates++
	}
	if hist.Conflicting {
		s.Conflicts++
		log.Warn("conflicting repeat in run", "native_id", obs.NativeID)
	}
	if change != nil {
		s.PriceChanges++
		st.changes = append(st.changes, *change)
	}
	return nil
}

func (p *Pipeline) reviews(ctx context.Context, listingID int64, obs *listing.Observation) (int, error) {
	var added int
	if obs.RatingValue != nil || obs.ReviewCount != nil {
		ok, err := p.store.AddReview(ctx, &store.Review{
			ListingID:   listingID,
			ScrapeRunID: obs.RunID,
			CapturedAt:  obs.CapturedAt,
			RatingValue: obs.RatingValue,
			RatingScale: obs.RatingScale,
			ReviewCount: obs.ReviewCount,
		})
		if err != nil {
			return 0, err
		}
		if ok {
			added++
		}
	}
	for _, rv := range obs.Reviews {
		ok, err := p.store.AddReview(ctx, &store.Review{
			ListingID:   listingID,
			ScrapeRunID: obs.RunID,
			CapturedAt:  obs.CapturedAt,
			RatingValue: rv.Rating,
			RatingScale: obs.RatingScale,
			Text:        rv.Text,
			Reviewer:    rv.Reviewer,
			Verified:    rv.Verified,
		})
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (p *Pipeline) service(ctx context.Context, log *logger.Logger, st *batchState, tag listing.Tag, rec listing.RawRecord) error {
	if _, err := p.tracker.RequireRunning(ctx, tag.RunID); err != nil {
		return p.recordError(log, st, "", err)
	}

	var nativeID string
	var write func(listingID int64) error
	switch rec.Kind {
	case listing.KindCustomerService:
		obs, err := p.ingestor.CustomerService(rec, tag)
		if err != nil {
			log.Debug("record rejected", "error", err)
			st.add(func(s *Summary) { s.Rejected++ })
			return nil
		}
		nativeID = obs.NativeID
		write = func(listingID int64) error {
			obs.Terms.ListingID = listingID
			return p.store.UpsertCustomerService(ctx, &obs.Terms)
		}
	default:
		obs, err := p.ingestor.ExpertSupport(rec, tag)
		if err != nil {
			log.Debug("record rejected", "error", err)
			st.add(func(s *Summary) { s.Rejected++ })
			return nil
		}
		nativeID = obs.NativeID
		write = func(listingID int64) error {
			obs.Support.ListingID = listingID
			return p.store.UpsertExpertSupport(ctx, &obs.Support)
		}
	}

	listingID := store.ShopWide
	if nativeID != "" {
		l, err := p.store.FindListing(ctx, tag.CompetitorID, nativeID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			log.Debug("service record for unknown listing", "native_id", nativeID)
			st.add(func(s *Summary) { s.Rejected++ })
			return nil
		case err != nil:
			return p.recordError(log, st, nativeID, err)
		}
		listingID = l.ID
	}
	if err := write(listingID); err != nil {
		return p.recordError(log, st, nativeID, err)
	}
	st.add(func(s *Summary) { s.Services++ })
	return nil
}

// recordError counts a per-record failure and returns err when it must abort
// the whole batch.
func (p *Pipeline) recordError(log *logger.Logger, st *batchState, nativeID string, err error) error {
	if Fatal(err) {
		return err
	}
	log.Warn("record failed", "native_id", nativeID, "error", err)
	st.add(func(s *Summary) { s.Errors++ })
	return nil
}

// Fatal reports whether err must abort a batch: storage timeouts and
// cancellation do, everything else only loses the record.
func Fatal(err error) bool {
	var timeout *store.TimeoutError
	return errors.As(err, &timeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// categoryFor returns the category whose URL is the longest prefix of url.
func categoryFor(categories []store.Category, url string) *int64 {
	if url == "" {
		return nil
	}
	var best *store.Category
	for i := range categories {
		c := &categories[i]
		if c.URL == "" || !strings.HasPrefix(url, c.URL) {
			continue
		}
		if best == nil || len(c.URL) > len(best.URL) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	id := best.ID
	return &id
}

func (p *Pipeline) notify(ctx context.Context, log *logger.Logger, competitor string, runID int64, changes []alert.Change) {
	if !p.alerts.HasNotifiers() || len(changes) == 0 {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ListingID < changes[j].ListingID })
	n := p.alerts.Digest(competitor, runID, changes)
	if n == nil {
		return
	}
	if err := p.alerts.Broadcast(ctx, n); err != nil {
		log.Warn("alert delivery failed", "error", err)
		return
	}
	log.Info("alerted", "changes", len(n.Changes))
}

// IngestAll ingests batches concurrently across competitors. Batches for the
// same competitor run one after another in the given order. A failing batch
// does not stop the others.
func (p *Pipeline) IngestAll(ctx context.Context, batches []Batch) ([]*Summary, error) {
	groups := make(map[string][]int)
	var order []string
	for i, b := range batches {
		key := strings.ToLower(b.Competitor)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	out := make([]*Summary, len(batches))
	errs := make([]error, len(batches))
	var g errgroup.Group
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			for _, i := range idx {
				out[i], errs[i] = p.Ingest(ctx, batches[i])
				if errs[i] != nil {
					errs[i] = fmt.Errorf("batch %d (%s): %w", i, key, errs[i])
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}
