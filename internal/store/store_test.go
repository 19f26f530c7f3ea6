package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/internal/store/storetest"
)

func TestSeedAndLookupCompetitors(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	// Seeding twice keeps one row per competitor.
	if err := s.SeedCompetitors(ctx, storetest.Competitors); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	list, err := s.ListCompetitors(ctx)
	if err != nil {
		t.Fatalf("list competitors: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 competitors, got %d", len(list))
	}
	c, err := s.GetCompetitorByKey(ctx, "thomann")
	if err != nil || c.ID != 4 || c.Country != "DE" {
		t.Fatalf("expected thomann with id 4, got %+v %v", c, err)
	}
	if _, err := s.GetCompetitorByKey(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionRunCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	run := storetest.Run(t, s, 1, "bax-1", store.RunPending)

	if err := s.TransitionRun(ctx, run.ID, store.RunPending, store.RunRunning, ""); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	err := s.TransitionRun(ctx, run.ID, store.RunPending, store.RunFailed, "stale")
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on stale status, got %v", err)
	}
	if err := s.TransitionRun(ctx, run.ID, store.RunRunning, store.RunFailed, "timeout"); err != nil {
		t.Fatalf("running->failed: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed || got.FailureReason != "timeout" || got.EndedAt == nil {
		t.Fatalf("unexpected run %+v", got)
	}

	open, err := s.OpenRuns(ctx, 1)
	if err != nil {
		t.Fatalf("open runs: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open runs, got %d", len(open))
	}

	// Same key resolves to the same run.
	again := storetest.Run(t, s, 1, "bax-1", store.RunPending)
	if again.ID != run.ID {
		t.Fatalf("expected run key to be unique, got ids %d and %d", run.ID, again.ID)
	}
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	storetest.Run(t, s, 1, "bax-1", store.RunCompleted)
	storetest.Run(t, s, 1, "bax-2", store.RunRunning)
	storetest.Run(t, s, 2, "bol-1", store.RunCompleted)

	list, err := s.ListRuns(ctx, store.RunListOpts{CompetitorID: 1})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 bax runs, got %d", len(list))
	}
	list, err = s.ListRuns(ctx, store.RunListOpts{Status: store.RunCompleted})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 completed runs, got %d", len(list))
	}
}

func TestProductSignatureConflict(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	p := &store.Product{CanonicalName: "Shure SM7B", Brand: "Shure", Signature: "shure sm7b"}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	dup := &store.Product{CanonicalName: "SHURE SM-7B", Brand: "Shure", Signature: "shure sm7b"}
	var conflict *store.ConflictError
	if err := s.CreateProduct(ctx, dup); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on duplicate signature, got %v", err)
	}
	got, err := s.GetProductBySignature(ctx, "shure sm7b")
	if err != nil || got.ID != p.ID {
		t.Fatalf("expected winner product %d, got %+v %v", p.ID, got, err)
	}
}

func TestAssignOnceAndOverride(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	run := storetest.Run(t, s, 1, "bax-1", store.RunRunning)

	a := &store.Product{CanonicalName: "Rode NT1", Brand: "Rode", Signature: "rode nt1"}
	b := &store.Product{CanonicalName: "Rode NT1-A", Brand: "Rode", Signature: "rode nt1 a"}
	for _, p := range []*store.Product{a, b} {
		if err := s.CreateProduct(ctx, p); err != nil {
			t.Fatalf("create product: %v", err)
		}
	}

	l := &store.Listing{CompetitorID: 1, NativeID: "BAX-1", Title: "Rode NT1", ScrapeRunID: run.ID}
	if err := s.UpsertListing(ctx, l); err != nil {
		t.Fatalf("upsert listing: %v", err)
	}
	if err := s.ParkListing(ctx, l.ID, "ambiguous"); err != nil {
		t.Fatalf("park: %v", err)
	}

	ok, err := s.AssignProduct(ctx, &store.ProductMatch{ProductID: a.ID, ListingID: l.ID, Method: store.MethodNormalizedName, Confidence: 0.9})
	if err != nil || !ok {
		t.Fatalf("first assignment: %v %v", ok, err)
	}
	ok, err = s.AssignProduct(ctx, &store.ProductMatch{ProductID: b.ID, ListingID: l.ID, Method: store.MethodNormalizedName, Confidence: 0.95})
	if err != nil || ok {
		t.Fatalf("expected second assignment to be refused, got %v %v", ok, err)
	}
	got, err := s.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if *got.ProductID != a.ID || got.NeedsReview {
		t.Fatalf("expected listing on product %d out of review, got %+v", a.ID, got)
	}

	o := &store.MatchOverride{ListingID: l.ID, NewProductID: b.ID, Reason: "NT1-A is a different model", Actor: "merchandiser"}
	if err := s.OverrideProduct(ctx, o); err != nil {
		t.Fatalf("override: %v", err)
	}
	if o.OldProductID == nil || *o.OldProductID != a.ID {
		t.Fatalf("expected old product %d in audit, got %v", a.ID, o.OldProductID)
	}
	m, err := s.GetMatch(ctx, l.ID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.ProductID != b.ID || m.Method != store.MethodManual {
		t.Fatalf("expected manual match on %d, got %+v", b.ID, m)
	}
	audit, err := s.ListOverrides(ctx, l.ID)
	if err != nil || len(audit) != 1 || audit[0].Actor != "merchandiser" {
		t.Fatalf("expected one audit row, got %+v %v", audit, err)
	}

	if err := s.OverrideProduct(ctx, &store.MatchOverride{ListingID: 999, NewProductID: b.ID, Reason: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown listing, got %v", err)
	}
}

func TestSnapshotsPerRun(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	run1 := storetest.Run(t, s, 2, "bol-1", store.RunRunning)
	l := &store.Listing{CompetitorID: 2, NativeID: "9300000012345", Title: "Shure SM58", ScrapeRunID: run1.ID}
	if err := s.UpsertListing(ctx, l); err != nil {
		t.Fatalf("upsert listing: %v", err)
	}

	price := func(runID, cents int64, at time.Time) bool {
		t.Helper()
		ok, err := s.InsertSnapshot(ctx, &store.PriceSnapshot{ListingID: l.ID, ScrapeRunID: runID, CapturedAt: at, Currency: "EUR", PriceCents: &cents})
		if err != nil {
			t.Fatalf("insert snapshot: %v", err)
		}
		return ok
	}

	if !price(run1.ID, 9900, t0) {
		t.Fatal("expected first snapshot inserted")
	}
	if price(run1.ID, 8900, t0.Add(time.Minute)) {
		t.Fatal("expected second snapshot in the same run refused")
	}
	if err := s.TransitionRun(ctx, run1.ID, store.RunRunning, store.RunCompleted, ""); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	run2 := storetest.Run(t, s, 2, "bol-2", store.RunRunning)
	price(run2.ID, 8900, t0.Add(time.Hour))

	all, err := s.Snapshots(ctx, l.ID, store.SnapshotOpts{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 snapshots, got %d %v", len(all), err)
	}
	latest, err := s.LatestSnapshot(ctx, l.ID, store.SnapshotOpts{CompletedOnly: true})
	if err != nil || *latest.PriceCents != 9900 {
		t.Fatalf("expected latest completed price 9900, got %+v %v", latest, err)
	}
	prev, err := s.LatestSnapshot(ctx, l.ID, store.SnapshotOpts{ExcludeRunID: run2.ID})
	if err != nil || prev.ScrapeRunID != run1.ID {
		t.Fatalf("expected baseline from run %d, got %+v %v", run1.ID, prev, err)
	}
	got, err := s.SnapshotForRun(ctx, l.ID, run2.ID)
	if err != nil || *got.PriceCents != 8900 {
		t.Fatalf("expected run 2 snapshot, got %+v %v", got, err)
	}
	inRun, err := s.RunSnapshots(ctx, run1.ID)
	if err != nil || len(inRun) != 1 {
		t.Fatalf("expected 1 snapshot in run 1, got %d %v", len(inRun), err)
	}

	change := &store.PriceChange{ListingID: l.ID, ScrapeRunID: run2.ID, SnapshotID: got.ID, Currency: "EUR",
		OldCents: 9900, NewCents: 8900, DeltaCents: -1000, DeltaPercent: -10.1}
	if ok, err := s.InsertPriceChange(ctx, change); err != nil || !ok {
		t.Fatalf("insert price change: %v %v", ok, err)
	}
	if ok, err := s.InsertPriceChange(ctx, change); err != nil || ok {
		t.Fatalf("expected duplicate price change refused, got %v %v", ok, err)
	}
	visible, err := s.PriceChanges(ctx, l.ID, store.SnapshotOpts{CompletedOnly: true})
	if err != nil || len(visible) != 0 {
		t.Fatalf("expected change of running run hidden, got %d %v", len(visible), err)
	}
}

func TestServiceShopWideFallback(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	run := storetest.Run(t, s, 4, "thomann-1", store.RunRunning)

	months := 36
	if err := s.UpsertCustomerService(ctx, &store.CustomerService{CompetitorID: 4, ListingID: store.ShopWide, ScrapeRunID: run.ID, WarrantyMonths: &months}); err != nil {
		t.Fatalf("upsert shop-wide service: %v", err)
	}
	cs, err := s.LatestCustomerService(ctx, 4, 42)
	if err != nil || *cs.WarrantyMonths != 36 {
		t.Fatalf("expected shop-wide fallback, got %+v %v", cs, err)
	}

	own := 24
	if err := s.UpsertCustomerService(ctx, &store.CustomerService{CompetitorID: 4, ListingID: 42, ScrapeRunID: run.ID, WarrantyMonths: &own}); err != nil {
		t.Fatalf("upsert listing service: %v", err)
	}
	cs, err = s.LatestCustomerService(ctx, 4, 42)
	if err != nil || *cs.WarrantyMonths != 24 {
		t.Fatalf("expected listing terms to win, got %+v %v", cs, err)
	}
	if _, err := s.LatestCustomerService(ctx, 1, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other shop, got %v", err)
	}

	chat := true
	if err := s.UpsertExpertSupport(ctx, &store.ExpertSupport{CompetitorID: 4, ScrapeRunID: run.ID, ChatAvailable: &chat}); err != nil {
		t.Fatalf("upsert expert support: %v", err)
	}
	es, err := s.LatestExpertSupport(ctx, 4, 42)
	if err != nil || es.ChatAvailable == nil || !*es.ChatAvailable {
		t.Fatalf("expected shop-wide expert support, got %+v %v", es, err)
	}
}

func TestAddReviewOncePerRun(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	run := storetest.Run(t, s, 3, "maxi-1", store.RunRunning)
	l := &store.Listing{CompetitorID: 3, NativeID: "MX-7", Title: "Audio-Technica AT2020", ScrapeRunID: run.ID}
	if err := s.UpsertListing(ctx, l); err != nil {
		t.Fatalf("upsert listing: %v", err)
	}

	rating := 4.5
	r := &store.Review{ListingID: l.ID, ScrapeRunID: run.ID, RatingValue: &rating, Text: "Warm sound", Reviewer: "Sam"}
	if ok, err := s.AddReview(ctx, r); err != nil || !ok {
		t.Fatalf("add review: %v %v", ok, err)
	}
	if r.RatingScale != 5 || r.Hash == "" {
		t.Fatalf("expected default scale and hash, got %+v", r)
	}
	dup := &store.Review{ListingID: l.ID, ScrapeRunID: run.ID, RatingValue: &rating, Text: "Warm sound", Reviewer: "Sam"}
	if ok, err := s.AddReview(ctx, dup); err != nil || ok {
		t.Fatalf("expected duplicate review refused, got %v %v", ok, err)
	}
	list, err := s.Reviews(ctx, l.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 review, got %d %v", len(list), err)
	}
}
