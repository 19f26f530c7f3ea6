package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/internal/store/storetest"
	"github.com/odmlab/micradar/pkg/listing"
)

func observation(runID, competitorID int64, nativeID, brand, title string) *listing.Observation {
	return &listing.Observation{
		RunID:        runID,
		CompetitorID: competitorID,
		NativeID:     nativeID,
		Title:        title,
		BrandGuess:   brand,
		CapturedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newMatcher(t *testing.T, s store.Store) *Matcher {
	t.Helper()
	m, err := NewMatcher(context.Background(), s, nil, Config{}, nil)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	return m
}

func TestMatchCrossShop(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	bax := storetest.Run(t, s, 1, "bax-1", store.RunRunning)
	bol := storetest.Run(t, s, 2, "bol-1", store.RunRunning)

	first, err := m.Match(ctx, observation(bax.ID, 1, "BAX-123", "Shure", "Shure SM7B"), nil)
	if err != nil {
		t.Fatalf("match bax: %v", err)
	}
	if !first.Created {
		t.Fatal("expected first sighting to create a product")
	}

	second, err := m.Match(ctx, observation(bol.ID, 2, "9200000012345", "", "Shure SM-7B dynamische microfoon"), nil)
	if err != nil {
		t.Fatalf("match bol: %v", err)
	}
	if second.Created {
		t.Fatal("expected second shop to attach, not create")
	}
	if second.ProductID != first.ProductID {
		t.Fatalf("expected product %d, got %d", first.ProductID, second.ProductID)
	}
	if second.Method != store.MethodNormalizedName || second.Confidence < DefaultThreshold {
		t.Fatalf("expected normalized-name match with confidence >= %v, got %s %v",
			DefaultThreshold, second.Method, second.Confidence)
	}

	edge, err := s.GetMatch(ctx, second.Listing.ID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if edge.ProductID != first.ProductID || edge.Seed {
		t.Fatalf("expected non-seed edge to %d, got %+v", first.ProductID, edge)
	}
	seed, err := s.GetMatch(ctx, first.Listing.ID)
	if err != nil {
		t.Fatalf("get seed match: %v", err)
	}
	if !seed.Seed || seed.Confidence != 1 {
		t.Fatalf("expected seed edge with confidence 1, got %+v", seed)
	}
}

func TestMatchExistingListingKeepsProduct(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	run := storetest.Run(t, s, 1, "bax-1", store.RunRunning)

	first, err := m.Match(ctx, observation(run.ID, 1, "BAX-123", "Shure", "Shure SM7B"), nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	// Same native id, retitled by the shop: native id wins over name.
	again, err := m.Match(ctx, observation(run.ID, 1, "BAX-123", "Rode", "Rode NT1 5th Gen"), nil)
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if again.Method != store.MethodExactID || again.Confidence != 1 {
		t.Fatalf("expected exact-id match, got %s %v", again.Method, again.Confidence)
	}
	if again.ProductID != first.ProductID || again.Created {
		t.Fatalf("expected product %d to be kept, got %+v", first.ProductID, again)
	}
	products, err := s.ListProducts(ctx, store.ProductListOpts{})
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
}

func TestMatchParksEmptySignature(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	run := storetest.Run(t, s, 1, "bax-1", store.RunRunning)

	res, err := m.Match(ctx, observation(run.ID, 1, "BAX-9", "", "Microfoon - de"), nil)
	if !errors.Is(err, ErrEmptySignature) {
		t.Fatalf("expected ErrEmptySignature, got %v", err)
	}
	if res == nil || !res.Parked {
		t.Fatalf("expected parked result, got %+v", res)
	}
	queue, err := s.ListingsNeedingReview(ctx, 10)
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(queue) != 1 || queue[0].NativeID != "BAX-9" {
		t.Fatalf("expected BAX-9 in review queue, got %+v", queue)
	}
}

func TestMatchConcurrentCreatesOneProduct(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	runs := make([]*store.ScrapeRun, 4)
	for i := range runs {
		runs[i] = storetest.Run(t, s, int64(i+1), fmt.Sprintf("run-%d", i), store.RunRunning)
	}

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	errs := make([]error, 4)
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs := observation(runs[i].ID, int64(i+1), fmt.Sprintf("N-%d", i), "Shure", "Shure SM7B")
			results[i], errs[i] = m.Match(ctx, obs, nil)
		}(i)
	}
	wg.Wait()

	created := 0
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("match %d: %v", i, errs[i])
		}
		if r.ProductID != results[0].ProductID {
			t.Fatalf("expected all listings on product %d, got %d", results[0].ProductID, r.ProductID)
		}
		if r.Created {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
}

func TestMatchResolvesConflictFromAnotherWriter(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	run := storetest.Run(t, s, 1, "bax-1", store.RunRunning)

	// Another process created the product after this matcher loaded its index.
	winner := &store.Product{CanonicalName: "Shure SM7B", Brand: "Shure", Signature: "shure sm7b"}
	if err := s.CreateProduct(ctx, winner); err != nil {
		t.Fatalf("create product: %v", err)
	}

	res, err := m.Match(ctx, observation(run.ID, 1, "BAX-123", "Shure", "Shure SM7B"), nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.ProductID != winner.ID || res.Created {
		t.Fatalf("expected attach to winner %d, got %+v", winner.ID, res)
	}
}

func TestOverride(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	run := storetest.Run(t, s, 1, "bax-1", store.RunRunning)

	a, err := m.Match(ctx, observation(run.ID, 1, "A", "Shure", "Shure SM7B"), nil)
	if err != nil {
		t.Fatalf("match a: %v", err)
	}
	b, err := m.Match(ctx, observation(run.ID, 1, "B", "Shure", "Shure SM58"), nil)
	if err != nil {
		t.Fatalf("match b: %v", err)
	}
	if a.ProductID == b.ProductID {
		t.Fatal("expected different products")
	}

	if _, err := m.Override(ctx, b.Listing.ID, a.ProductID, "", "ops"); err == nil {
		t.Fatal("expected override without reason to fail")
	}

	o, err := m.Override(ctx, b.Listing.ID, a.ProductID, "same product, shop typo", "ops")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if o.OldProductID == nil || *o.OldProductID != b.ProductID {
		t.Fatalf("expected old product %d in audit, got %v", b.ProductID, o.OldProductID)
	}

	l, err := s.GetListing(ctx, b.Listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if l.ProductID == nil || *l.ProductID != a.ProductID {
		t.Fatalf("expected listing on product %d, got %v", a.ProductID, l.ProductID)
	}
	edge, err := s.GetMatch(ctx, b.Listing.ID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if edge.Method != store.MethodManual {
		t.Fatalf("expected manual edge, got %s", edge.Method)
	}
	audit, err := s.ListOverrides(ctx, b.Listing.ID)
	if err != nil {
		t.Fatalf("list overrides: %v", err)
	}
	if len(audit) != 1 || audit[0].Actor != "ops" {
		t.Fatalf("expected one audit row by ops, got %+v", audit)
	}

	// Later automatic matching leaves the override in place.
	again, err := m.Match(ctx, observation(run.ID, 1, "B", "Shure", "Shure SM58"), nil)
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if again.ProductID != a.ProductID || again.Method != store.MethodExactID {
		t.Fatalf("expected override to stick, got %+v", again)
	}
}

type placement struct {
	product int64
	parked  bool
}

// matchInOrder matches the titles at three shops in the given order on a
// fresh store.
func matchInOrder(t *testing.T, titles map[string]string, order []string) map[string]placement {
	t.Helper()
	ctx := context.Background()
	s := storetest.Open(t)
	m := newMatcher(t, s)
	out := make(map[string]placement)
	for i, name := range order {
		comp := int64(i + 1)
		run := storetest.Run(t, s, comp, fmt.Sprintf("run-%d", comp), store.RunRunning)
		res, err := m.Match(ctx, observation(run.ID, comp, name, "", titles[name]), nil)
		var amb *AmbiguousError
		switch {
		case err == nil:
		case errors.As(err, &amb):
		default:
			t.Fatalf("order %v: match %s: %v", order, name, err)
		}
		out[name] = placement{product: res.ProductID, parked: res.Parked}
	}
	return out
}

func TestMatchOrderIndependentAcrossShops(t *testing.T) {
	x := "Rode NT1 5th Generation Black Studio Set Pop Filter"
	titles := map[string]string{"X": x, "Y": x + " XLR", "Z": x + " XLR USB"}
	orders := [][]string{
		{"X", "Y", "Z"}, {"X", "Z", "Y"}, {"Y", "X", "Z"},
		{"Y", "Z", "X"}, {"Z", "X", "Y"}, {"Z", "Y", "X"},
	}
	results := make([]map[string]placement, len(orders))
	for i, order := range orders {
		results[i] = matchInOrder(t, titles, order)
	}

	// Whenever two listings are both placed automatically, whether they
	// share a product does not depend on the order they arrived in.
	pairs := [][2]string{{"X", "Y"}, {"X", "Z"}, {"Y", "Z"}}
	for _, pair := range pairs {
		seen := map[bool][]string{}
		for i, res := range results {
			a, b := res[pair[0]], res[pair[1]]
			if a.parked || b.parked {
				continue
			}
			same := a.product == b.product
			seen[same] = append(seen[same], fmt.Sprint(orders[i]))
		}
		if len(seen[true]) > 0 && len(seen[false]) > 0 {
			t.Fatalf("%s and %s: same product in %v but split in %v", pair[0], pair[1], seen[true], seen[false])
		}
	}

	xyz, yxz := results[0], results[2]
	if xyz["X"].product != xyz["Y"].product || !xyz["Z"].parked {
		t.Fatalf("order [X Y Z]: expected X and Y together and Z parked, got %+v", xyz)
	}
	if yxz["X"].product != yxz["Y"].product || !yxz["Z"].parked {
		t.Fatalf("order [Y X Z]: expected X and Y together and Z parked, got %+v", yxz)
	}
}

func TestMatchReloadsAttachedSignatures(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	x := "Rode NT1 5th Generation Black Studio Set Pop Filter"

	m := newMatcher(t, s)
	for i, title := range []string{x, x + " XLR"} {
		comp := int64(i + 1)
		run := storetest.Run(t, s, comp, fmt.Sprintf("run-%d", comp), store.RunRunning)
		if _, err := m.Match(ctx, observation(run.ID, comp, fmt.Sprintf("N-%d", comp), "", title), nil); err != nil {
			t.Fatalf("match %d: %v", comp, err)
		}
	}

	// A restarted matcher still knows the attached title.
	restarted := newMatcher(t, s)
	run := storetest.Run(t, s, 3, "run-3", store.RunRunning)
	res, err := restarted.Match(ctx, observation(run.ID, 3, "N-3", "", x+" XLR USB"), nil)
	var amb *AmbiguousError
	if !errors.As(err, &amb) || !res.Parked {
		t.Fatalf("expected park after reload, got %+v %v", res, err)
	}
}
