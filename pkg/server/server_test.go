package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/internal/store/storetest"
	"github.com/odmlab/micradar/pkg/report"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLStore, int64) {
	t.Helper()
	ctx := context.Background()
	s := storetest.Open(t)

	p := &store.Product{CanonicalName: "Shure SM7B", Brand: "Shure", Signature: "shure sm7b"}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for comp, cents := range map[int64]int64{1: 29900, 4: 27900} {
		run := storetest.Run(t, s, comp, "run-"+string(rune('0'+comp)), store.RunRunning)
		l := &store.Listing{CompetitorID: comp, NativeID: "SM7B", Title: "Shure SM7B", ScrapeRunID: run.ID, FirstSeen: at}
		if err := s.UpsertListing(ctx, l); err != nil {
			t.Fatalf("upsert listing: %v", err)
		}
		if _, err := s.AssignProduct(ctx, &store.ProductMatch{ProductID: p.ID, ListingID: l.ID, Method: store.MethodNormalizedName, Confidence: 1}); err != nil {
			t.Fatalf("assign: %v", err)
		}
		c := cents
		if _, err := s.InsertSnapshot(ctx, &store.PriceSnapshot{ListingID: l.ID, ScrapeRunID: run.ID, CapturedAt: at, Currency: "EUR", PriceCents: &c}); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if err := s.TransitionRun(ctx, run.ID, store.RunRunning, store.RunCompleted, ""); err != nil {
			t.Fatalf("complete run: %v", err)
		}
	}

	srv := httptest.NewServer(New(s, report.New(s), "bax", 0, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, s, p.ID
}

func getJSON(t *testing.T, url string, want int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("get %s: expected status %d, got %d", url, want, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestComparisonEndpoint(t *testing.T) {
	srv, _, productID := newTestServer(t)

	var cmp report.Comparison
	getJSON(t, srv.URL+"/api/v1/products/"+strconv.FormatInt(productID, 10)+"/comparison", http.StatusOK, &cmp)
	if len(cmp.Listings) != 2 || cmp.Spread == nil || cmp.Spread.MinCents != 27900 {
		t.Fatalf("unexpected comparison %+v", cmp)
	}
	if cmp.Reference == nil || cmp.Reference.Label != report.PosMostExpensive {
		t.Fatalf("expected bax most expensive, got %+v", cmp.Reference)
	}

	var pair report.PairReport
	getJSON(t, srv.URL+"/api/v1/compare?a=bax&b=4", http.StatusOK, &pair)
	if len(pair.Rows) != 1 || pair.Rows[0].Cheaper != "thomann" {
		t.Fatalf("unexpected pair report %+v", pair)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv, _, _ := newTestServer(t)

	getJSON(t, srv.URL+"/api/v1/products/999/comparison", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/api/v1/products/abc/comparison", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/v1/compare?a=bax", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/v1/compare?a=bax&b=amazon", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/api/v1/products?limit=-1", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/v1/runs/12345", http.StatusNotFound, nil)
}

func TestListEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var health map[string]string
	getJSON(t, srv.URL+"/health", http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}

	var runs struct {
		Data  []store.ScrapeRun `json:"data"`
		Count int               `json:"count"`
	}
	getJSON(t, srv.URL+"/api/v1/runs?competitor=thomann", http.StatusOK, &runs)
	if runs.Count != 1 || runs.Data[0].CompetitorID != 4 {
		t.Fatalf("unexpected runs %+v", runs)
	}

	var products struct {
		Count int `json:"count"`
	}
	getJSON(t, srv.URL+"/api/v1/products?brand=Shure", http.StatusOK, &products)
	if products.Count != 1 {
		t.Fatalf("expected 1 product, got %d", products.Count)
	}

	var review struct {
		Count int `json:"count"`
	}
	getJSON(t, srv.URL+"/api/v1/review", http.StatusOK, &review)
	if review.Count != 0 {
		t.Fatalf("expected empty review queue, got %d", review.Count)
	}
}
