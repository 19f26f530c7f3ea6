// Package storetest opens throwaway sqlite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/odmlab/micradar/internal/store"
)

// Competitors are the shops seeded by Open.
var Competitors = []store.Competitor{
	{ID: 1, Key: "bax", Name: "Bax-shop", Country: "NL", BaseURL: "https://www.bax-shop.nl", Currency: "EUR"},
	{ID: 2, Key: "bol", Name: "bol.com", Country: "NL", BaseURL: "https://www.bol.com", Currency: "EUR"},
	{ID: 3, Key: "maxiaxi", Name: "MaxiAxi", Country: "NL", BaseURL: "https://www.maxiaxi.com", Currency: "EUR"},
	{ID: 4, Key: "thomann", Name: "Thomann", Country: "DE", BaseURL: "https://www.thomann.nl", Currency: "EUR"},
}

// Open creates a sqlite store in a temporary directory, seeded with
// Competitors, and closes it when the test ends.
func Open(t testing.TB) *store.SQLStore {
	t.Helper()
	s, err := store.New(store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "micradar.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.SeedCompetitors(context.Background(), Competitors); err != nil {
		t.Fatalf("seed competitors: %v", err)
	}
	return s
}

// Run creates a run for competitorID in the given status.
func Run(t testing.TB, s store.Store, competitorID int64, key string, status store.RunStatus) *store.ScrapeRun {
	t.Helper()
	run := &store.ScrapeRun{RunKey: key, CompetitorID: competitorID, Status: status}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}
