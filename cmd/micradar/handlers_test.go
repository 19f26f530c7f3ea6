package main

import (
	"errors"
	"testing"

	"github.com/odmlab/micradar/internal/config"
	"github.com/odmlab/micradar/pkg/source"
)

func TestBuildSources(t *testing.T) {
	cfg := config.Default()
	cfg.Competitors[0].Sources = []config.SourceConfig{
		{Kind: "jsonl", Location: "exports/bax.jsonl"},
		{Kind: "merchant", Location: "https://example.com/feed.xml", CatalogFilter: true},
	}
	cfg.Competitors[3].Sources = []config.SourceConfig{{Kind: "html", Location: "pages"}}

	sources, err := buildSources(cfg)
	if err != nil {
		t.Fatalf("build sources: %v", err)
	}
	want := []source.Kind{source.KindJSONLines, source.KindMerchant, source.KindHTML}
	if len(sources) != len(want) {
		t.Fatalf("expected %d sources, got %d", len(want), len(sources))
	}
	for i, src := range sources {
		if src.Name() != want[i] {
			t.Fatalf("source %d: expected %s, got %s", i, want[i], src.Name())
		}
	}

	cfg.Competitors[1].Sources = []config.SourceConfig{{Kind: "csv", Location: "bol.csv"}}
	var unknown *source.UnknownKindError
	if _, err := buildSources(cfg); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}
}

func TestBuildAlertManager(t *testing.T) {
	cfg := config.Default()
	if buildAlertManager(cfg).HasNotifiers() {
		t.Fatal("expected no notifiers by default")
	}
	cfg.Alerts.Slack.Enabled = true
	cfg.Alerts.Slack.WebhookURL = "https://hooks.slack.com/services/x"
	cfg.Alerts.Webhook.Enabled = true
	if !buildAlertManager(cfg).HasNotifiers() {
		t.Fatal("expected slack notifier")
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("product", "42"); err != nil || id != 42 {
		t.Fatalf("expected 42, got %d %v", id, err)
	}
	for _, v := range []string{"", "0", "-3", "sm7b"} {
		if _, err := parseID("product", v); err == nil {
			t.Fatalf("expected error for %q", v)
		}
	}
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"init", "ingest", "products", "compare", "pair", "review", "override", "runs", "serve", "run"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("expected command %s, got %v", name, err)
		}
	}
}
