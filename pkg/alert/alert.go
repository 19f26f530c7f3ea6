package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Change is one price movement included in a notification.
type Change struct {
	ProductID    int64   `json:"product_id,omitempty"`
	Product      string  `json:"product"`
	ListingID    int64   `json:"listing_id"`
	URL          string  `json:"url,omitempty"`
	Currency     string  `json:"currency"`
	OldCents     int64   `json:"old_cents"`
	NewCents     int64   `json:"new_cents"`
	DeltaCents   int64   `json:"delta_cents"`
	DeltaPercent float64 `json:"delta_percent"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	URL        string   `json:"url"`
	Competitor string   `json:"competitor"`
	RunID      int64    `json:"run_id"`
	Changes    []Change `json:"changes"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers  []Notifier
	minPercent float64
}

// NewManager creates a new alert manager. Changes smaller than minPercent
// (absolute) are left out of notifications.
func NewManager(notifiers []Notifier, minPercent float64) *Manager {
	return &Manager{notifiers: notifiers, minPercent: minPercent}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Digest builds one notification for a completed run, largest movements
// first. It returns nil when no change reaches the threshold.
func (m *Manager) Digest(competitor string, runID int64, changes []Change) *Notification {
	var kept []Change
	for _, c := range changes {
		if math.Abs(c.DeltaPercent) >= m.minPercent {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return math.Abs(kept[i].DeltaPercent) > math.Abs(kept[j].DeltaPercent)
	})

	var drops, rises int
	for _, c := range kept {
		if c.DeltaCents < 0 {
			drops++
		} else {
			rises++
		}
	}
	return &Notification{
		Title:      fmt.Sprintf("%s: %d price changes", competitor, len(kept)),
		Body:       fmt.Sprintf("%d down, %d up in run %d", drops, rises, runID),
		URL:        kept[0].URL,
		Competitor: competitor,
		RunID:      runID,
		Changes:    kept,
	}
}

// FormatCents renders minor units as "EUR 279.00".
func FormatCents(currency string, cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s %s%d.%02d", currency, sign, cents/100, cents%100)
}

func describe(c Change) string {
	return fmt.Sprintf("%s -> %s (%+.2f%%)", FormatCents(c.Currency, c.OldCents), FormatCents(c.Currency, c.NewCents), c.DeltaPercent)
}
