// Package source reads crawler exports into raw listing records.
package source

import (
	"context"
	"time"

	"github.com/odmlab/micradar/pkg/listing"
	"github.com/odmlab/micradar/pkg/runs"
)

// Kind identifies an input format.
type Kind string

const (
	KindJSONLines Kind = "jsonl"
	KindMerchant  Kind = "merchant"
	KindHTML      Kind = "html"
)

// Export is one crawler export for a single shop.
type Export struct {
	Shop string
	// Meta is taken from a leading run record, when the export has one.
	Meta       runs.Meta
	CapturedAt time.Time
	Records    []listing.RawRecord
	// Malformed counts entries that could not be decoded at all.
	Malformed int
	// Filtered counts catalog items dropped by a Filter.
	Filtered int
	// Fingerprint identifies the export content for file sources; an
	// unchanged file yields the same value. Empty when unknown.
	Fingerprint string
}

// Source is the interface every input adapter implements.
type Source interface {
	Name() Kind
	Collect(ctx context.Context) (*Export, error)
}

// AllKinds returns all known input formats.
func AllKinds() []Kind {
	return []Kind{KindJSONLines, KindMerchant, KindHTML}
}

// New returns the adapter for kind reading from location (a file path,
// directory or URL depending on the kind).
func New(kind Kind, shop, location string, opts Options) (Source, error) {
	switch kind {
	case KindJSONLines, "":
		return NewJSONLines(shop, location), nil
	case KindMerchant:
		return NewMerchant(shop, []string{location}, opts), nil
	case KindHTML:
		return NewHTMLPages(shop, location), nil
	}
	return nil, &UnknownKindError{Kind: kind}
}

// Options tunes network adapters.
type Options struct {
	// RequestsPerSecond limits fetches per source; zero means 1.
	RequestsPerSecond float64
	Timeout           time.Duration
	UserAgent         string
	// Filter drops non-microphone catalog items from merchant feeds.
	Filter *Filter
}

// UnknownKindError reports an unsupported input format.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return "unknown source kind " + string(e.Kind)
}

func record(shop string, kind listing.Kind, fields map[string]any) listing.RawRecord {
	return listing.RawRecord{Shop: shop, Kind: kind, Fields: fields}
}
