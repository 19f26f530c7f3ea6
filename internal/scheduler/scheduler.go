package scheduler

import (
	"context"
	"time"

	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/pipeline"
	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/source"
)

// Ingester is the part of the pipeline the scheduler drives.
type Ingester interface {
	IngestAll(ctx context.Context, batches []pipeline.Batch) ([]*pipeline.Summary, error)
}

// Scheduler periodically imports the configured competitor sources.
type Scheduler struct {
	pipeline Ingester
	sources  []source.Source
	interval time.Duration
	log      *logger.Logger

	// imported holds the fingerprint of each source's last completed import.
	imported map[int]string
}

// New creates a new scheduler.
func New(p Ingester, sources []source.Source, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval == 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		pipeline: p,
		sources:  sources,
		interval: interval,
		log:      logger.OrNop(log),
		imported: make(map[int]string),
	}
}

// Run imports immediately and then on every tick. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler: initial import", "sources", len(s.sources))
	s.ImportAll(ctx)
	s.log.Info("scheduler: running", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.ImportAll(ctx)
		}
	}
}

// ImportAll collects every source and ingests the exports. Sources that
// fail to collect are logged and skipped, as are file exports unchanged
// since their last completed import.
func (s *Scheduler) ImportAll(ctx context.Context) []*pipeline.Summary {
	var batches []pipeline.Batch
	var from []int
	var prints []string
	for i, src := range s.sources {
		exp, err := src.Collect(ctx)
		if err != nil {
			s.log.Warn("collect failed", "source", src.Name(), "error", err)
			continue
		}
		if exp.Filtered > 0 {
			s.log.Debug("catalog items filtered", "source", src.Name(), "competitor", exp.Shop, "filtered", exp.Filtered)
		}
		if len(exp.Records) == 0 && exp.Malformed == 0 {
			s.log.Debug("source empty", "source", src.Name(), "competitor", exp.Shop)
			continue
		}
		if exp.Fingerprint != "" && s.imported[i] == exp.Fingerprint {
			s.log.Debug("source unchanged", "source", src.Name(), "competitor", exp.Shop)
			continue
		}
		batches = append(batches, pipeline.FromExport(exp))
		from = append(from, i)
		prints = append(prints, exp.Fingerprint)
	}
	if len(batches) == 0 {
		return nil
	}

	sums, err := s.pipeline.IngestAll(ctx, batches)
	if err != nil {
		s.log.Warn("import finished with errors", "error", err)
	}
	var ingested, changes int
	for i, sum := range sums {
		if sum == nil {
			continue
		}
		if sum.Status == store.RunCompleted && prints[i] != "" {
			s.imported[from[i]] = prints[i]
		}
		ingested += sum.Ingested
		changes += sum.PriceChanges
	}
	s.log.Info("import finished", "batches", len(batches), "ingested", ingested, "price_changes", changes)
	return sums
}
