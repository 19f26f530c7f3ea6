package store

import (
	"context"
	"fmt"
)

func (s *SQLStore) CreateRun(ctx context.Context, run *ScrapeRun) error {
	if run.Status == "" {
		run.Status = RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	err := s.get(ctx, "create run", &run.ID, `
		INSERT INTO scraperun (run_key, competitor_id, status, started_at, crawler_version, git_commit_hash, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_key) DO UPDATE SET run_key = excluded.run_key
		RETURNING scrape_run_id
	`, run.RunKey, run.CompetitorID, run.Status, run.StartedAt,
		run.CrawlerVersion, run.GitCommitHash, run.Notes)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.RunKey, err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id int64) (*ScrapeRun, error) {
	var run ScrapeRun
	if err := s.get(ctx, "get run", &run, "SELECT * FROM scraperun WHERE scrape_run_id = ?", id); err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &run, nil
}

// TransitionRun moves a run from one status to another with a compare-and-set
// update. A ConflictError means the run was not in the expected status.
func (s *SQLStore) TransitionRun(ctx context.Context, id int64, from, to RunStatus, reason string) error {
	var endedAt any
	if to.Terminal() {
		endedAt = s.now()
	}
	n, err := s.exec(ctx, "transition run", `
		UPDATE scraperun
		SET status = ?, ended_at = COALESCE(?, ended_at), failure_reason = ?
		WHERE scrape_run_id = ? AND status = ?
	`, to, endedAt, reason, id, from)
	if err != nil {
		return fmt.Errorf("transition run %d %s->%s: %w", id, from, to, err)
	}
	if n == 0 {
		return &ConflictError{Entity: "scraperun", Key: fmt.Sprintf("%d:%s", id, from), Err: fmt.Errorf("run not in status %s", from)}
	}
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, opts RunListOpts) ([]ScrapeRun, error) {
	query := "SELECT * FROM scraperun WHERE 1=1"
	var args []any

	if opts.CompetitorID > 0 {
		query += " AND competitor_id = ?"
		args = append(args, opts.CompetitorID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}

	query += " ORDER BY scrape_run_id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var runs []ScrapeRun
	if err := s.selectRows(ctx, "list runs", &runs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *SQLStore) OpenRuns(ctx context.Context, competitorID int64) ([]ScrapeRun, error) {
	var runs []ScrapeRun
	err := s.selectRows(ctx, "open runs", &runs, `
		SELECT * FROM scraperun
		WHERE competitor_id = ? AND status IN (?, ?)
		ORDER BY scrape_run_id
	`, competitorID, RunPending, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("open runs %d: %w", competitorID, err)
	}
	return runs, nil
}
