// Package runs tracks the lifecycle of scrape runs.
//
// A run moves pending -> running -> completed | failed and never reopens.
// At most one run per competitor is open at a time.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/store"
)

// ErrCompetitorBusy means another run for the competitor is still open.
var ErrCompetitorBusy = errors.New("competitor has an open run")

// StateError reports an operation on a run in the wrong state.
type StateError struct {
	RunID  int64
	Status store.RunStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("run %d is %s: %s not allowed", e.RunID, e.Status, e.Op)
}

var transitions = map[store.RunStatus][]store.RunStatus{
	store.RunPending: {store.RunRunning, store.RunFailed},
	store.RunRunning: {store.RunCompleted, store.RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to store.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Meta is provenance stamped on a new run.
type Meta struct {
	RunKey         string
	CrawlerVersion string
	GitCommitHash  string
	Notes          string
}

// Tracker opens and closes runs.
type Tracker struct {
	store  store.Store
	locker Locker
	wait   time.Duration
	log    *logger.Logger

	mu   sync.Mutex
	held map[int64]func()
}

// NewTracker creates a tracker. wait bounds how long Begin waits for a
// competitor's previous run to finish; zero means one minute.
func NewTracker(s store.Store, locker Locker, wait time.Duration, log *logger.Logger) *Tracker {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if wait <= 0 {
		wait = time.Minute
	}
	return &Tracker{
		store:  s,
		locker: locker,
		wait:   wait,
		log:    logger.OrNop(log),
		held:   make(map[int64]func()),
	}
}

// Begin opens a running run for competitorID. It waits for the competitor
// lock and refuses when the store still has an open run for the competitor,
// which happens after a crash; such a run must be failed explicitly.
func (t *Tracker) Begin(ctx context.Context, competitorID int64, meta Meta) (*store.ScrapeRun, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.wait)
	defer cancel()
	release, err := t.locker.Acquire(waitCtx, competitorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompetitorBusy, err)
	}

	run, err := t.open(ctx, competitorID, meta)
	if err != nil {
		release()
		return nil, err
	}

	t.mu.Lock()
	t.held[run.ID] = release
	t.mu.Unlock()

	t.log.Info("run started", "run_id", run.ID, "run_key", run.RunKey, "competitor_id", competitorID)
	return run, nil
}

func (t *Tracker) open(ctx context.Context, competitorID int64, meta Meta) (*store.ScrapeRun, error) {
	open, err := t.store.OpenRuns(ctx, competitorID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("%w: competitor %d run %d is %s", ErrCompetitorBusy,
			competitorID, open[0].ID, open[0].Status)
	}

	run := &store.ScrapeRun{
		RunKey:         meta.RunKey,
		CompetitorID:   competitorID,
		Status:         store.RunPending,
		CrawlerVersion: meta.CrawlerVersion,
		GitCommitHash:  meta.GitCommitHash,
		Notes:          meta.Notes,
	}
	if run.RunKey == "" {
		run.RunKey = uuid.NewString()
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := t.transition(ctx, run, store.RunRunning, ""); err != nil {
		return nil, err
	}
	return run, nil
}

// Complete closes a running run successfully.
func (t *Tracker) Complete(ctx context.Context, runID int64) error {
	return t.close(ctx, runID, store.RunCompleted, "")
}

// Fail closes a pending or running run as failed. Writes already made under
// it stay in place.
//
// The competitor lock is released even when the store write fails. The run
// then stays open in the store and Begin refuses the competitor until it is
// failed explicitly.
func (t *Tracker) Fail(ctx context.Context, runID int64, reason string) error {
	return t.close(ctx, runID, store.RunFailed, reason)
}

func (t *Tracker) close(ctx context.Context, runID int64, to store.RunStatus, reason string) error {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		if to == store.RunFailed {
			t.release(runID)
		}
		return err
	}
	if err := t.transition(ctx, run, to, reason); err != nil {
		var stateErr *StateError
		if to == store.RunFailed || (errors.As(err, &stateErr) && stateErr.Status.Terminal()) {
			t.release(runID)
		}
		return err
	}
	t.release(runID)

	t.log.Info("run closed", "run_id", runID, "status", to, "reason", reason)
	return nil
}

func (t *Tracker) release(runID int64) {
	t.mu.Lock()
	release, ok := t.held[runID]
	delete(t.held, runID)
	t.mu.Unlock()
	if ok {
		release()
	}
}

func (t *Tracker) transition(ctx context.Context, run *store.ScrapeRun, to store.RunStatus, reason string) error {
	if !CanTransition(run.Status, to) {
		return &StateError{RunID: run.ID, Status: run.Status, Op: "move to " + string(to)}
	}
	err := t.store.TransitionRun(ctx, run.ID, run.Status, to, reason)
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		// Someone else moved the run; report where it is now.
		cur, gerr := t.store.GetRun(ctx, run.ID)
		if gerr != nil {
			return gerr
		}
		return &StateError{RunID: run.ID, Status: cur.Status, Op: "move to " + string(to)}
	}
	if err != nil {
		return err
	}
	run.Status = to
	return nil
}

// RequireRunning returns the run if records may still be written under it.
func (t *Tracker) RequireRunning(ctx context.Context, runID int64) (*store.ScrapeRun, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunRunning {
		return nil, &StateError{RunID: runID, Status: run.Status, Op: "write"}
	}
	return run, nil
}
