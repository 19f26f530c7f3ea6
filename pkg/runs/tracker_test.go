package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/internal/store/storetest"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.RunStatus
		want     bool
	}{
		{store.RunPending, store.RunRunning, true},
		{store.RunPending, store.RunFailed, true},
		{store.RunPending, store.RunCompleted, false},
		{store.RunRunning, store.RunCompleted, true},
		{store.RunRunning, store.RunFailed, true},
		{store.RunCompleted, store.RunRunning, false},
		{store.RunCompleted, store.RunFailed, false},
		{store.RunFailed, store.RunRunning, false},
		{store.RunFailed, store.RunCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s): expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	tr := NewTracker(s, nil, time.Second, nil)

	run, err := tr.Begin(ctx, 1, Meta{CrawlerVersion: "1.4.0", GitCommitHash: "abc123"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if run.Status != store.RunRunning || run.RunKey == "" {
		t.Fatalf("expected running run with a key, got %+v", run)
	}
	if _, err := tr.RequireRunning(ctx, run.ID); err != nil {
		t.Fatalf("require running: %v", err)
	}

	if err := tr.Complete(ctx, run.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunCompleted || got.EndedAt == nil {
		t.Fatalf("expected completed run with end time, got %+v", got)
	}

	var stateErr *StateError
	if err := tr.Fail(ctx, run.ID, "late"); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError failing a completed run, got %v", err)
	}
	if _, err := tr.RequireRunning(ctx, run.ID); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError writing to a completed run, got %v", err)
	}
	if stateErr.Status != store.RunCompleted {
		t.Fatalf("expected status completed in error, got %s", stateErr.Status)
	}
}

func TestRunKeyCannotReopen(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	tr := NewTracker(s, nil, time.Second, nil)

	run, err := tr.Begin(ctx, 1, Meta{RunKey: "bax-2025-03-01"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tr.Fail(ctx, run.ID, "network"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, err = tr.Begin(ctx, 1, Meta{RunKey: "bax-2025-03-01"})
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError reopening a closed run key, got %v", err)
	}
}

func TestBeginWaitsForSameCompetitor(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	tr := NewTracker(s, nil, 50*time.Millisecond, nil)

	first, err := tr.Begin(ctx, 1, Meta{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Begin(ctx, 1, Meta{}); !errors.Is(err, ErrCompetitorBusy) {
		t.Fatalf("expected ErrCompetitorBusy, got %v", err)
	}

	// Other competitors are not blocked.
	other, err := tr.Begin(ctx, 2, Meta{})
	if err != nil {
		t.Fatalf("begin other competitor: %v", err)
	}

	done := make(chan error, 1)
	slow := NewTracker(s, nil, 2*time.Second, nil)
	slow.locker = tr.locker
	go func() {
		run, err := slow.Begin(ctx, 1, Meta{})
		if err == nil {
			err = slow.Complete(ctx, run.ID)
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := tr.Complete(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected waiting begin to succeed after completion, got %v", err)
	}
	if err := tr.Complete(ctx, other.ID); err != nil {
		t.Fatalf("complete other: %v", err)
	}
}

func TestBeginRefusesAbandonedRun(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	abandoned := storetest.Run(t, s, 3, "crashed", store.RunRunning)

	tr := NewTracker(s, nil, time.Second, nil)
	if _, err := tr.Begin(ctx, 3, Meta{}); !errors.Is(err, ErrCompetitorBusy) {
		t.Fatalf("expected ErrCompetitorBusy with an abandoned run, got %v", err)
	}
	if err := tr.Fail(ctx, abandoned.ID, "abandoned"); err != nil {
		t.Fatalf("fail abandoned: %v", err)
	}
	if _, err := tr.Begin(ctx, 3, Meta{}); err != nil {
		t.Fatalf("expected begin after failing abandoned run, got %v", err)
	}
}

func TestLocalLockerCancel(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	release()
	release()
	again, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

// brokenStore refuses every run transition after the first n.
type brokenStore struct {
	store.Store
	ok int
}

func (b *brokenStore) TransitionRun(ctx context.Context, id int64, from, to store.RunStatus, reason string) error {
	if b.ok == 0 {
		return &store.TimeoutError{Op: "transition run", Err: context.DeadlineExceeded}
	}
	b.ok--
	return b.Store.TransitionRun(ctx, id, from, to, reason)
}

func TestFailReleasesLockWhenStoreWriteFails(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	broken := &brokenStore{Store: s, ok: 1}
	tr := NewTracker(broken, nil, 50*time.Millisecond, nil)

	run, err := tr.Begin(ctx, 1, Meta{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tr.Complete(ctx, run.ID); err == nil {
		t.Fatal("expected complete to fail")
	}
	if err := tr.Fail(ctx, run.ID, "storage"); err == nil {
		t.Fatal("expected fail to fail")
	}

	// The stored run is still open, so Begin refuses without waiting on the lock.
	if _, err := tr.Begin(ctx, 1, Meta{}); !errors.Is(err, ErrCompetitorBusy) {
		t.Fatalf("expected ErrCompetitorBusy, got %v", err)
	}
	if tr.held[run.ID] != nil {
		t.Fatal("expected competitor lock released")
	}

	// Failed from elsewhere, e.g. `runs fail`.
	if err := s.TransitionRun(ctx, run.ID, store.RunRunning, store.RunFailed, "abandoned"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	broken.ok = 2
	next, err := tr.Begin(ctx, 1, Meta{})
	if err != nil {
		t.Fatalf("expected begin after run failed elsewhere, got %v", err)
	}
	if err := tr.Complete(ctx, next.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCompleteReleasesLockWhenRunClosedElsewhere(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	tr := NewTracker(s, nil, 50*time.Millisecond, nil)

	run, err := tr.Begin(ctx, 2, Meta{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.TransitionRun(ctx, run.ID, store.RunRunning, store.RunFailed, "abandoned"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	var stateErr *StateError
	if err := tr.Complete(ctx, run.ID); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if _, err := tr.Begin(ctx, 2, Meta{}); err != nil {
		t.Fatalf("expected begin after run closed elsewhere, got %v", err)
	}
}
