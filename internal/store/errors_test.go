package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransient(t *testing.T) {
	live := context.Background()
	dead, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   bool
	}{
		{"nil", live, nil, false},
		{"op deadline", live, context.DeadlineExceeded, true},
		{"bad conn", live, fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"sqlite busy", live, errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"caller gone", dead, context.DeadlineExceeded, false},
		{"constraint", live, errors.New("UNIQUE constraint failed: product.signature"), false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.parent, tt.err); got != tt.want {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected postgres unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("expected foreign key violation not to count")
	}
	if !isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: product.signature (2067)")) {
		t.Fatal("expected sqlite unique violation")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	te := &TimeoutError{Op: "get run", Err: context.DeadlineExceeded}
	if !errors.Is(te, context.DeadlineExceeded) {
		t.Fatal("expected TimeoutError to unwrap")
	}
	ce := &ConflictError{Entity: "product", Key: "shure sm7b", Err: errors.New("dup")}
	if ce.Error() != `conflict on product "shure sm7b": dup` {
		t.Fatalf("unexpected message %q", ce.Error())
	}
}
