package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")

	if !IsNotFound(notFoundErr("products", base)) {
		t.Error("IsNotFound() = false for a not-found error")
	}
	if !IsAuth(authErr("products", base)) {
		t.Error("IsAuth() = false for an auth error")
	}
	if !IsTransient(transientErr("products", base)) {
		t.Error("IsTransient() = false for a transient error")
	}

	// Kinds are exclusive.
	if IsNotFound(authErr("products", base)) || IsAuth(notFoundErr("products", base)) {
		t.Error("error kinds overlap")
	}

	// Wrapping preserves classification.
	wrapped := fmt.Errorf("push failed: %w", notFoundErr("products", base))
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound() lost through wrapping")
	}
}

func TestIsTransient_Edges(t *testing.T) {
	if IsTransient(nil) {
		t.Error("IsTransient(nil) = true")
	}
	if IsTransient(ErrUnconfigured) {
		t.Error("IsTransient(ErrUnconfigured) = true; local-only is not a failure")
	}
	// Unclassified errors default to transient: retrying is the safe bet.
	if !IsTransient(errors.New("connection reset by peer")) {
		t.Error("IsTransient() = false for an unclassified error")
	}
}

func TestPostgresClassify(t *testing.T) {
	p := &Postgres{logger: log.New(io.Discard, "", 0)}

	undefinedTable := &pgconn.PgError{Code: "42P01", Message: `relation "products" does not exist`}
	if !IsNotFound(p.classify("products", undefinedTable)) {
		t.Error("42P01 not classified as not-found")
	}

	badPassword := &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	if !IsAuth(p.classify("products", badPassword)) {
		t.Error("28P01 not classified as auth")
	}

	noPrivilege := &pgconn.PgError{Code: "42501", Message: "permission denied for table products"}
	if !IsAuth(p.classify("products", noPrivilege)) {
		t.Error("42501 not classified as auth")
	}

	deadlock := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	if !IsTransient(p.classify("products", deadlock)) {
		t.Error("40P01 not classified as transient")
	}

	if !IsTransient(p.classify("products", errors.New("dial tcp: connection refused"))) {
		t.Error("network error not classified as transient")
	}
}

func TestLibSQLClassify(t *testing.T) {
	l := &LibSQL{logger: log.New(io.Discard, "", 0)}

	if !IsNotFound(l.classify("products", errors.New("no such table: products"))) {
		t.Error("missing table not classified as not-found")
	}
	if !IsAuth(l.classify("products", errors.New("unauthorized: invalid credentials"))) {
		t.Error("unauthorized not classified as auth")
	}
	if !IsAuth(l.classify("products", errors.New("auth token expired"))) {
		t.Error("expired auth token not classified as auth")
	}
	if !IsTransient(l.classify("products", errors.New("write failed: connection closed"))) {
		t.Error("network error not classified as transient")
	}
}

func TestUnconfigured_AllOpsReturnSentinel(t *testing.T) {
	rm := Unconfigured()
	ctx := context.Background()

	if err := rm.Push(ctx, "products", OpUpsert, "p1", nil); !errors.Is(err, ErrUnconfigured) {
		t.Errorf("Push() error = %v, want ErrUnconfigured", err)
	}
	if _, err := rm.Pull(ctx, "products"); !errors.Is(err, ErrUnconfigured) {
		t.Errorf("Pull() error = %v, want ErrUnconfigured", err)
	}
	if err := rm.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}
