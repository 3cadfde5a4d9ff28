// Package remote provides the backend-agnostic adapter that translates
// logical (collection, operation, payload) triples into concrete backend
// calls.
//
// Two backends are implemented: Postgres (pgx) and libSQL/Turso. Both
// store entities as JSON documents in a table per collection, keyed by
// id, so replaying a push is always an idempotent upsert. The adapter
// also masks collection-naming drift between deployments: when a call
// fails because the physical table doesn't exist, the fallback name for
// that logical collection is probed once and the winner is cached for
// the process lifetime.
//
// When no backend is configured, Unconfigured() stands in and every call
// reports ErrUnconfigured - callers treat that as "local-only mode",
// never as a failure worth surfacing.
package remote

import (
	"context"
	"fmt"
	"log"

	"github.com/okadri/stocksync/internal/schema"
)

// Op is a push operation. Create and update collapse into a single
// upsert: the backends key every document by id.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Adapter is the capability surface the sync worker and the session
// registry use to reach a remote backend.
//
// Push upserts or deletes one entity document. Deleting an id the
// backend doesn't have is not an error. Pull returns the backend's full
// contents for a collection.
type Adapter interface {
	Push(ctx context.Context, collection string, op Op, entityID string, doc []byte) error
	Pull(ctx context.Context, collection string) ([]*schema.Entity, error)
	Close() error
}

// Backend identifiers accepted by New.
const (
	BackendPostgres = "postgres"
	BackendLibSQL   = "libsql"
	BackendNone     = ""
)

// Options selects and configures the concrete backend. A zero Options
// value means no backend: configuration is an explicit input, not
// ambient global state.
type Options struct {
	Backend     string
	PostgresDSN string
	LibSQLURL   string
	LibSQLToken string
}

// New constructs the adapter named by opts.Backend.
//
// An empty backend yields the Unconfigured adapter rather than an error:
// running without a remote is a supported mode, not a failure.
func New(ctx context.Context, opts Options, logger *log.Logger) (Adapter, error) {
	switch opts.Backend {
	case BackendPostgres:
		return NewPostgres(ctx, opts.PostgresDSN, logger)
	case BackendLibSQL:
		return NewLibSQL(opts.LibSQLURL, opts.LibSQLToken, logger)
	case BackendNone:
		return Unconfigured(), nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", opts.Backend)
	}
}
