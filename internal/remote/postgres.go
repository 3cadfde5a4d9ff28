package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okadri/stocksync/internal/schema"
)

// Postgres is the primary backend: entity documents in JSONB, one table
// per collection, keyed by id. Deployed schemas use snake_case table
// names, but older ones were provisioned camelCase - the name resolver
// covers both.
type Postgres struct {
	pool   *pgxpool.Pool
	names  *resolver
	logger *log.Logger
}

// NewPostgres connects to the backend described by dsn.
//
// The connection is verified with a ping so a bad DSN surfaces at
// startup instead of on the first queued push.
func NewPostgres(ctx context.Context, dsn string, logger *log.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires a DSN")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{
		pool:   pool,
		names:  newResolver(logger),
		logger: logger,
	}, nil
}

// Push implements Adapter.Push.
func (p *Postgres) Push(ctx context.Context, collection string, op Op, entityID string, doc []byte) error {
	if entityID == "" {
		return fmt.Errorf("push requires an entity id")
	}

	return p.names.do(ctx, collection, func(physical string) error {
		table := pgx.Identifier{physical}.Sanitize()

		var err error
		switch op {
		case OpDelete:
			// Zero rows affected is fine: idempotent delete.
			_, err = p.pool.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), entityID)
		default:
			_, err = p.pool.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (id, doc, updated_at)
				 VALUES ($1, $2::jsonb, now())
				 ON CONFLICT (id) DO UPDATE SET
				     doc = excluded.doc,
				     updated_at = now()`, table),
				entityID, doc)
		}
		if err != nil {
			return p.classify(collection, err)
		}
		return nil
	})
}

// Pull implements Adapter.Pull.
func (p *Postgres) Pull(ctx context.Context, collection string) ([]*schema.Entity, error) {
	var entities []*schema.Entity

	err := p.names.do(ctx, collection, func(physical string) error {
		table := pgx.Identifier{physical}.Sanitize()

		rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT doc FROM %s`, table))
		if err != nil {
			return p.classify(collection, err)
		}
		defer rows.Close()

		entities = entities[:0]
		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				return p.classify(collection, err)
			}
			e, err := schema.UnmarshalDoc(doc)
			if err != nil {
				p.logger.Printf("WARNING: skipping malformed %s document: %v", collection, err)
				continue
			}
			entities = append(entities, e)
		}
		if err := rows.Err(); err != nil {
			return p.classify(collection, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// classify maps a pgx error onto the adapter taxonomy.
//
// SQLSTATE 42P01 (undefined_table) is the naming-drift signal the
// resolver probes on. Class 28 (invalid authorization) and 42501
// (insufficient privilege) are auth. Everything else - connection
// resets, timeouts, serialization - is transient.
func (p *Postgres) classify(collection string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01":
			return notFoundErr(collection, err)
		case strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "42501":
			return authErr(collection, err)
		}
	}
	return transientErr(collection, err)
}
