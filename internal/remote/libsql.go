package remote

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/okadri/stocksync/internal/schema"
)

// LibSQL is the Turso/libSQL backend: the same document-table layout as
// Postgres, reached over the libsql driver. Used by deployments that
// want a hosted SQLite instead of a full Postgres.
type LibSQL struct {
	conn   *sql.DB
	names  *resolver
	logger *log.Logger
}

// NewLibSQL connects to a libSQL database at url, authenticating with
// authToken when one is given.
func NewLibSQL(url, authToken string, logger *log.Logger) (*LibSQL, error) {
	if url == "" {
		return nil, fmt.Errorf("libsql backend requires a URL")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	dsn := url
	if authToken != "" {
		dsn = fmt.Sprintf("%s?authToken=%s", url, authToken)
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping libsql: %w", err)
	}

	return &LibSQL{
		conn:   conn,
		names:  newResolver(logger),
		logger: logger,
	}, nil
}

// Push implements Adapter.Push.
func (l *LibSQL) Push(ctx context.Context, collection string, op Op, entityID string, doc []byte) error {
	if entityID == "" {
		return fmt.Errorf("push requires an entity id")
	}

	return l.names.do(ctx, collection, func(physical string) error {
		var err error
		switch op {
		case OpDelete:
			_, err = l.conn.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, physical), entityID)
		default:
			_, err = l.conn.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %q (id, doc, updated_at)
				 VALUES (?, ?, datetime('now'))
				 ON CONFLICT(id) DO UPDATE SET
				     doc = excluded.doc,
				     updated_at = excluded.updated_at`, physical),
				entityID, string(doc))
		}
		if err != nil {
			return l.classify(collection, err)
		}
		return nil
	})
}

// Pull implements Adapter.Pull.
func (l *LibSQL) Pull(ctx context.Context, collection string) ([]*schema.Entity, error) {
	var entities []*schema.Entity

	err := l.names.do(ctx, collection, func(physical string) error {
		rows, err := l.conn.QueryContext(ctx,
			fmt.Sprintf(`SELECT doc FROM %q`, physical))
		if err != nil {
			return l.classify(collection, err)
		}
		defer rows.Close()

		entities = entities[:0]
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return l.classify(collection, err)
			}
			e, err := schema.UnmarshalDoc([]byte(doc))
			if err != nil {
				l.logger.Printf("WARNING: skipping malformed %s document: %v", collection, err)
				continue
			}
			entities = append(entities, e)
		}
		if err := rows.Err(); err != nil {
			return l.classify(collection, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// Close closes the database connection.
func (l *LibSQL) Close() error {
	return l.conn.Close()
}

// classify maps a libsql error onto the adapter taxonomy. The driver
// reports errors as strings, so classification is by message.
func (l *LibSQL) classify(collection string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"):
		return notFoundErr(collection, err)
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "auth") && strings.Contains(msg, "token"):
		return authErr(collection, err)
	}
	return transientErr(collection, err)
}
