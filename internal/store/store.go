// Package store provides the local, offline-authoritative persistence
// layer for domain entities.
//
// All application reads come from here, never from a remote backend. The
// database runs in embedded SQLite with WAL mode for concurrent reads.
// Every mutating call (Put, Delete) also appends a sync-queue entry in
// the same transaction, so a local edit and its pending-sync record can
// never diverge: if the enqueue fails, the local write rolls back.
//
// Layout:
//   - Database file: <data-dir>/stocksync.db
//   - entities table: documents keyed by (collection, id)
//   - sync_queue table: owned by the queue package, same file
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/okadri/stocksync/internal/queue"
	"github.com/okadri/stocksync/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrStorageUnavailable indicates the local database could not service
// the operation. The caller must not assume the write persisted.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrNotFound indicates no entity exists for the requested id.
var ErrNotFound = errors.New("entity not found")

// lockStripes is the size of the striped write-lock table. Writes to the
// same (collection, id) always hash to the same stripe, which is what
// keeps a pull's ReplaceAll from interleaving with a UI Put on the same
// entity.
const lockStripes = 64

// Store wraps the SQLite connection for local entity persistence.
type Store struct {
	conn  *sql.DB
	path  string
	locks [lockStripes]sync.Mutex
}

// Open creates a store connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads
// and created if missing. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "stocksync.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL keeps readers unblocked during the worker's writes.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection. The queue package
// shares this connection so enqueues join the store's transactions.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the entities table if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		doc BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_updated
	    ON entities(collection, updated_at);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

func (s *Store) lockFor(collection, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// Get retrieves a single entity. Returns ErrNotFound if absent.
func (s *Store) Get(collection, id string) (*schema.Entity, error) {
	return s.GetContext(context.Background(), collection, id)
}

// GetContext retrieves a single entity with context support.
func (s *Store) GetContext(ctx context.Context, collection, id string) (*schema.Entity, error) {
	var doc []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT doc FROM entities WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}
	return schema.UnmarshalDoc(doc)
}

// List returns all entities in a collection, ordered by id.
func (s *Store) List(collection string) ([]*schema.Entity, error) {
	return s.ListContext(context.Background(), collection, nil)
}

// ListContext returns entities in a collection, ordered by id. A non-nil
// filter keeps only entities for which it returns true.
func (s *Store) ListContext(ctx context.Context, collection string, filter func(*schema.Entity) bool) ([]*schema.Entity, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT doc FROM entities WHERE collection = ? ORDER BY id ASC`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", ErrStorageUnavailable, collection, err)
	}
	defer rows.Close()

	var entities []*schema.Entity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e, err := schema.UnmarshalDoc(doc)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(e) {
			continue
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", collection, err)
	}
	return entities, nil
}

// Put upserts an entity and atomically enqueues the mutation for sync.
func (s *Store) Put(collection string, e *schema.Entity) error {
	return s.PutContext(context.Background(), collection, e)
}

// PutContext upserts an entity with context support.
//
// The entity row and its queue item commit in one transaction. The queue
// item's op is create or update depending on whether the entity already
// existed locally; either way the remote push is an upsert-by-id.
func (s *Store) PutContext(ctx context.Context, collection string, e *schema.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	doc, err := e.MarshalDoc()
	if err != nil {
		return err
	}

	mu := s.lockFor(collection, e.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM entities WHERE collection = ? AND id = ?`,
		collection, e.ID,
	).Scan(&one)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("%w: failed to check %s/%s: %v", ErrStorageUnavailable, collection, e.ID, err)
	}
	existed := err == nil

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (collection, id, doc, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET
		     doc = excluded.doc,
		     updated_at = excluded.updated_at`,
		collection, e.ID, doc, e.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to put %s/%s: %v", ErrStorageUnavailable, collection, e.ID, err)
	}

	op := queue.OpUpdate
	if !existed {
		op = queue.OpCreate
	}

	if err := queue.EnqueueTx(ctx, tx, queue.Item{
		Collection: collection,
		EntityID:   e.ID,
		Op:         op,
		Payload:    doc,
	}); err != nil {
		return fmt.Errorf("failed to enqueue %s/%s, rolling back local write: %w", collection, e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit put %s/%s: %v", ErrStorageUnavailable, collection, e.ID, err)
	}
	return nil
}

// Delete removes an entity and atomically enqueues a tombstone.
// Deleting an absent entity still enqueues the tombstone: the remote copy
// may exist even if the local one doesn't.
func (s *Store) Delete(collection, id string) error {
	return s.DeleteContext(context.Background(), collection, id)
}

// DeleteContext removes an entity with context support.
func (s *Store) DeleteContext(ctx context.Context, collection, id string) error {
	mu := s.lockFor(collection, id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entities WHERE collection = ? AND id = ?`,
		collection, id,
	); err != nil {
		return fmt.Errorf("%w: failed to delete %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}

	if err := queue.EnqueueTx(ctx, tx, queue.Item{
		Collection: collection,
		EntityID:   id,
		Op:         queue.OpDelete,
	}); err != nil {
		return fmt.Errorf("failed to enqueue delete %s/%s, rolling back: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit delete %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

// ReplaceAll swaps a collection's local contents for a remote snapshot,
// except for entities in preserve, which keep their local version
// (pending-wins). Rows absent from the snapshot and not preserved are
// pruned. ReplaceAll never enqueues: it is the pull path, not a local
// mutation.
//
// All lock stripes are held in order for the duration, which excludes
// every concurrent Put/Delete without a separate global lock.
func (s *Store) ReplaceAll(ctx context.Context, collection string, entities []*schema.Entity, preserve map[string]struct{}) error {
	for i := range s.locks {
		s.locks[i].Lock()
	}
	defer func() {
		for i := range s.locks {
			s.locks[i].Unlock()
		}
	}()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	incoming := make(map[string]struct{}, len(entities))

	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid entity in snapshot: %w", err)
		}
		incoming[e.ID] = struct{}{}

		if _, pending := preserve[e.ID]; pending {
			continue
		}

		doc, err := e.MarshalDoc()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (collection, id, doc, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(collection, id) DO UPDATE SET
			     doc = excluded.doc,
			     updated_at = excluded.updated_at`,
			collection, e.ID, doc, e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("%w: failed to replace %s/%s: %v", ErrStorageUnavailable, collection, e.ID, err)
		}
	}

	// Prune local rows the remote no longer has, sparing pending edits.
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM entities WHERE collection = ?`, collection)
	if err != nil {
		return fmt.Errorf("%w: failed to list %s for pruning: %v", ErrStorageUnavailable, collection, err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan id for pruning: %w", err)
		}
		if _, ok := incoming[id]; ok {
			continue
		}
		if _, ok := preserve[id]; ok {
			continue
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating %s for pruning: %w", collection, err)
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE collection = ? AND id = ?`,
			collection, id,
		); err != nil {
			return fmt.Errorf("%w: failed to prune %s/%s: %v", ErrStorageUnavailable, collection, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit replace of %s: %v", ErrStorageUnavailable, collection, err)
	}
	return nil
}

// Count returns the number of entities in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}
