// Package queue implements the durable sync queue: an ordered log of
// local mutations that have not yet been confirmed by a remote backend.
//
// The queue lives in the same SQLite database as the local store so a
// mutation and its queue entry commit in one transaction. Entries are
// coalesced per entity — at most one pending item exists for any
// (collection, entity_id) pair — which keeps replay order trivially
// correct: remote pushes are upserts-by-id, so only the latest pending
// state of an entity matters.
//
// Items that keep failing past the attempt ceiling move to a dead-letter
// state. They stay in the table for operator attention and stop blocking
// the drain loop.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of mutation a queue item carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Item states.
const (
	StatePending = "pending"
	StateDead    = "dead"
)

// DefaultMaxAttempts is the retry ceiling before an item is dead-lettered.
const DefaultMaxAttempts = 5

// Item is a single queued mutation.
//
// Payload is the entity document for create/update and nil for delete.
// EnqueuedAt is preserved across coalescing so an entity edited many
// times while offline keeps its original place in the drain order.
//
// Version increments every time a coalesce replaces the payload. The
// worker carries the version it dequeued into MarkSucceeded and
// MarkFailed, so an edit coalesced into a row while its old payload is
// in flight can never be deleted or penalized by the old push's outcome.
type Item struct {
	ID         string
	Collection string
	EntityID   string
	Op         Op
	Payload    []byte
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
	State      string
	Version    int64
}

// Queue provides durable queue operations over a SQLite connection.
type Queue struct {
	conn        *sql.DB
	maxAttempts int
	logger      *log.Logger
}

// New creates a Queue over an existing database connection.
//
// maxAttempts <= 0 selects DefaultMaxAttempts. If logger is nil, a
// default logger writing to stderr is used.
func New(conn *sql.DB, maxAttempts int, logger *log.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		conn:        conn,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// InitSchema creates the sync_queue table if it doesn't exist.
// Idempotent - safe to call multiple times.
func (q *Queue) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload BLOB,
		enqueued_at TEXT NOT NULL,
		next_attempt_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_entity
	    ON sync_queue(collection, entity_id, state);
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON sync_queue(state, next_attempt_at, enqueued_at);
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// EnqueueTx appends a mutation inside an existing transaction, coalescing
// with any pending item for the same entity:
//
//   - a later create/update replaces the payload of a pending item,
//     keeping the earliest enqueued_at for drain fairness
//   - a delete supersedes any pending operation (tombstone wins)
//   - a create/update after a pending delete turns the tombstone back
//     into an upsert with the new payload
//
// Coalescing resets the retry bookkeeping: a replaced payload is a new
// mutation and gets a fresh attempt budget. Dead-lettered items are never
// coalesced with; a new mutation on that entity enqueues alongside them.
func EnqueueTx(ctx context.Context, tx *sql.Tx, item Item) error {
	if item.Collection == "" || item.EntityID == "" {
		return fmt.Errorf("queue item requires collection and entity id")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}

	var existingID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM sync_queue
		 WHERE collection = ? AND entity_id = ? AND state = ?`,
		item.Collection, item.EntityID, StatePending,
	).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_queue
			 (id, collection, entity_id, op, payload, enqueued_at, next_attempt_at, attempts, last_error, state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
			item.ID, item.Collection, item.EntityID, string(item.Op), item.Payload,
			item.EnqueuedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), StatePending,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s/%s: %w", item.Collection, item.EntityID, err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("failed to check pending queue item: %w", err)
	}

	// Coalesce. enqueued_at stays as-is (earliest wins); op and payload
	// take the new mutation's values, except a delete clears the payload.
	// The version bump invalidates any in-flight push of the old payload:
	// the worker's MarkSucceeded/MarkFailed carry the dequeued version and
	// won't touch a row that was replaced underneath them.
	newOp := item.Op
	payload := item.Payload
	if newOp == OpDelete {
		payload = nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_queue
		 SET op = ?, payload = ?, attempts = 0, last_error = '', next_attempt_at = ?,
		     version = version + 1
		 WHERE id = ?`,
		string(newOp), payload, now.Format(time.RFC3339Nano), existingID,
	)
	if err != nil {
		return fmt.Errorf("failed to coalesce queue item %s: %w", existingID, err)
	}
	return nil
}

// DequeueBatch returns up to maxItems pending items eligible for a push
// attempt, oldest first. Items are not removed - call MarkSucceeded after
// a confirmed remote acknowledgment.
func (q *Queue) DequeueBatch(ctx context.Context, maxItems int) ([]Item, error) {
	if maxItems <= 0 {
		maxItems = 25
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := q.conn.QueryContext(ctx,
		`SELECT id, collection, entity_id, op, payload, enqueued_at, next_attempt_at, attempts, last_error, state, version
		 FROM sync_queue
		 WHERE state = ? AND next_attempt_at <= ?
		 ORDER BY enqueued_at ASC, rowid ASC
		 LIMIT ?`,
		StatePending, now, maxItems,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// MarkSucceeded removes an item after a confirmed remote acknowledgment.
//
// version must be the value returned by DequeueBatch. If the row was
// coalesced while the push was in flight its version no longer matches;
// the row stays pending and the new payload goes out on the next pass.
func (q *Queue) MarkSucceeded(ctx context.Context, id string, version int64) error {
	if _, err := q.conn.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND version = ?`, id, version); err != nil {
		return fmt.Errorf("failed to mark item %s succeeded: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed push attempt and schedules the next one
// after retryAfter. Once attempts reach the ceiling the item moves to the
// dead-letter state and stops being retried automatically.
//
// version must be the value returned by DequeueBatch: a row coalesced
// while the push was in flight carries a fresh mutation and keeps its
// fresh attempt budget instead of inheriting the old payload's failure.
//
// Returns true if the item was dead-lettered by this call.
func (q *Queue) MarkFailed(ctx context.Context, id string, version int64, pushErr error, retryAfter time.Duration) (bool, error) {
	msg := ""
	if pushErr != nil {
		msg = pushErr.Error()
	}
	nextAt := time.Now().UTC().Add(retryAfter).Format(time.RFC3339Nano)

	res, err := q.conn.ExecContext(ctx,
		`UPDATE sync_queue
		 SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ? AND state = ? AND version = ?`,
		msg, nextAt, id, StatePending, version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	res, err = q.conn.ExecContext(ctx,
		`UPDATE sync_queue SET state = ? WHERE id = ? AND attempts >= ?`,
		StateDead, id, q.maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to dead-letter item %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("Item %s dead-lettered after %d attempts: %s", id, q.maxAttempts, msg)
	}
	return n > 0, nil
}

// PendingIDs returns the entity IDs that currently have a pending item in
// the given collection. The worker snapshots this before a ReplaceAll so
// an in-flight local edit is never clobbered by a pull (pending-wins).
func (q *Queue) PendingIDs(ctx context.Context, collection string) (map[string]struct{}, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT entity_id FROM sync_queue WHERE collection = ? AND state = ?`,
		collection, StatePending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ids: %w", err)
	}
	return ids, nil
}

// Pending returns all pending items, oldest first, including items
// still waiting out a retry delay.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT id, collection, entity_id, op, payload, enqueued_at, next_attempt_at, attempts, last_error, state, version
		 FROM sync_queue
		 WHERE state = ?
		 ORDER BY enqueued_at ASC, rowid ASC`,
		StatePending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// DeadLetters returns all dead-lettered items, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT id, collection, entity_id, op, payload, enqueued_at, next_attempt_at, attempts, last_error, state, version
		 FROM sync_queue
		 WHERE state = ?
		 ORDER BY enqueued_at ASC, rowid ASC`,
		StateDead,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Retry returns a dead-lettered item to the pending state with a fresh
// attempt budget. No-op if the item isn't dead.
func (q *Queue) Retry(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.conn.ExecContext(ctx,
		`UPDATE sync_queue
		 SET state = ?, attempts = 0, last_error = '', next_attempt_at = ?
		 WHERE id = ? AND state = ?`,
		StatePending, now, id, StateDead,
	)
	if err != nil {
		return fmt.Errorf("failed to retry item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s is not dead-lettered", id)
	}
	return nil
}

// Counts returns the number of pending and dead-lettered items.
func (q *Queue) Counts(ctx context.Context) (pending, dead int, err error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM sync_queue GROUP BY state`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		switch state {
		case StatePending:
			pending = n
		case StateDead:
			dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return pending, dead, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var op, enqueuedAt, nextAt string
		err := rows.Scan(&it.ID, &it.Collection, &it.EntityID, &op, &it.Payload,
			&enqueuedAt, &nextAt, &it.Attempts, &it.LastError, &it.State, &it.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		it.Op = Op(op)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			it.EnqueuedAt = t
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}
