package queue

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()

	conn, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	q := New(conn, 0, log.New(io.Discard, "", 0))
	if err := q.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return q
}

// enqueue wraps EnqueueTx in its own transaction, the way the store does.
func enqueue(t *testing.T, q *Queue, item Item) {
	t.Helper()

	tx, err := q.conn.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := EnqueueTx(context.Background(), tx, item); err != nil {
		tx.Rollback()
		t.Fatalf("EnqueueTx() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

func TestEnqueueTx_CoalescesUpdates(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate, Payload: []byte(`{"id":"p1","price":10}`)})
	first, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":11}`)})
	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":12}`)})

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d pending items, want 1", len(items))
	}

	it := items[0]
	if string(it.Payload) != `{"id":"p1","price":12}` {
		t.Errorf("payload = %s, want latest", it.Payload)
	}
	if !it.EnqueuedAt.Equal(first[0].EnqueuedAt) {
		t.Errorf("enqueued_at changed on coalesce: %v != %v", it.EnqueuedAt, first[0].EnqueuedAt)
	}
}

func TestEnqueueTx_DeleteSupersedes(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1"}`)})
	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpDelete})

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d pending items, want 1", len(items))
	}
	if items[0].Op != OpDelete {
		t.Errorf("op = %s, want delete", items[0].Op)
	}
	if len(items[0].Payload) != 0 {
		t.Errorf("tombstone kept a payload: %s", items[0].Payload)
	}
}

func TestEnqueueTx_UpdateRevivesTombstone(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpDelete})
	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":3}`)})

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d pending items, want 1", len(items))
	}
	if items[0].Op != OpUpdate {
		t.Errorf("op = %s, want update", items[0].Op)
	}
	if string(items[0].Payload) != `{"id":"p1","price":3}` {
		t.Errorf("payload = %s", items[0].Payload)
	}
}

func TestEnqueueTx_SeparateEntitiesDoNotCoalesce(t *testing.T) {
	q := testQueue(t)

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate, Payload: []byte(`{"id":"p1"}`)})
	enqueue(t, q, Item{Collection: "products", EntityID: "p2", Op: OpCreate, Payload: []byte(`{"id":"p2"}`)})
	enqueue(t, q, Item{Collection: "categories", EntityID: "p1", Op: OpCreate, Payload: []byte(`{"id":"p1"}`)})

	pending, _, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}
}

func TestDequeueBatch_OldestFirst(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	enqueue(t, q, Item{Collection: "products", EntityID: "p2", Op: OpCreate, EnqueuedAt: base.Add(2 * time.Second)})
	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate, EnqueuedAt: base})
	enqueue(t, q, Item{Collection: "products", EntityID: "p3", Op: OpCreate, EnqueuedAt: base.Add(5 * time.Second)})

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	want := []string{"p1", "p2", "p3"}
	for i, w := range want {
		if items[i].EntityID != w {
			t.Errorf("items[%d] = %s, want %s", i, items[i].EntityID, w)
		}
	}
}

func TestDequeueBatch_SkipsBackedOffItems(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate})
	items, err := q.DequeueBatch(ctx, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("DequeueBatch() = %d items, err %v", len(items), err)
	}

	// A failure schedules the next attempt in the future.
	if _, err := q.MarkFailed(ctx, items[0].ID, items[0].Version, errors.New("connection refused"), time.Hour); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	items, err = q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0 while backed off", len(items))
	}
}

func TestMarkSucceeded_RemovesItem(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate})
	items, _ := q.DequeueBatch(ctx, 1)
	if len(items) != 1 {
		t.Fatal("expected one item")
	}

	if err := q.MarkSucceeded(ctx, items[0].ID, items[0].Version); err != nil {
		t.Fatalf("MarkSucceeded() failed: %v", err)
	}

	pending, dead, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if pending != 0 || dead != 0 {
		t.Errorf("queue not empty: pending=%d dead=%d", pending, dead)
	}
}

func TestMarkSucceeded_SparesCoalescedRow(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":10}`)})
	inFlight, _ := q.DequeueBatch(ctx, 1)
	if len(inFlight) != 1 {
		t.Fatal("expected one item")
	}

	// A new edit lands while the old payload is being pushed.
	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":12}`)})

	if err := q.MarkSucceeded(ctx, inFlight[0].ID, inFlight[0].Version); err != nil {
		t.Fatalf("MarkSucceeded() failed: %v", err)
	}

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("coalesced edit was lost: %d pending items, want 1", len(items))
	}
	if string(items[0].Payload) != `{"id":"p1","price":12}` {
		t.Errorf("payload = %s, want the coalesced edit", items[0].Payload)
	}
	if items[0].Version == inFlight[0].Version {
		t.Errorf("coalesce did not bump version: %d", items[0].Version)
	}

	// The next pass pushes the coalesced payload; its version matches now.
	if err := q.MarkSucceeded(ctx, items[0].ID, items[0].Version); err != nil {
		t.Fatalf("MarkSucceeded() failed: %v", err)
	}
	pending, _, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestMarkFailed_SparesCoalescedRow(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":10}`)})
	inFlight, _ := q.DequeueBatch(ctx, 1)
	if len(inFlight) != 1 {
		t.Fatal("expected one item")
	}

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate, Payload: []byte(`{"id":"p1","price":12}`)})

	// The old payload's failure must not charge the fresh mutation's
	// attempt budget or delay it.
	dead, err := q.MarkFailed(ctx, inFlight[0].ID, inFlight[0].Version, errors.New("boom"), time.Hour)
	if err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	if dead {
		t.Error("stale failure dead-lettered a coalesced row")
	}

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("coalesced row not immediately eligible: %d items", len(items))
	}
	if items[0].Attempts != 0 || items[0].LastError != "" {
		t.Errorf("stale failure touched the coalesced row: %+v", items[0])
	}
}

func TestMarkFailed_DeadLettersAtCeiling(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate})
	items, _ := q.Pending(ctx)
	it := items[0]

	pushErr := errors.New("boom")
	for i := 1; i <= DefaultMaxAttempts; i++ {
		dead, err := q.MarkFailed(ctx, it.ID, it.Version, pushErr, 0)
		if err != nil {
			t.Fatalf("MarkFailed() attempt %d failed: %v", i, err)
		}
		if want := i == DefaultMaxAttempts; dead != want {
			t.Errorf("attempt %d: dead = %v, want %v", i, dead, want)
		}
	}

	pending, dead, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if pending != 0 || dead != 1 {
		t.Errorf("pending=%d dead=%d, want 0/1", pending, dead)
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters() failed: %v", err)
	}
	if len(letters) != 1 || letters[0].LastError != "boom" {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestRetry_RestoresDeadItem(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate})
	items, _ := q.Pending(ctx)
	it := items[0]

	for i := 0; i < DefaultMaxAttempts; i++ {
		if _, err := q.MarkFailed(ctx, it.ID, it.Version, errors.New("boom"), 0); err != nil {
			t.Fatalf("MarkFailed() failed: %v", err)
		}
	}

	if err := q.Retry(ctx, it.ID); err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items after retry, want 1", len(items))
	}
	if items[0].Attempts != 0 || items[0].LastError != "" {
		t.Errorf("retry did not reset bookkeeping: %+v", items[0])
	}
}

func TestRetry_RejectsPendingItem(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpCreate})
	items, _ := q.Pending(ctx)

	if err := q.Retry(ctx, items[0].ID); err == nil {
		t.Error("Retry() accepted an item that is not dead-lettered")
	}
}

func TestPendingIDs_SnapshotsCollection(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, Item{Collection: "products", EntityID: "p1", Op: OpUpdate})
	enqueue(t, q, Item{Collection: "products", EntityID: "p2", Op: OpDelete})
	enqueue(t, q, Item{Collection: "categories", EntityID: "c1", Op: OpUpdate})

	ids, err := q.PendingIDs(ctx, "products")
	if err != nil {
		t.Fatalf("PendingIDs() failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	for _, want := range []string{"p1", "p2"} {
		if _, ok := ids[want]; !ok {
			t.Errorf("missing %s in pending ids", want)
		}
	}
}
