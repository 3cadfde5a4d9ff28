package backup

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okadri/stocksync/internal/queue"
	"github.com/okadri/stocksync/internal/schema"
	"github.com/okadri/stocksync/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	// Put needs the queue table for its atomic enqueue.
	q := queue.New(st.RawDB(), 0, log.New(io.Discard, "", 0))
	if err := q.InitSchema(context.Background()); err != nil {
		t.Fatalf("queue InitSchema() failed: %v", err)
	}
	return st
}

func seed(t *testing.T, st *store.Store, collection string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		e := &schema.Entity{
			ID:        id,
			UpdatedAt: time.Now().UTC(),
			Fields:    map[string]any{"name": "Item " + id},
		}
		if err := st.Put(collection, e); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
}

func TestExportImport_Roundtrip(t *testing.T) {
	src := testStore(t)
	ctx := context.Background()

	seed(t, src, schema.Products, "p1", "p2")
	seed(t, src, schema.Categories, "c1")

	dir := t.TempDir()
	exported, err := Export(ctx, src, ExportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if exported.Files != 2 || exported.Entities != 3 {
		t.Errorf("export = %+v, want 2 files / 3 entities", exported)
	}

	dst := testStore(t)
	imported, err := Import(ctx, dst, ImportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if imported.Imported != 3 || len(imported.Skipped) != 0 {
		t.Errorf("import = %+v, want 3 imported / 0 skipped", imported)
	}

	p1, err := dst.Get(schema.Products, "p1")
	if err != nil {
		t.Fatalf("Get(p1) failed: %v", err)
	}
	if p1.Fields["name"] != "Item p1" {
		t.Errorf("name = %v, want Item p1", p1.Fields["name"])
	}
}

func TestExport_SkipsEmptyCollections(t *testing.T) {
	st := testStore(t)
	seed(t, st, schema.Products, "p1")

	dir := t.TempDir()
	if _, err := Export(context.Background(), st, ExportOptions{Dir: dir}); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, schema.Products+".jsonl")); err != nil {
		t.Errorf("products export missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, schema.Categories+".jsonl")); !os.IsNotExist(err) {
		t.Error("empty collection produced a file")
	}
}

func TestImport_SkipsMalformedLines(t *testing.T) {
	st := testStore(t)
	dir := t.TempDir()

	content := `{"id":"p1","name":"good"}
not json at all
{"name":"missing id"}
{"id":"p2","name":"also good"}
`
	if err := os.WriteFile(filepath.Join(dir, schema.Products+".jsonl"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	result, err := Import(context.Background(), st, ImportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Imported != 2 {
		t.Errorf("Imported = %d, want 2", result.Imported)
	}
	if len(result.Skipped) != 2 {
		t.Errorf("Skipped = %v, want 2 entries", result.Skipped)
	}

	if _, err := st.Get(schema.Products, "p1"); err != nil {
		t.Errorf("good line not imported: %v", err)
	}
}

func TestImport_DryRun(t *testing.T) {
	st := testStore(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, schema.Products+".jsonl"),
		[]byte(`{"id":"p1","name":"x"}`+"\n"), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	result, err := Import(context.Background(), st, ImportOptions{Dir: dir, DryRun: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("Imported = %d, want 1 counted", result.Imported)
	}

	if n, err := st.Count(context.Background(), schema.Products); err != nil || n != 0 {
		t.Errorf("dry run wrote %d entities (err %v)", n, err)
	}
}
