// Package backup exports and imports local inventory data as JSONL,
// one file per collection. Exports are plain entity documents, so a
// backup taken on one machine can seed another or be inspected with
// standard text tooling.
package backup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/okadri/stocksync/internal/schema"
	"github.com/okadri/stocksync/internal/store"
)

// ExportOptions configures an export run.
type ExportOptions struct {
	Dir         string   // Output directory for <collection>.jsonl files
	Collections []string // Defaults to schema.Collections
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Files    int
	Entities int
}

// ImportOptions configures an import run.
type ImportOptions struct {
	Dir         string   // Directory holding <collection>.jsonl files
	Collections []string // Defaults to schema.Collections
	DryRun      bool     // Parse and count without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Files    int
	Imported int
	Skipped  []string // malformed lines, reported as file:line
}

// Export writes each collection's entities to
// <dir>/<collection>.jsonl, one document per line. Empty collections
// produce no file.
func Export(ctx context.Context, st *store.Store, opts ExportOptions) (*ExportResult, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = schema.Collections
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	result := &ExportResult{}
	for _, collection := range collections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		entities, err := st.ListContext(ctx, collection, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		if len(entities) == 0 {
			continue
		}

		if err := writeCollection(filepath.Join(opts.Dir, collection+".jsonl"), entities); err != nil {
			return nil, err
		}
		result.Files++
		result.Entities += len(entities)
	}
	return result, nil
}

func writeCollection(path string, entities []*schema.Entity) error {
	// Write to a temp file and rename so a crash never leaves a
	// truncated backup in place.
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, e := range entities {
		doc, err := e.MarshalDoc()
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(doc, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// Import reads <collection>.jsonl files from a directory and puts every
// document into the local store. Imports go through the normal write
// path, so imported entities are queued for sync like any other local
// edit. Malformed lines are skipped and reported, not fatal.
func Import(ctx context.Context, st *store.Store, opts ImportOptions) (*ImportResult, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("import directory is required")
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = schema.Collections
	}

	result := &ImportResult{}
	for _, collection := range collections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		path := filepath.Join(opts.Dir, collection+".jsonl")
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}

		n, skipped, err := importCollection(ctx, st, collection, f, opts.DryRun)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", path, err)
		}

		result.Files++
		result.Imported += n
		for _, line := range skipped {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s:%s", filepath.Base(path), line))
		}
	}
	return result, nil
}

func importCollection(ctx context.Context, st *store.Store, collection string, r io.Reader, dryRun bool) (int, []string, error) {
	var imported int
	var skipped []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		e, err := schema.UnmarshalDoc([]byte(text))
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%d", line))
			continue
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = time.Now().UTC()
		}

		if !dryRun {
			if err := st.PutContext(ctx, collection, e); err != nil {
				return imported, skipped, err
			}
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, skipped, fmt.Errorf("read error: %w", err)
	}
	return imported, skipped, nil
}
