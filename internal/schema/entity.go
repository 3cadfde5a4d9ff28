// Package schema defines the entity model shared by the local store,
// the sync queue, and the remote adapters.
//
// Every domain record (product, transaction, issue, ...) is an Entity:
// a stable string ID plus an open set of typed fields carried as a JSON
// document. The ID is the identity across local and remote stores — the
// same logical entity never gets two IDs, which is what makes replayed
// upserts idempotent.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity represents a single domain record in document form.
//
// Fields holds everything except the identity and sync bookkeeping
// columns. UpdatedAt resolves last-write-wins ordering between a local
// edit and a remote snapshot of the same record.
type Entity struct {
	ID        string
	UpdatedAt time.Time
	Fields    map[string]any
}

// Validate checks that the entity can be stored and synced.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// MarshalDoc encodes the entity as a flat JSON document with the ID and
// updated_at merged into the field set. This is the wire and storage
// representation: remote backends store the document as-is, keyed by id.
func (e *Entity) MarshalDoc() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	doc := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		doc[k] = v
	}
	doc["id"] = e.ID
	if !e.UpdatedAt.IsZero() {
		doc["updatedAt"] = e.UpdatedAt.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity %s: %w", e.ID, err)
	}
	return data, nil
}

// UnmarshalDoc decodes a JSON document into an Entity, splitting the
// identity and timestamp back out of the field set.
//
// A document without an "id" key is rejected: anonymous records cannot
// participate in sync.
func UnmarshalDoc(data []byte) (*Entity, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity document: %w", err)
	}

	id, _ := doc["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("entity document has no id")
	}
	delete(doc, "id")

	e := &Entity{ID: id, Fields: doc}

	if raw, ok := doc["updatedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			e.UpdatedAt = t
			delete(doc, "updatedAt")
		}
	}

	return e, nil
}
