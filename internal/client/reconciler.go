package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teamcare/intake/internal/realtime"
)

// Collection is one view's local copy of an entity set, reconciled against
// realtime events by id. Payloads are full snapshots, so last-applied-wins
// replacement per id is sufficient; no cross-id ordering is assumed.
type Collection struct {
	mu      sync.RWMutex
	idField string
	entries map[string]json.RawMessage
}

// NewCollection builds a collection keyed by the given payload field, e.g.
// "id" for visits or "visit_id" for per-visit singleton records.
func NewCollection(idField string) *Collection {
	if idField == "" {
		idField = "id"
	}
	return &Collection{
		idField: idField,
		entries: make(map[string]json.RawMessage),
	}
}

// Apply merges one event into the view's collection:
//   - Created inserts only if the id is absent, so the submitting client's
//     own optimistic insert is never duplicated;
//   - Updated replaces a matching entry and ignores unknown ids (the view is
//     not interested in that entity);
//   - Deleted removes a matching entry and ignores unknown ids.
func (c *Collection) Apply(kind realtime.EventKind, payload json.RawMessage) error {
	id, err := c.extractID(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case realtime.KindCreated:
		if _, exists := c.entries[id]; !exists {
			c.entries[id] = payload
		}
	case realtime.KindUpdated:
		if _, exists := c.entries[id]; exists {
			c.entries[id] = payload
		}
	case realtime.KindDeleted:
		delete(c.entries, id)
	}
	return nil
}

// Put seeds or overwrites an entry outside event flow, e.g. from an initial
// fetch of canonical state or an optimistic local insert.
func (c *Collection) Put(payload json.RawMessage) error {
	id, err := c.extractID(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[id] = payload
	c.mu.Unlock()
	return nil
}

// Get returns the entry for an id.
func (c *Collection) Get(id string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	return entry, ok
}

// Len returns the number of entries.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot copies the collection for iteration.
func (c *Collection) Snapshot() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copied := make(map[string]json.RawMessage, len(c.entries))
	for id, entry := range c.entries {
		copied[id] = entry
	}
	return copied
}

func (c *Collection) extractID(payload json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("client: malformed event payload: %w", err)
	}
	raw, ok := fields[c.idField]
	if !ok {
		return "", fmt.Errorf("client: event payload missing %q", c.idField)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("client: event payload %q not a string: %w", c.idField, err)
	}
	if id == "" {
		return "", fmt.Errorf("client: event payload has empty %q", c.idField)
	}
	return id, nil
}
