package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/teamcare/intake/internal/client"
	"github.com/teamcare/intake/internal/records"
)

// Two staff sessions race the first save of the same visit's gps form. Both
// must succeed in one round trip, exactly one commits the create branch, the
// table holds a single row, and every observing session converges on the same
// snapshot.
func TestConcurrentFirstSavesConverge(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleGPS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observerA := env.hub.Subscribe(ctx)
	observerB := env.hub.Subscribe(ctx)
	observerA.JoinPlayer("player-1")

	payloads := []map[string]interface{}{
		{"distance_m": 4200, "sprints": 12},
		{"distance_m": 5100, "sprints": 9},
	}

	type saveResult struct {
		status  int
		saved   savedRecordResponse
		payload map[string]interface{}
	}
	results := make([]saveResult, len(payloads))

	var start sync.WaitGroup
	var done sync.WaitGroup
	start.Add(1)
	for at, fields := range payloads {
		done.Add(1)
		go func(at int, fields map[string]interface{}) {
			defer done.Done()
			start.Wait()
			response := env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
				"visit_id": visit.ID,
				"fields":   fields,
			})
			results[at] = saveResult{
				status:  response.Code,
				saved:   decodeSavedRecord(t, response.Body.Bytes()),
				payload: fields,
			}
		}(at, fields)
	}
	start.Done()
	done.Wait()

	createdCount := 0
	for _, result := range results {
		if result.status != http.StatusCreated && result.status != http.StatusOK {
			t.Fatalf("a racing save failed with status %d", result.status)
		}
		if result.saved.Outcome == records.OutcomeCreated {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one create branch, got %d", createdCount)
	}

	// The canonical row matches one of the two submissions whole; field-level
	// interleaving never happens.
	fetched := env.do(t, http.MethodGet, "/visit_gps/"+visit.ID, token, nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("fetch returned %d", fetched.Code)
	}
	var canonical records.Record
	if err := json.Unmarshal(fetched.Body.Bytes(), &canonical); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	var stored map[string]interface{}
	if err := json.Unmarshal(canonical.Fields, &stored); err != nil {
		t.Fatalf("failed to decode stored fields: %v", err)
	}
	matches := 0
	for _, candidate := range payloads {
		if stored["distance_m"] == float64(candidate["distance_m"].(int)) &&
			stored["sprints"] == float64(candidate["sprints"].(int)) {
			matches++
		}
	}
	if matches != 1 {
		t.Fatalf("stored fields are not one submission verbatim: %v", stored)
	}

	// Both observers, room-scoped or not, reconcile to the same single-entry
	// collection keyed by visit.
	collectionA := client.NewCollection("visit_id")
	collectionB := client.NewCollection("visit_id")

	deadline := time.After(time.Second)
	received := 0
	for received < 4 {
		select {
		case event := <-observerA.Stream():
			if err := collectionA.Apply(event.Kind, event.Payload); err != nil {
				t.Fatalf("reconcile failed: %v", err)
			}
			received++
		case event := <-observerB.Stream():
			if err := collectionB.Apply(event.Kind, event.Payload); err != nil {
				t.Fatalf("reconcile failed: %v", err)
			}
			received++
		case <-deadline:
			t.Fatalf("observers received %d of 4 expected events", received)
		}
	}

	for name, collection := range map[string]*client.Collection{"A": collectionA, "B": collectionB} {
		if collection.Len() != 1 {
			t.Fatalf("observer %s holds %d entries, want 1", name, collection.Len())
		}
		entry, ok := collection.Get(visit.ID)
		if !ok {
			t.Fatalf("observer %s missing the visit's record", name)
		}
		var snapshot records.Record
		if err := json.Unmarshal(entry, &snapshot); err != nil {
			t.Fatalf("observer %s entry malformed: %v", name, err)
		}
		if string(snapshot.Fields) != string(canonical.Fields) {
			t.Fatalf("observer %s diverged from canonical state:\nobserver:  %s\ncanonical: %s",
				name, snapshot.Fields, canonical.Fields)
		}
	}
}
