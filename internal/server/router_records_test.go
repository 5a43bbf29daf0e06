package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/teamcare/intake/internal/records"
)

type savedRecordResponse struct {
	records.Record
	Outcome records.Outcome `json:"outcome"`
}

func decodeSavedRecord(t *testing.T, body []byte) savedRecordResponse {
	t.Helper()
	var saved savedRecordResponse
	if err := json.Unmarshal(body, &saved); err != nil {
		t.Fatalf("failed to decode record response %q: %v", body, err)
	}
	return saved
}

func TestRecordSaveCreatesThenUpdates(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleGPS)

	first := env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 4200},
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("first save returned %d: %s", first.Code, first.Body.String())
	}
	created := decodeSavedRecord(t, first.Body.Bytes())
	if created.Outcome != records.OutcomeCreated {
		t.Fatalf("expected created outcome, got %s", created.Outcome)
	}
	if created.VisitID != visit.ID {
		t.Fatalf("record bound to wrong visit: %s", created.VisitID)
	}

	second := env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 5100},
	})
	if second.Code != http.StatusOK {
		t.Fatalf("second save returned %d: %s", second.Code, second.Body.String())
	}
	updated := decodeSavedRecord(t, second.Body.Bytes())
	if updated.Outcome != records.OutcomeUpdated {
		t.Fatalf("expected updated outcome, got %s", updated.Outcome)
	}
	if updated.ID != created.ID {
		t.Fatalf("update must keep the existing row, id changed %s -> %s", created.ID, updated.ID)
	}
}

func TestRecordSaveByPathSharesUpsert(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleCardio)

	// A PUT with no prior record commits the create branch; stale clients
	// retrying an update are not punished for the missing row.
	response := env.do(t, http.MethodPut, "/visit_cardio/"+visit.ID, token, map[string]interface{}{
		"fields": map[string]interface{}{"hr_rest": 60},
	})
	if response.Code != http.StatusCreated {
		t.Fatalf("expected create branch, got %d: %s", response.Code, response.Body.String())
	}

	again := env.do(t, http.MethodPut, "/visit_cardio/"+visit.ID, token, map[string]interface{}{
		"fields": map[string]interface{}{"hr_rest": 58},
	})
	if again.Code != http.StatusOK {
		t.Fatalf("expected update branch, got %d", again.Code)
	}
}

func TestRecordSaveRejectsValidatedVisit(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleInjury)

	if response := env.do(t, http.MethodPost, "/visits/"+visit.ID+"/validate", token, nil); response.Code != http.StatusOK {
		t.Fatalf("validate returned %d", response.Code)
	}

	response := env.do(t, http.MethodPost, "/visit_injury", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"injury_site": "hamstring"},
	})
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for validated visit, got %d", response.Code)
	}
	if decodeError(t, response) != "visit_validated" {
		t.Fatalf("unexpected error body: %s", response.Body.String())
	}
}

func TestRecordSaveRequiresExistingVisit(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)

	response := env.do(t, http.MethodPost, "/visit_care", token, map[string]interface{}{
		"visit_id": "no-such-visit",
		"fields":   map[string]interface{}{},
	})
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
	if decodeError(t, response) != "visit_not_found" {
		t.Fatalf("unexpected error body: %s", response.Body.String())
	}
}

func TestRecordFetchAbsenceIsPlain404(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleNutrition)

	response := env.do(t, http.MethodGet, "/visit_nutrition/"+visit.ID, token, nil)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
	if decodeError(t, response) != "not_found" {
		t.Fatalf("unexpected error body: %s", response.Body.String())
	}
}

func TestRecordFetchReturnsStoredSnapshot(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleImpedance)

	env.do(t, http.MethodPost, "/visit_impedance", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"body_fat_pct": 12.5, "note": ""},
	})

	response := env.do(t, http.MethodGet, "/visit_impedance/"+visit.ID, token, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("fetch returned %d", response.Code)
	}
	var record records.Record
	if err := json.Unmarshal(response.Body.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(record.Fields, &fields); err != nil {
		t.Fatalf("failed to decode fields: %v", err)
	}
	if fields["body_fat_pct"] != 12.5 {
		t.Fatalf("unexpected fields: %v", fields)
	}
	// Empty strings are normalized to null before storage.
	if value, present := fields["note"]; !present || value != nil {
		t.Fatalf("expected note normalized to null, got %v", fields)
	}
}

func TestRecordDeleteThenRecreate(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleGPS)

	env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 4200},
	})

	deleted := env.do(t, http.MethodDelete, "/visit_gps/"+visit.ID, token, nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d", deleted.Code)
	}
	missing := env.do(t, http.MethodDelete, "/visit_gps/"+visit.ID, token, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeat delete, got %d", missing.Code)
	}

	// A later save is a fresh create, not an update of the deleted row.
	recreated := env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 3000},
	})
	if recreated.Code != http.StatusCreated {
		t.Fatalf("recreate returned %d", recreated.Code)
	}
}

func TestRecordSavePublishesModuleScopedEvents(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleGPS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscription := env.hub.Subscribe(ctx)

	env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 4200},
	})
	env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 5100},
	})
	env.do(t, http.MethodDelete, "/visit_gps/"+visit.ID, token, nil)

	expected := []string{"visitGpsCreated", "visitGpsUpdated", "visitGpsDeleted"}
	for _, name := range expected {
		select {
		case event := <-subscription.Stream():
			if event.Name() != name {
				t.Fatalf("expected %s, got %s", name, event.Name())
			}
			if event.PlayerID != "player-1" {
				t.Fatalf("event missing player scope: %q", event.PlayerID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestModulesAreIsolatedPerRoute(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.accessToken(t)
	visit := env.createVisit(t, token, "player-1", records.ModuleGPS)

	env.do(t, http.MethodPost, "/visit_gps", token, map[string]interface{}{
		"visit_id": visit.ID,
		"fields":   map[string]interface{}{"distance_m": 4200},
	})

	response := env.do(t, http.MethodGet, "/visit_cardio/"+visit.ID, token, nil)
	if response.Code != http.StatusNotFound {
		t.Fatalf("gps record leaked into cardio route: %d", response.Code)
	}
}
