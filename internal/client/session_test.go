package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/teamcare/intake/internal/drafts"
	"github.com/teamcare/intake/internal/records"
	"github.com/teamcare/intake/internal/visits"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseSequence atomic.Int64

func openTestDraftStore(t *testing.T) *drafts.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:session-test-%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := drafts.NewStore(drafts.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build draft store: %v", err)
	}
	return store
}

func newTestSession(t *testing.T, backend *scriptedBackend) (*Session, *drafts.Store) {
	t.Helper()
	api, _ := newTestAPI(t, backend)
	store := openTestDraftStore(t)
	session, err := NewSession(SessionConfig{API: api, Drafts: store})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return session, store
}

func TestCreateVisitAdoptsPreVisitDraft(t *testing.T) {
	backend := &scriptedBackend{t: t, steps: []func(http.ResponseWriter, *http.Request){
		respondJSON(http.StatusCreated, `{"id":"v7","player_id":"player-1","module":"injury","status":"draft"}`),
	}}
	session, _ := newTestSession(t, backend)
	ctx := context.Background()
	fields := json.RawMessage(`{"injury_site":"hamstring"}`)

	if err := session.BufferDraft(ctx, records.ModuleInjury, "session-abc", fields); err != nil {
		t.Fatalf("buffer failed: %v", err)
	}

	visit, err := session.CreateVisit(ctx, "player-1", records.ModuleInjury, 0, "session-abc")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if visit.ID != "v7" {
		t.Fatalf("unexpected visit %+v", visit)
	}

	recovered, found, err := session.RecoverDraft(ctx, records.ModuleInjury, visit.ID, visits.StatusDraft)
	if err != nil || !found {
		t.Fatalf("recover under visit key failed: %v found=%v", err, found)
	}
	if string(recovered) != string(fields) {
		t.Fatalf("adopted draft lost fields: %s", recovered)
	}
	if _, found, _ := session.RecoverDraft(ctx, records.ModuleInjury, "session-abc", visits.StatusDraft); found {
		t.Fatal("session-keyed draft must be gone after adoption")
	}
}

func TestCreateVisitWithoutSessionKeySkipsAdoption(t *testing.T) {
	backend := &scriptedBackend{t: t, steps: []func(http.ResponseWriter, *http.Request){
		respondJSON(http.StatusCreated, `{"id":"v8","player_id":"player-1","module":"gps","status":"draft"}`),
	}}
	session, _ := newTestSession(t, backend)

	if _, err := session.CreateVisit(context.Background(), "player-1", records.ModuleGPS, 0, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
}

func TestSubmitRecordDiscardsConfirmedDraft(t *testing.T) {
	backend := &scriptedBackend{t: t, steps: []func(http.ResponseWriter, *http.Request){
		respondJSON(http.StatusCreated, `{"id":"rec-1","visit_id":"v1","fields":{"distance_m":4200},"outcome":"created"}`),
	}}
	session, _ := newTestSession(t, backend)
	ctx := context.Background()
	fields := json.RawMessage(`{"distance_m":4200}`)

	if err := session.BufferDraft(ctx, records.ModuleGPS, "v1", fields); err != nil {
		t.Fatalf("buffer failed: %v", err)
	}

	saved, err := session.SubmitRecord(ctx, records.ModuleGPS, "v1", fields)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if saved.Outcome != records.OutcomeCreated {
		t.Fatalf("unexpected outcome %s", saved.Outcome)
	}

	if _, found, _ := session.RecoverDraft(ctx, records.ModuleGPS, "v1", visits.StatusDraft); found {
		t.Fatal("buffer must be discarded once the server confirms the write")
	}
}

func TestFailedSubmitKeepsDraftBuffer(t *testing.T) {
	backend := &scriptedBackend{t: t, steps: []func(http.ResponseWriter, *http.Request){
		respondJSON(http.StatusBadRequest, `{"error":"visit_validated"}`),
	}}
	session, _ := newTestSession(t, backend)
	ctx := context.Background()
	fields := json.RawMessage(`{"distance_m":4200}`)

	if err := session.BufferDraft(ctx, records.ModuleGPS, "v1", fields); err != nil {
		t.Fatalf("buffer failed: %v", err)
	}

	if _, err := session.SubmitRecord(ctx, records.ModuleGPS, "v1", fields); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	recovered, found, err := session.RecoverDraft(ctx, records.ModuleGPS, "v1", visits.StatusDraft)
	if err != nil || !found {
		t.Fatalf("buffer must survive a failed submit: %v found=%v", err, found)
	}
	if string(recovered) != string(fields) {
		t.Fatalf("buffer changed: %s", recovered)
	}
}
