package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teamcare/intake/internal/records"
	"github.com/teamcare/intake/internal/visits"
	"go.uber.org/zap"
)

var errMissingBaseURL = errors.New("client: base url is required")

// APIConfig configures the HTTP API client for one staff session.
type APIConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// API talks to the intake backend. One instance per signed-in session.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPI constructs the API client.
func NewAPI(cfg APIConfig) (*API, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SavedRecord is a stored module record plus the branch that committed it.
type SavedRecord struct {
	records.Record
	Outcome records.Outcome `json:"outcome"`
}

// SubmitRecord saves module form data for a visit. The server performs the
// race-safe upsert in one round trip; this method additionally absorbs the
// probe-era failure modes so callers never see them: a Conflict on create is
// retried once as an update, and a NotFound on update is retried once as a
// create.
func (a *API) SubmitRecord(ctx context.Context, module records.ModuleID, visitID string, fields json.RawMessage) (SavedRecord, error) {
	saved, err := a.createRecord(ctx, module, visitID, fields)
	if err == nil {
		return saved, nil
	}
	if IsConflict(err) {
		return a.updateRecord(ctx, module, visitID, fields)
	}
	return SavedRecord{}, err
}

func (a *API) createRecord(ctx context.Context, module records.ModuleID, visitID string, fields json.RawMessage) (SavedRecord, error) {
	body := map[string]interface{}{"visit_id": visitID, "fields": fields}
	var saved SavedRecord
	err := a.doJSON(ctx, http.MethodPost, "/visit_"+module.String(), body, &saved)
	if err != nil {
		return SavedRecord{}, err
	}
	return saved, nil
}

func (a *API) updateRecord(ctx context.Context, module records.ModuleID, visitID string, fields json.RawMessage) (SavedRecord, error) {
	body := map[string]interface{}{"fields": fields}
	var saved SavedRecord
	err := a.doJSON(ctx, http.MethodPut, "/visit_"+module.String()+"/"+visitID, body, &saved)
	if IsNotFound(err) {
		// The record vanished between calls; fall back to a create.
		return a.createRecord(ctx, module, visitID, fields)
	}
	if err != nil {
		return SavedRecord{}, err
	}
	return saved, nil
}

// Submitter exposes the save path under the step-machine contract, which only
// cares about the committed branch.
type Submitter struct {
	api *API
}

// Submitter returns the adapter driving guided-session step submits through
// this client.
func (a *API) Submitter() *Submitter {
	return &Submitter{api: a}
}

// SubmitRecord persists one step's form data and reports the committed branch.
func (s *Submitter) SubmitRecord(ctx context.Context, module records.ModuleID, visitID string, fields json.RawMessage) (records.Outcome, error) {
	saved, err := s.api.SubmitRecord(ctx, module, visitID, fields)
	if err != nil {
		return "", err
	}
	return saved.Outcome, nil
}

// FetchRecord loads the module record for a visit. Absence (HTTP 404) is an
// expected outcome returned as a NotFound-kind error without logging.
func (a *API) FetchRecord(ctx context.Context, module records.ModuleID, visitID string) (records.Record, error) {
	var record records.Record
	err := a.doJSON(ctx, http.MethodGet, "/visit_"+module.String()+"/"+visitID, nil, &record)
	if err != nil {
		return records.Record{}, err
	}
	return record, nil
}

// DeleteRecord removes the module record for a visit.
func (a *API) DeleteRecord(ctx context.Context, module records.ModuleID, visitID string) error {
	return a.doJSON(ctx, http.MethodDelete, "/visit_"+module.String()+"/"+visitID, nil, nil)
}

// CreateVisit opens a new draft visit.
func (a *API) CreateVisit(ctx context.Context, playerID string, module records.ModuleID, visitDateSeconds int64) (visits.Visit, error) {
	body := map[string]interface{}{
		"player_id":    playerID,
		"module":       module.String(),
		"visit_date_s": visitDateSeconds,
	}
	var visit visits.Visit
	if err := a.doJSON(ctx, http.MethodPost, "/visits", body, &visit); err != nil {
		return visits.Visit{}, err
	}
	return visit, nil
}

// ListVisits returns every visit; module- and player-scoped filtering is the
// caller's job.
func (a *API) ListVisits(ctx context.Context) ([]visits.Visit, error) {
	var response struct {
		Visits []visits.Visit `json:"visits"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/visits", nil, &response); err != nil {
		return nil, err
	}
	return response.Visits, nil
}

// ValidateVisit finalizes a visit. Validated is terminal.
func (a *API) ValidateVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	var visit visits.Visit
	if err := a.doJSON(ctx, http.MethodPost, "/visits/"+visitID+"/validate", nil, &visit); err != nil {
		return visits.Visit{}, err
	}
	return visit, nil
}

func (a *API) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return newError(KindValidation, op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return newError(KindTransport, op, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		request.Header.Set("Authorization", "Bearer "+a.token)
	}

	response, err := a.httpClient.Do(request)
	if err != nil {
		return newError(KindTransport, op, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		if out == nil || response.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return newError(KindInternal, op, err)
		}
		return nil
	}

	kind := classifyStatus(response.StatusCode)
	cause := fmt.Errorf("status %d", response.StatusCode)
	if kind != KindNotFound {
		a.logger.Warn("api request failed",
			zap.String("operation", op),
			zap.Int("status", response.StatusCode))
	}
	return newError(kind, op, cause)
}

func classifyStatus(status int) ErrorKind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindInternal
	}
}
