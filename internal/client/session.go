package client

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/teamcare/intake/internal/drafts"
	"github.com/teamcare/intake/internal/records"
	"github.com/teamcare/intake/internal/visits"
	"go.uber.org/zap"
)

var errMissingSessionDeps = errors.New("client: api and draft store are required")

// SessionConfig bundles the signed-in session's collaborators.
type SessionConfig struct {
	API    *API
	Drafts *drafts.Store
	Logger *zap.Logger
}

// Session ties the API client to the local draft buffers for one signed-in
// staff member. Form edits are buffered locally until the server confirms the
// corresponding record; a buffer started before its visit exists is adopted by
// the visit the moment it is created.
type Session struct {
	api    *API
	drafts *drafts.Store
	logger *zap.Logger
}

// NewSession constructs the session layer.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil || cfg.Drafts == nil {
		return nil, errMissingSessionDeps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{api: cfg.API, drafts: cfg.Drafts, logger: logger}, nil
}

// BufferDraft stores the form's current fields locally. ownerKey is the visit
// id, or an ephemeral session key while the visit does not exist yet.
func (s *Session) BufferDraft(ctx context.Context, module records.ModuleID, ownerKey string, fields json.RawMessage) error {
	return s.drafts.Save(ctx, module, ownerKey, fields)
}

// RecoverDraft returns the buffered fields for a module form. Validated visits
// never resurrect a draft.
func (s *Session) RecoverDraft(ctx context.Context, module records.ModuleID, ownerKey string, status visits.Status) (json.RawMessage, bool, error) {
	return s.drafts.Recover(ctx, module, ownerKey, status)
}

// CreateVisit opens a draft visit and adopts any form buffer started under the
// pre-visit session key, making it the module form's initial state.
func (s *Session) CreateVisit(ctx context.Context, playerID string, module records.ModuleID, visitDateSeconds int64, sessionKey string) (visits.Visit, error) {
	visit, err := s.api.CreateVisit(ctx, playerID, module, visitDateSeconds)
	if err != nil {
		return visits.Visit{}, err
	}

	if sessionKey != "" {
		if err := s.drafts.Adopt(ctx, module, sessionKey, visit.ID); err != nil {
			// The buffer stays under the session key; nothing is lost.
			s.logger.Warn("draft adoption failed",
				zap.String("module", module.String()),
				zap.String("visit_id", visit.ID),
				zap.Error(err))
		}
	}
	return visit, nil
}

// SubmitRecord saves the module form through the upsert protocol and discards
// the local buffer once the server confirms the write.
func (s *Session) SubmitRecord(ctx context.Context, module records.ModuleID, visitID string, fields json.RawMessage) (SavedRecord, error) {
	saved, err := s.api.SubmitRecord(ctx, module, visitID, fields)
	if err != nil {
		return SavedRecord{}, err
	}

	if err := s.drafts.Discard(ctx, module, visitID); err != nil {
		s.logger.Warn("draft discard failed",
			zap.String("module", module.String()),
			zap.String("visit_id", visitID),
			zap.Error(err))
	}
	return saved, nil
}
