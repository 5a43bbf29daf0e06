package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/teamcare/intake/internal/auth"
	"github.com/teamcare/intake/internal/realtime"
	"github.com/teamcare/intake/internal/records"
	"github.com/teamcare/intake/internal/users"
	"github.com/teamcare/intake/internal/visits"
	"go.uber.org/zap"
)

const staffIDContextKey = "intake_staff_id"

const entityTypeVisit = "visit"

var (
	errMissingVerifier       = errors.New("sso verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingVisitsService  = errors.New("visits service dependency required")
	errMissingRecordsService = errors.New("records service dependency required")
	errMissingHub            = errors.New("realtime hub dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// SSOVerifier validates identity-provider tokens at sign-in.
type SSOVerifier interface {
	Verify(ctx context.Context, token string) (auth.SSOClaims, error)
}

// BackendTokenManager issues and validates backend session tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	Verifier       SSOVerifier
	TokenManager   BackendTokenManager
	VisitsService  *visits.Service
	RecordsService *records.Service
	UsersService   *users.Service
	Hub            *realtime.Hub
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the gin router for the intake API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.VisitsService == nil {
		return nil, errMissingVisitsService
	}
	if deps.RecordsService == nil {
		return nil, errMissingRecordsService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.Verifier,
		tokens:   deps.TokenManager,
		visits:   deps.VisitsService,
		records:  deps.RecordsService,
		users:    deps.UsersService,
		hub:      deps.Hub,
		logger:   logger,
	}

	router.POST("/auth/sso", handler.handleSSOAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/visits", handler.handleVisitList)
	protected.POST("/visits", handler.handleVisitCreate)
	protected.POST("/visits/:visitId/validate", handler.handleVisitValidate)
	protected.DELETE("/visits/:visitId", handler.handleVisitDelete)
	protected.GET("/realtime", handler.handleRealtime)

	for _, module := range records.AllModules() {
		base := "/visit_" + module.String()
		protected.POST(base, handler.handleRecordSave(module))
		protected.GET(base+"/:visitId", handler.handleRecordFetch(module))
		protected.PUT(base+"/:visitId", handler.handleRecordSaveByPath(module))
		protected.DELETE(base+"/:visitId", handler.handleRecordDelete(module))
	}

	return router, nil
}

type httpHandler struct {
	verifier SSOVerifier
	tokens   BackendTokenManager
	visits   *visits.Service
	records  *records.Service
	users    *users.Service
	hub      *realtime.Hub
	logger   *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSSOAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("sso token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject := claims.Subject
	if h.users != nil {
		staffID, err := h.users.ResolveStaffID(claims)
		if err != nil {
			h.logger.Error("staff identity resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
			return
		}
		subject = staffID
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type visitCreatePayload struct {
	PlayerID         string `json:"player_id"`
	Module           string `json:"module"`
	VisitDateSeconds int64  `json:"visit_date_s"`
}

func (h *httpHandler) handleVisitCreate(c *gin.Context) {
	var request visitCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	visit, err := h.visits.Create(c.Request.Context(), visits.CreateRequest{
		PlayerID:         request.PlayerID,
		Module:           records.ModuleID(request.Module),
		VisitDateSeconds: request.VisitDateSeconds,
		CreatorID:        c.GetString(staffIDContextKey),
	})
	if err != nil {
		h.respondVisitError(c, err)
		return
	}

	h.publishEntity(realtime.KindCreated, entityTypeVisit, visit.PlayerID, visit)
	c.JSON(http.StatusCreated, visit)
}

func (h *httpHandler) handleVisitList(c *gin.Context) {
	all, err := h.visits.List(c.Request.Context())
	if err != nil {
		h.logger.Error("visit listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": all})
}

func (h *httpHandler) handleVisitValidate(c *gin.Context) {
	visit, err := h.visits.Validate(c.Request.Context(), c.Param("visitId"))
	if err != nil {
		h.respondVisitError(c, err)
		return
	}

	h.publishEntity(realtime.KindUpdated, entityTypeVisit, visit.PlayerID, visit)
	c.JSON(http.StatusOK, visit)
}

func (h *httpHandler) handleVisitDelete(c *gin.Context) {
	visit, err := h.visits.Delete(c.Request.Context(), c.Param("visitId"))
	if err != nil {
		h.respondVisitError(c, err)
		return
	}

	h.publishEntity(realtime.KindDeleted, entityTypeVisit, visit.PlayerID, visit)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondVisitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, visits.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "visit_not_found"})
	case errors.Is(err, visits.ErrInvalidPlayerID),
		errors.Is(err, visits.ErrInvalidCreatorID),
		errors.Is(err, records.ErrUnknownModule):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("visit operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "visit_operation_failed"})
	}
}

type recordSavePayload struct {
	VisitID string          `json:"visit_id"`
	Fields  json.RawMessage `json:"fields"`
}

type recordResponsePayload struct {
	records.Record
	Outcome records.Outcome `json:"outcome"`
}

// handleRecordSave is the upsert protocol's HTTP surface: one round trip that
// either creates or replaces the visit's record and reports which branch
// committed. POST and PUT share it so a raced creation and a stale update
// both settle without the client seeing the conflict.
func (h *httpHandler) handleRecordSave(module records.ModuleID) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request recordSavePayload
		if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.VisitID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.saveRecord(c, module, request.VisitID, request.Fields)
	}
}

func (h *httpHandler) handleRecordSaveByPath(module records.ModuleID) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request recordSavePayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.saveRecord(c, module, c.Param("visitId"), request.Fields)
	}
}

func (h *httpHandler) saveRecord(c *gin.Context, module records.ModuleID, visitID string, fields json.RawMessage) {
	visit, err := h.visits.Get(c.Request.Context(), visitID)
	if err != nil {
		h.respondVisitError(c, err)
		return
	}
	if visit.Status == visits.StatusValidated {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visit_validated"})
		return
	}

	record, outcome, err := h.records.Upsert(c.Request.Context(), module, visitID, fields)
	if err != nil {
		h.respondRecordError(c, err)
		return
	}

	kind := realtime.KindUpdated
	status := http.StatusOK
	if outcome == records.OutcomeCreated {
		kind = realtime.KindCreated
		status = http.StatusCreated
	}
	h.publishEntity(kind, module.EntityType(), visit.PlayerID, record)

	c.JSON(status, recordResponsePayload{Record: record, Outcome: outcome})
}

func (h *httpHandler) handleRecordFetch(module records.ModuleID) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := h.records.FetchByVisit(c.Request.Context(), module, c.Param("visitId"))
		if errors.Is(err, records.ErrNotFound) {
			// Expected absence: the form was never saved for this visit.
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if err != nil {
			h.respondRecordError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func (h *httpHandler) handleRecordDelete(module records.ModuleID) gin.HandlerFunc {
	return func(c *gin.Context) {
		visitID := c.Param("visitId")
		record, err := h.records.Delete(c.Request.Context(), module, visitID)
		if errors.Is(err, records.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if err != nil {
			h.respondRecordError(c, err)
			return
		}

		playerID := ""
		if visit, err := h.visits.Get(c.Request.Context(), visitID); err == nil {
			playerID = visit.PlayerID
		}
		h.publishEntity(realtime.KindDeleted, module.EntityType(), playerID, record)

		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) respondRecordError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, records.ErrInvalidVisitID), errors.Is(err, records.ErrInvalidFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("record operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record_operation_failed"})
	}
}

func (h *httpHandler) publishEntity(kind realtime.EventKind, entityType, playerID string, entity interface{}) {
	payload, err := json.Marshal(entity)
	if err != nil {
		h.logger.Error("event payload encoding failed",
			zap.String("entity_type", entityType),
			zap.Error(err))
		return
	}
	h.hub.Publish(realtime.Event{
		Kind:       kind,
		EntityType: entityType,
		PlayerID:   playerID,
		Payload:    payload,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(staffIDContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for websocket upgrades where custom headers are unavailable.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}
