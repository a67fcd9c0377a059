package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/trellis-notes/trellis/backend/internal/accounts"
	"github.com/trellis-notes/trellis/backend/internal/crdt"
	"github.com/trellis-notes/trellis/backend/internal/document"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
)

var (
	errMissingGatekeeper = errors.New("gatekeeper dependency required")
	errMissingLifecycle  = errors.New("lifecycle dependency required")
	errMissingDatabase   = errors.New("database dependency required")
	errMissingDispatcher = errors.New("dispatcher dependency required")
)

// Dependencies lists the collaborators the HTTP surface composes.
type Dependencies struct {
	Gatekeeper *document.Gatekeeper
	Lifecycle  *document.Lifecycle
	Database   *gorm.DB
	Dispatcher *realtime.Dispatcher
	Accounts   *accounts.Service
	Metrics    http.Handler
	Logger     *zap.Logger
}

// NewHTTPHandler wires the routes into a gin handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gatekeeper == nil {
		return nil, errMissingGatekeeper
	}
	if deps.Lifecycle == nil {
		return nil, errMissingLifecycle
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		gatekeeper: deps.Gatekeeper,
		lifecycle:  deps.Lifecycle,
		db:         deps.Database,
		dispatcher: deps.Dispatcher,
		accounts:   deps.Accounts,
		logger:     logger,
	}

	router.POST("/documents/:type/:id/connect", handler.handleConnect)
	router.POST("/documents/:type/:id/update", handler.handleUpdate)
	router.POST("/documents/:type/:id/flush", handler.handleFlush)
	router.GET("/artifacts/:id/edges", handler.handleEdges)
	router.GET("/realtime/stream", handler.handleStream)
	if deps.Accounts != nil {
		router.GET("/account", handler.handleAccount)
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router, nil
}

type httpHandler struct {
	gatekeeper *document.Gatekeeper
	lifecycle  *document.Lifecycle
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
	accounts   *accounts.Service
	logger     *zap.Logger
}

type connectResponsePayload struct {
	AccessLevel string `json:"accessLevel"`
	State       string `json:"state"`
}

// handleConnect is the connection handshake: it authorizes the caller for
// the document, loads it, and hands back the pinned access level with the
// full encoded state.
func (h *httpHandler) handleConnect(c *gin.Context) {
	conn, key, ok := h.authorizeDocument(c)
	if !ok {
		return
	}

	doc, err := h.lifecycle.Load(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, "document load failed", err)
		return
	}
	defer h.lifecycle.Release(key)

	state, err := crdt.EncodeStateAsUpdate(doc)
	if err != nil {
		h.respondError(c, "state encode failed", err)
		return
	}

	c.JSON(http.StatusOK, connectResponsePayload{
		AccessLevel: conn.Level.String(),
		State:       crdt.EncodeState(state).String(),
	})
}

type updateRequestPayload struct {
	Update string `json:"update"`
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	conn, key, ok := h.authorizeDocument(c)
	if !ok {
		return
	}
	if conn.ReadOnly() {
		c.JSON(http.StatusForbidden, gin.H{"error": "read_only"})
		return
	}

	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Update) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update, err := crdt.NewUpdateBase64(request.Update)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update"})
		return
	}
	raw, err := update.Bytes()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update"})
		return
	}

	doc, err := h.lifecycle.Load(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, "document load failed", err)
		return
	}
	defer h.lifecycle.Release(key)

	if err := crdt.ApplyUpdate(doc, raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update"})
		return
	}
	h.lifecycle.ScheduleSave(key, conn.UserID)

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	conn, key, ok := h.authorizeDocument(c)
	if !ok {
		return
	}
	if conn.ReadOnly() {
		c.JSON(http.StatusForbidden, gin.H{"error": "read_only"})
		return
	}

	if err := h.lifecycle.Flush(c.Request.Context(), key, conn.UserID); err != nil {
		h.respondError(c, "document flush failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

type edgesResponsePayload struct {
	Edges []document.Edge `json:"edges"`
}

// handleEdges returns every stored edge touching the artifact, both
// outgoing and incoming, so consumers can mirror the full neighborhood.
func (h *httpHandler) handleEdges(c *gin.Context) {
	artifactID := c.Param("id")
	key, err := document.NewKey(string(document.DocTypeArtifact), artifactID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, ok := h.authorize(c, key); !ok {
		return
	}

	var edges []document.Edge
	err = h.db.WithContext(c.Request.Context()).
		Where("source_artifact_id = ? OR target_artifact_id = ?", artifactID, artifactID).
		Order("edge_id ASC").
		Find(&edges).Error
	if err != nil {
		h.respondError(c, "edge query failed", err)
		return
	}
	c.JSON(http.StatusOK, edgesResponsePayload{Edges: edges})
}

type accountResponsePayload struct {
	UserID            string `json:"userId"`
	Email             string `json:"email,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
	Tier              string `json:"tier"`
	RevisionRetention int    `json:"revisionRetention"`
}

// handleAccount returns the caller's account record, creating a free-tier
// one on first touch.
func (h *httpHandler) handleAccount(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	session, err := h.gatekeeper.ResolveSession(c.Request.Context(), token)
	if err != nil {
		h.respondError(c, "session resolution failed", err)
		return
	}

	account, err := h.accounts.Ensure(c.Request.Context(), session.UserID)
	if err != nil {
		h.respondError(c, "account lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, accountResponsePayload{
		UserID:            account.UserID,
		Email:             account.Email,
		DisplayName:       account.DisplayName,
		Tier:              account.Tier,
		RevisionRetention: accounts.RetentionFor(accounts.Tier(account.Tier)),
	})
}

// authorizeDocument resolves the route's document key and authorizes the
// bearer against it.
func (h *httpHandler) authorizeDocument(c *gin.Context) (document.ConnContext, document.Key, bool) {
	key, err := document.NewKey(c.Param("type"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return document.ConnContext{}, document.Key{}, false
	}
	conn, ok := h.authorize(c, key)
	return conn, key, ok
}

func (h *httpHandler) authorize(c *gin.Context, key document.Key) (document.ConnContext, bool) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return document.ConnContext{}, false
	}

	conn, err := h.gatekeeper.Authorize(c.Request.Context(), token, key)
	if err != nil {
		h.respondError(c, "authorization failed", err)
		return document.ConnContext{}, false
	}
	return conn, true
}

// bearerToken pulls the token from the Authorization header, falling back
// to the access_token query parameter for EventSource clients that cannot
// set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Warn(message, zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": codeForStatus(status)})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, document.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, document.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, document.ErrInvalidMetadata):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request"
	default:
		return "internal_error"
	}
}
