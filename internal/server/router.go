package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/papermerge/papermerge-core-sub000/internal/audit"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"github.com/papermerge/papermerge-core-sub000/internal/customfields"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/pageops"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "papermerge_user_id"
	maxUploadBytes    = 256 << 20
	defaultCookieName = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingDocuments        = errors.New("documents service dependency required")
	errMissingVersions         = errors.New("version engine dependency required")
	errMissingPages            = errors.New("page operations dependency required")
	errMissingCustomFields     = errors.New("custom fields service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (users.User, error)
}

// Dependencies wires the handler. Identities and Tokens are optional; together
// they enable POST /auth/session.
type Dependencies struct {
	Sessions     SessionValidator
	Identities   IdentityVerifier
	Tokens       SessionIssuer
	CookieName   string
	Users        UserResolver
	Documents    *documents.Service
	Versions     *versions.Engine
	Pages        *pageops.Service
	CustomFields *customfields.Service
	Logger       *zap.Logger
}

// NewHTTPHandler exposes the document operations over JSON. Every route runs
// with the session user bound as the audit actor.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Documents == nil:
		return nil, errMissingDocuments
	case deps.Versions == nil:
		return nil, errMissingVersions
	case deps.Pages == nil:
		return nil, errMissingPages
	case deps.CustomFields == nil:
		return nil, errMissingCustomFields
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.MaxMultipartMemory = 32 << 20

	cookieName := deps.CookieName
	if cookieName == "" {
		cookieName = defaultCookieName
	}

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		tokens:     deps.Tokens,
		cookieName: cookieName,
		users:      deps.Users,
		docs:       deps.Documents,
		versions:   deps.Versions,
		pages:      deps.Pages,
		fields:     deps.CustomFields,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Identities != nil && deps.Tokens != nil {
		router.POST("/auth/session", handler.handleCreateSession)
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/documents", handler.handleUpload)
	api.GET("/documents/:id/versions", handler.handleListVersions)
	api.POST("/documents/:id/versions", handler.handleBumpVersion)
	api.PUT("/documents/:id/document-type", handler.handleAssignDocumentType)
	api.GET("/documents/:id/custom-fields/:field_id", handler.handleGetCustomField)
	api.PUT("/documents/:id/custom-fields/:field_id", handler.handleSetCustomField)
	api.POST("/pages/ops", handler.handleApplyPageOps)
	api.POST("/pages/move", handler.handleMovePages)
	api.POST("/pages/extract", handler.handleExtractPages)
	api.POST("/pages/delete", handler.handleDeletePages)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityVerifier
	tokens     SessionIssuer
	cookieName string
	users      UserResolver
	docs       *documents.Service
	versions   *versions.Engine
	pages      *pageops.Service
	fields     *customfields.Service
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": "Unauthorized", "detail": "unauthorized"})
		return
	}
	user, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": "Unauthorized", "detail": "unauthorized"})
		return
	}
	ctx, err := audit.WithActor(c.Request.Context(), audit.Actor{
		UserID:    user.ID,
		Username:  user.Username,
		SessionID: claims.SessionID,
		Reason:    c.Request.Method + " " + c.FullPath(),
	})
	if err != nil {
		h.logger.Warn("audit context not set; continuing without actor", zap.Error(err))
	}
	c.Request = c.Request.WithContext(ctx)
	c.Set(userIDContextKey, user.ID)
	c.Next()
}
