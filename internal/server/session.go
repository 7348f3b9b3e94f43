package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"go.uber.org/zap"
)

type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.Identity, error)
}

type SessionIssuer interface {
	IssueSessionToken(identity auth.Identity) (string, time.Time, error)
}

type sessionRequestPayload struct {
	IDToken string `json:"id_token"`
}

func (p sessionRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.IDToken, validation.Required),
	)
}

type sessionResponsePayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
}

// handleCreateSession exchanges an identity provider ID token for a session
// token, creating the user on first login.
func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if !h.bind(c, &request) {
		return
	}
	identity, err := h.identities.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("id token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": "Unauthorized", "detail": "unauthorized"})
		return
	}
	user, err := h.users.ResolveUser(c.Request.Context(), auth.SessionClaims{
		UserID:          identity.Provider + ":" + identity.Subject,
		UserEmail:       identity.Email,
		UserDisplayName: identity.Username,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	token, expiresAt, err := h.tokens.IssueSessionToken(identity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	maxAge := int(time.Until(expiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, token, maxAge, "/", "", c.Request.TLS != nil, true)
	h.logger.Info("session created", zap.String("user_id", user.ID), zap.String("provider", identity.Provider))
	c.JSON(http.StatusCreated, sessionResponsePayload{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
		Username:  user.Username,
	})
}
