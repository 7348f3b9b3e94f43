package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "papermerge"
	defaultProvider      = "default"
	bearerScheme         = "bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the payload of a papermerge session token. UserID has the
// form "provider:subject"; TokenIssuer writes it that way.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	SessionID       string `json:"sid"`
	jwt.RegisteredClaims
}

// Principal splits the claims into the provider and subject that identify a
// user row. Tokens without a provider prefix fall back to the registered
// subject, then the email.
func (c SessionClaims) Principal() (provider, subject string) {
	provider = defaultProvider
	subject = strings.TrimSpace(c.Subject)
	raw := strings.TrimSpace(c.UserID)
	if prefix, rest, ok := strings.Cut(raw, ":"); ok {
		prefix, rest = strings.TrimSpace(prefix), strings.TrimSpace(rest)
		if prefix != "" && rest != "" {
			return prefix, rest
		}
	} else if raw != "" && subject == "" {
		subject = raw
	}
	if subject == "" {
		subject = strings.TrimSpace(c.UserEmail)
	}
	return provider, subject
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	// Leeway tolerates clock skew between the issuing and validating hosts.
	Leeway time.Duration
	Clock  func() time.Time
}

// SessionValidator checks HS256 session tokens carried in the Authorization
// header or the session cookie.
type SessionValidator struct {
	parser     *jwt.Parser
	secret     []byte
	cookieName string
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(clock),
		),
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
	}, nil
}

// ValidateToken parses a raw token and returns its claims.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.key); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if _, subject := claims.Principal(); subject == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest prefers a bearer token and falls back to the cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	raw := v.tokenFromRequest(r)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(raw)
}

func (v *SessionValidator) tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, bearerScheme) {
		return token
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (v *SessionValidator) key(*jwt.Token) (any, error) {
	return v.secret, nil
}
