package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("token issuer: signing secret must be provided")
	errMissingSubjectClaim  = errors.New("token issuer: subject must be provided")
)

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Identity is the login a session token is issued for.
type Identity struct {
	Provider string
	Subject  string
	Username string
	Email    string
}

// TokenIssuer signs HS256 session tokens that SessionValidator accepts.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret: append([]byte(nil), cfg.SigningSecret...),
		issuer: issuer,
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// IssueSessionToken returns a signed token for identity and its expiry.
// The user_id claim carries "provider:subject" so ResolveUser maps it back to
// the same account.
func (i *TokenIssuer) IssueSessionToken(identity Identity) (string, time.Time, error) {
	subject := strings.TrimSpace(identity.Subject)
	if subject == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}
	userID := subject
	if provider := strings.TrimSpace(identity.Provider); provider != "" {
		userID = provider + ":" + subject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserID:          userID,
		Username:        identity.Username,
		UserEmail:       identity.Email,
		UserDisplayName: identity.Username,
		SessionID:       uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
