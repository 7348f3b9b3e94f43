package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL  = 10 * time.Minute
	defaultOIDCProvider  = "oidc"
	maxJWKSResponseBytes = 1 << 20
)

var (
	errMissingIDToken        = errors.New("id token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
	ErrInvalidVerifierConfig = errors.New("auth: invalid oidc verifier config")
)

// OIDCVerifierConfig describes the identity provider whose ID tokens are
// exchanged for session tokens.
type OIDCVerifierConfig struct {
	Provider   string
	Audience   string
	JWKSURL    string
	Issuers    []string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

type idTokenClaims struct {
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// OIDCVerifier checks RS256 ID tokens against the provider's cached JWKS.
type OIDCVerifier struct {
	provider   string
	audience   string
	jwksURL    string
	issuers    map[string]struct{}
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	cache      *jwksCache
	refreshMu  sync.Mutex
}

func NewOIDCVerifier(cfg OIDCVerifierConfig) (*OIDCVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}
	issuers := make(map[string]struct{}, len(cfg.Issuers))
	for _, issuer := range cfg.Issuers {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = defaultOIDCProvider
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &OIDCVerifier{
		provider:   provider,
		audience:   audience,
		jwksURL:    jwksURL,
		issuers:    issuers,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		cache:      &jwksCache{ttl: cacheTTL},
	}, nil
}

// Verify validates rawToken and returns the login it proves.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Identity{}, errMissingIDToken
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (any, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return Identity{}, err
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return Identity{}, errUntrustedIssuer
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, errMissingSubject
	}

	username := strings.TrimSpace(claims.PreferredUsername)
	if username == "" {
		username, _, _ = strings.Cut(claims.Email, "@")
	}
	return Identity{
		Provider: v.provider,
		Subject:  claims.Subject,
		Username: username,
		Email:    claims.Email,
	}, nil
}

func (v *OIDCVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key := v.cache.get(keyID, v.clock()); key != nil {
		return key, nil
	}

	// One refresh at a time; waiters re-check the cache first.
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	now := v.clock()
	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}
	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}
	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *OIDCVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(http.MaxBytesReader(nil, response.Body, maxJWKSResponseBytes)).Decode(&document); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("jwks document contained no usable keys")
	}
	v.cache.store(keys, fetchedAt)
	v.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *jwksCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	exponent := new(big.Int).SetBytes(exponentBytes)
	if exponent.Sign() == 0 || !exponent.IsInt64() || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(exponent.Int64())}, nil
}
