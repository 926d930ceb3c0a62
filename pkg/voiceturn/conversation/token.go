package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	DefaultTokenTTL  = 10 * time.Minute
	APIKeyMinLength  = 16
	tokenIssuer      = "voiceturn-sdk-go"
	apiKeyHintLength = 8
)

// Token is a signed bearer token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is no longer valid at now.
func (t *Token) Expired(now time.Time) bool {
	return t == nil || !now.Before(t.ExpiresAt)
}

// ValidateAPIKey checks the minimal shape of an API key.
func ValidateAPIKey(apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrMissingKey
	}
	if len(apiKey) < APIKeyMinLength {
		return NewAuthError(fmt.Sprintf("API key must be at least %d characters", APIKeyMinLength), nil)
	}
	return nil
}

// MintToken signs an HS256 token with the API key as shared secret.
func MintToken(apiKey, subject string, ttl time.Duration, now time.Time) (*Token, error) {
	if err := ValidateAPIKey(apiKey); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	expiresAt := now.Add(ttl)

	claims := jwt.MapClaims{
		"iss": tokenIssuer,
		"key": apiKey[:apiKeyHintLength] + "...",
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	if subject != "" {
		claims["sub"] = subject
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiKey))
	if err != nil {
		return nil, NewAuthError("failed to sign token", err)
	}
	return &Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// VerifyToken parses a bearer token minted by MintToken.
func VerifyToken(token, apiKey string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(apiKey), nil
	})
	if err != nil {
		return nil, NewAuthError("invalid token", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, NewAuthError("invalid token", nil)
	}
	return claims, nil
}

// TokenManager caches a bearer token and mints a new one once the cached
// token is within refreshBuffer of expiring.
type TokenManager struct {
	apiKey        string
	subject       string
	ttl           time.Duration
	refreshBuffer time.Duration
	now           func() time.Time

	mu    sync.Mutex
	token *Token
}

func NewTokenManager(apiKey, subject string, ttl, refreshBuffer time.Duration) *TokenManager {
	return &TokenManager{
		apiKey:        apiKey,
		subject:       subject,
		ttl:           ttl,
		refreshBuffer: refreshBuffer,
		now:           time.Now,
	}
}

// GetToken returns a valid token, minting one when needed.
func (tm *TokenManager) GetToken() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	if tm.token != nil && now.Before(tm.token.ExpiresAt.Add(-tm.refreshBuffer)) {
		return tm.token.Value, nil
	}

	token, err := MintToken(tm.apiKey, tm.subject, tm.ttl, now)
	if err != nil {
		return "", err
	}
	tm.token = token
	return token.Value, nil
}

// Clear drops the cached token.
func (tm *TokenManager) Clear() {
	tm.mu.Lock()
	tm.token = nil
	tm.mu.Unlock()
}
