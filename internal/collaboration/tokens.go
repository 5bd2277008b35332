package collaboration

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/studio-scheduler/internal/scheduler"
)

// DefaultTokenTTL bounds how long a presence token stays valid.
const DefaultTokenTTL = 12 * time.Hour

// TokenClaims are carried in presence tokens. The JWT ID identifies the connection.
type TokenClaims struct {
	Role        string `json:"role"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 presence tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs an issuer. The secret must not be empty.
func NewTokenIssuer(secret []byte, ttl time.Duration, now func() time.Time) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("collaboration: token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: now}, nil
}

// Issue signs a token for one connection of the actor.
func (t *TokenIssuer) Issue(identity Identity, connectionID string) (string, time.Time, error) {
	issued := t.now().UTC()
	expires := issued.Add(t.ttl)
	claims := TokenClaims{
		Role:        string(identity.Role),
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			ID:        connectionID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("collaboration: sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies the signature and expiry and returns the claims.
func (t *TokenIssuer) Parse(token string) (TokenClaims, error) {
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return TokenClaims{}, fmt.Errorf("%w: missing subject or id", ErrInvalidToken)
	}
	if _, err := scheduler.ParseRole(claims.Role); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
