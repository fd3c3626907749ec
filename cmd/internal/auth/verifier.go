// Package auth resolves the calling user from backend-issued access tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	// ErrMissingToken is returned when a request carries no credentials.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrInvalidToken is returned for malformed, expired or wrongly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// DefaultAudience is the audience Supabase puts on end-user access tokens.
const DefaultAudience = "authenticated"

// Claims are the access-token claims the service relies on.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.StandardClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// Verifier validates HS256 access tokens signed with the project's JWT secret.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier constructs a Verifier. An empty audience disables the audience check.
func NewVerifier(secret, audience string) (*Verifier, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 characters")
	}
	return &Verifier{secret: []byte(secret), audience: strings.TrimSpace(audience)}, nil
}

// Verify parses and validates raw, returning the caller identity (sub claim).
func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.ExpiresAt == 0 {
		return Identity{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return Identity{UserID: sub, Role: claims.Role}, nil
}

// Issue signs a token for userID. Used by local tooling and tests; production tokens come from the backend.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: missing user id")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := Claims{
		Role: "authenticated",
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Audience:  v.audience,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
