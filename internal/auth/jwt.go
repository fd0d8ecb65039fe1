// Package auth verifies the platform's HS256 bearer tokens.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no token was supplied.
	ErrMissingToken = errors.New("missing access token")
	// ErrInvalidToken is returned when the token is malformed, badly signed
	// or not an access token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("access token expired")
)

// CategoryAccess marks tokens usable for API and stream access.
const CategoryAccess = "access"

// Claims are the custom claims carried by platform tokens.
type Claims struct {
	UserID   int64  `json:"userId"`
	Role     string `json:"role"`
	Category string `json:"category"`
	jwt.RegisteredClaims
}

// Identity is the verified subject of a token.
type Identity struct {
	UserID    int64
	Role      string
	ExpiresAt time.Time
}

// Verifier validates tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify checks an access token and returns its identity. Expiry is reported
// as ErrExpiredToken; every other failure as ErrInvalidToken.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Category != CategoryAccess || claims.UserID <= 0 {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:    claims.UserID,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Issue signs a token for userID. The chat service never issues tokens in
// production; this exists for seeding and tests.
func (v *Verifier) Issue(userID int64, role, category string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID:   userID,
		Role:     role,
		Category: category,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
