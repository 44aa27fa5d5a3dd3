package oauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// stateTTL bounds how long a consent round trip may take.
const stateTTL = 10 * time.Minute

var ErrBadState = errors.New("oauth state invalid or expired")

type stateClaims struct {
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// stateSigner mints and verifies the opaque state parameter binding a
// consent flow to a user.
type stateSigner struct {
	secret []byte
	now    func() time.Time
}

func newStateSigner(secret string, now func() time.Time) *stateSigner {
	return &stateSigner{secret: []byte(secret), now: now}
}

// Sign issues a short-lived state token for the user and provider.
func (s *stateSigner) Sign(userID, provider string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("state secret not configured")
	}
	now := s.now()
	claims := stateClaims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the state token and returns the user it was issued for.
func (s *stateSigner) Verify(state, provider string) (string, error) {
	parsed, err := jwt.ParseWithClaims(state, &stateClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", ErrBadState
	}
	claims, ok := parsed.Claims.(*stateClaims)
	if !ok || !parsed.Valid {
		return "", ErrBadState
	}
	if claims.Provider != provider || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrBadState
	}
	return claims.Subject, nil
}
