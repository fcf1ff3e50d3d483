package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify a session. Subject carries the username, which is also the
// author id stamped on every committed edit.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Identity is the authenticated caller as seen by the rest of the service.
type Identity struct {
	Username string
	Name     string
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrWeakSecret   = errors.New("token secret must be at least 16 bytes")
)

const minSecretLen = 16

// IssueToken signs an HS256 token for username valid for ttl.
func IssueToken(secret []byte, username, name string, ttl time.Duration) (string, error) {
	if len(secret) < minSecretLen {
		return "", ErrWeakSecret
	}
	if username == "" {
		return "", fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates token and returns its identity. Only HS256 is
// accepted.
func ParseToken(secret []byte, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, ErrExpiredToken
	}
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{Username: claims.Subject, Name: name}, nil
}
