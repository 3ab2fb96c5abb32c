// Package auth turns bearer tokens into callers. Tokens are issued by the
// campus identity provider; Issue exists for local tooling and tests.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classattend/internal/model"
	"classattend/internal/status"
)

// Claims represents JWT payload. Subject is the student id or teacher code.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Caller converts verified claims into the service's actor.
func (c Claims) Caller() (model.Caller, error) {
	role, err := status.ParseRole(c.Role)
	if err != nil {
		return model.Caller{}, err
	}
	if c.Subject == "" {
		return model.Caller{}, errors.New("token has no subject")
	}
	return model.Caller{ID: c.Subject, Role: role}, nil
}

// Issue signs an access token.
func Issue(subject string, role status.Role, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
