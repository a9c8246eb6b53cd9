// Package security issues and verifies admin bearer tokens.
package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "receiptflow"

// ErrMissingSecret indicates no JWT secret is configured.
var ErrMissingSecret = errors.New("security: jwt secret is empty")

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	Permissions  []string `json:"permissions,omitempty"`
	IsSuperAdmin bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 token for subject valid for expiry.
func IssueAdminToken(secret, subject string, permissions []string, superAdmin bool, expiry time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrMissingSecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("security: token subject is empty")
	}
	if expiry <= 0 {
		return "", fmt.Errorf("security: token expiry must be positive")
	}
	claims := AdminClaims{
		Permissions:  permissions,
		IsSuperAdmin: superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("security: sign token: %w", errSign)
	}
	return signed, nil
}

// ParseAdminToken verifies signature, issuer and expiry and returns the claims.
func ParseAdminToken(secret, raw string) (*AdminClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	claims := &AdminClaims{}
	tok, errParse := jwt.ParseWithClaims(
		raw,
		claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if errParse != nil {
		return nil, errParse
	}
	if !tok.Valid {
		return nil, fmt.Errorf("security: invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("security: token has no subject")
	}
	return claims, nil
}
