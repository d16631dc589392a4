// Package auth issues and verifies the JWT bearer tokens that identify
// tenants on every gateway request.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Claims is the token payload. Tenant identity travels in user_id; the
// rest is display convenience for clients.
type Claims struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 tokens with a shared secret.
type Authenticator struct {
	secret []byte
	expiry time.Duration
}

// New creates an Authenticator. expiry bounds token lifetime; the
// gateway default is seven days.
func New(secret string, expiry time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New(errors.KindConfig, "jwt secret is required", nil)
	}
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), expiry: expiry}, nil
}

// CreateToken signs a token for the user, valid from now for the
// configured expiry.
func (a *Authenticator) CreateToken(userID, username, displayName string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrapf(errors.KindInternal, err, "sign token")
	}
	return signed, nil
}

// VerifyToken parses and validates a token string, returning its claims.
// Expired, malformed, or foreign-key tokens all map to unauthorized.
func (a *Authenticator) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Unauthorized("invalid or expired token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.Unauthorized("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, errors.Unauthorized("token missing user identity")
	}
	return claims, nil
}
