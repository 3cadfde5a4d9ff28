// Package session implements per-device session management: signed
// tokens, a cloud-authoritative session registry with remote revocation,
// and the periodic device heartbeat.
//
// Token checks are strictly layered: signature and expiry are verified
// locally with no network involved, and only then is the remote registry
// consulted for revocation. If the registry is unreachable the check
// fails open - a deliberate availability-over-strictness trade-off, so a
// flaky network never logs a user out of an offline-first application.
package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the default token validity.
const DefaultTTL = 24 * time.Hour

// Claims is the token payload: the user, and optionally the registry
// session the token is bound to. A token without a SessionID is a
// local-only session that cannot be remotely revoked.
type Claims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// Mint signs a token for userID valid for ttl. sessionID may be empty.
func Mint(secret []byte, userID, sessionID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("userID is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature and expiry locally. No network.
func Verify(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no userId claim")
	}
	return claims, nil
}

// peekClaims decodes a token without verifying it. Used only by Logout,
// which must not refuse to clear an expired credential.
func peekClaims(token string) *Claims {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}
