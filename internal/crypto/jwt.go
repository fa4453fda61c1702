package crypto

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager signs and verifies bearer tokens derived from the master secret.
type JWTManager struct {
	signingKey []byte
}

// NewJWTManager creates a JWT manager keyed off the server master secret.
func NewJWTManager(masterSecret string) (*JWTManager, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	// Derive a fixed-size signing key from the (arbitrary length) secret.
	key := sha256.Sum256([]byte("dispatch-jwt-v1:" + masterSecret))
	return &JWTManager{signingKey: key[:]}, nil
}

// GenerateToken issues a signed token for the given subject.
func (m *JWTManager) GenerateToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a token, returning its claims.
func (m *JWTManager) VerifyToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
