package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	m, err := NewJWTManager("master-secret")
	require.NoError(t, err)

	token, err := m.GenerateToken("user-1", time.Hour)
	require.NoError(t, err)

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifyExpiredToken(t *testing.T) {
	m, err := NewJWTManager("master-secret")
	require.NoError(t, err)

	token, err := m.GenerateToken("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = m.VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyTokenFromDifferentSecret(t *testing.T) {
	m1, err := NewJWTManager("secret-one")
	require.NoError(t, err)
	m2, err := NewJWTManager("secret-two")
	require.NoError(t, err)

	token, err := m1.GenerateToken("user-1", time.Hour)
	require.NoError(t, err)

	_, err = m2.VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyGarbageToken(t *testing.T) {
	m, err := NewJWTManager("master-secret")
	require.NoError(t, err)

	_, err = m.VerifyToken("not-a-token")
	assert.Error(t, err)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewJWTManager("")
	assert.Error(t, err)
}
