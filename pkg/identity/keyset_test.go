package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	ks, err := NewRSAKeySet()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		ID:        "tok-1",
		Subject:   "client-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	signed, err := ks.Sign(context.Background(), claims)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, ks.KeyFunc())
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, ks.CurrentKID(), parsed.Header["kid"])
	assert.Equal(t, "RS256", parsed.Header["alg"])
}

func TestRotationKeepsOldKeysVerifiable(t *testing.T) {
	ks, err := NewRSAKeySet()
	require.NoError(t, err)
	oldKID := ks.CurrentKID()

	signed, err := ks.Sign(context.Background(), jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	assert.NotEqual(t, oldKID, ks.CurrentKID())

	parsed, err := jwt.Parse(signed, ks.KeyFunc())
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestKeyFuncRejectsWrongAlg(t *testing.T) {
	ks, err := NewRSAKeySet()
	require.NoError(t, err)

	// HS256 token signed with an arbitrary secret must not verify
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	token.Header["kid"] = ks.CurrentKID()
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = jwt.Parse(signed, ks.KeyFunc())
	assert.Error(t, err)
}

func TestJWKS(t *testing.T) {
	ks, err := NewRSAKeySet()
	require.NoError(t, err)
	require.NoError(t, ks.Rotate())

	raw, err := ks.JWKS()
	require.NoError(t, err)

	var doc struct {
		Keys []map[string]string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Keys, 2)
	for _, key := range doc.Keys {
		assert.Equal(t, "RSA", key["kty"])
		assert.Equal(t, "RS256", key["alg"])
		assert.Equal(t, "sig", key["use"])
		assert.NotEmpty(t, key["kid"])
		assert.NotEmpty(t, key["n"])
		assert.NotEmpty(t, key["e"])
	}
}
