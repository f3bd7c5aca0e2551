// Package identity manages the signing keys behind issued access tokens.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages active signing keys and verification of past keys.
// Supports key rotation without downtime.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// JWKSProvider exposes public verification keys for the jwks_uri endpoint.
type JWKSProvider interface {
	JWKS() ([]byte, error)
}

const (
	rsaKeyBits = 2048
	maxKeys    = 10
)

// RSAKeySet holds RS256 keys in memory. Rotation keeps old keys resolvable
// by kid so in-flight tokens stay verifiable until they expire.
type RSAKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]*rsa.PrivateKey
	order      []string
}

// NewRSAKeySet generates the initial key.
func NewRSAKeySet() (*RSAKeySet, error) {
	ks := &RSAKeySet{keys: make(map[string]*rsa.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates and activates a fresh key, evicting the oldest when the
// retained set exceeds maxKeys.
func (ks *RSAKeySet) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = key
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > maxKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.keys, oldest)
	}
	return nil
}

// CurrentKID returns the active key id.
func (ks *RSAKeySet) CurrentKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

func (ks *RSAKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *RSAKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return &key.PublicKey, nil
	}
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS renders every retained public key as an RFC 7517 key set.
func (ks *RSAKeySet) JWKS() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	kids := make([]string, 0, len(ks.keys))
	for kid := range ks.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	keys := make([]jwk, 0, len(kids))
	for _, kid := range kids {
		pub := ks.keys[kid].PublicKey
		keys = append(keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return json.Marshal(map[string]any{"keys": keys})
}
