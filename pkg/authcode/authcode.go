// Package authcode implements one-time authorization codes bound to PKCE
// challenges. Code plaintext is a URL-safe random secret returned exactly
// once; only its SHA-256 hash is persisted. Consumption is atomic so a
// replayed code can never issue two tokens.
package authcode

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidGrant  = errors.New("invalid or unknown authorization code")
	ErrInvalidClient = errors.New("authorization code belongs to another client")
	ErrPKCEMismatch  = errors.New("pkce verification failed")
	ErrExpired       = errors.New("authorization code expired")
	ErrAlreadyUsed   = errors.New("authorization code already consumed")
)

// ChallengeMethod is the PKCE transformation applied to the verifier.
type ChallengeMethod string

const (
	MethodPlain ChallengeMethod = "PLAIN"
	MethodS256  ChallengeMethod = "S256"
)

// ParseMethod normalizes the wire forms ("plain", "S256") of a PKCE method.
func ParseMethod(raw string) (ChallengeMethod, error) {
	switch strings.ToUpper(raw) {
	case "PLAIN":
		return MethodPlain, nil
	case "S256":
		return MethodS256, nil
	}
	return "", fmt.Errorf("unsupported code_challenge_method %q", raw)
}

// Code is a persisted authorization code. The plaintext secret never appears
// here; CodeHash is the SHA-256 hex digest of the issued secret.
type Code struct {
	CodeID              string          `json:"code_id"`
	CodeHash            string          `json:"-"`
	ClientID            string          `json:"client_id"`
	RedirectURI         string          `json:"redirect_uri"`
	Scope               []string        `json:"scope"`
	CodeChallenge       string          `json:"code_challenge"`
	CodeChallengeMethod ChallengeMethod `json:"code_challenge_method"`
	State               string          `json:"state,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
	Consumed            bool            `json:"consumed"`
}

// Store is the persistence abstraction for codes.
type Store interface {
	Put(ctx context.Context, code *Code) error
	// FindByHash returns the code with the given hash, consumed or not.
	FindByHash(ctx context.Context, hash string) (*Code, error)
	// MarkConsumed conditionally flips consumed. Returns false when the code
	// was already consumed, so exactly one caller wins a replay race.
	MarkConsumed(ctx context.Context, codeID string) (bool, error)
	// DeleteExpired removes codes past their expiry. Returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MaxTTL caps code lifetime per OAuth 2.1 guidance.
const MaxTTL = 10 * time.Minute

const secretBytes = 32

// CodeStore issues and consumes authorization codes over a Store.
type CodeStore struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a CodeStore. ttl is clamped to MaxTTL; zero selects MaxTTL.
func New(store Store, ttl time.Duration) *CodeStore {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &CodeStore{store: store, ttl: ttl, now: time.Now}
}

// CreateParams carries the authorize-time inputs bound into a code.
type CreateParams struct {
	ClientID            string
	RedirectURI         string
	Scope               []string
	CodeChallenge       string
	CodeChallengeMethod ChallengeMethod
	State               string
}

// Create mints a new one-time code and returns its plaintext alongside the
// echoed state. The plaintext is never stored.
func (s *CodeStore) Create(ctx context.Context, p CreateParams) (string, string, error) {
	if p.ClientID == "" || p.RedirectURI == "" || p.CodeChallenge == "" {
		return "", "", fmt.Errorf("client_id, redirect_uri and code_challenge are required")
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("authcode: entropy source failed: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	code := &Code{
		CodeID:              uuid.New().String(),
		CodeHash:            HashSecret(plaintext),
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		Scope:               append([]string(nil), p.Scope...),
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		State:               p.State,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, code); err != nil {
		return "", "", fmt.Errorf("authcode: persist: %w", err)
	}
	return plaintext, p.State, nil
}

// Consume validates and atomically burns a code:
// locate by hash, check ownership and expiry, verify the redirect URI and
// the PKCE verifier, then flip consumed exactly once.
func (s *CodeStore) Consume(ctx context.Context, plaintext, clientID, redirectURI, verifier string) (*Code, error) {
	code, err := s.store.FindByHash(ctx, HashSecret(plaintext))
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if code.ClientID != clientID {
		return nil, ErrInvalidClient
	}
	if code.Consumed {
		return nil, ErrAlreadyUsed
	}
	if s.now().UTC().After(code.ExpiresAt) {
		return nil, ErrExpired
	}
	if code.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if !VerifyPKCE(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, ErrPKCEMismatch
	}

	won, err := s.store.MarkConsumed(ctx, code.CodeID)
	if err != nil {
		return nil, fmt.Errorf("authcode: consume: %w", err)
	}
	if !won {
		return nil, ErrAlreadyUsed
	}
	code.Consumed = true
	return code, nil
}

// Sweep deletes expired codes.
func (s *CodeStore) Sweep(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, s.now().UTC())
}

// HashSecret returns the SHA-256 hex digest used to persist code and
// refresh-token secrets.
func HashSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyPKCE checks a verifier against the registered challenge.
// For S256: base64url(sha256(verifier)) with padding stripped must equal the
// challenge (itself compared padding-stripped). For PLAIN: equality.
func VerifyPKCE(verifier, challenge string, method ChallengeMethod) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		expected := strings.TrimRight(challenge, "=")
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	}
	return false
}
