package authcode

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// RFC 7636 appendix B test vector.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestVerifyPKCEVector(t *testing.T) {
	assert.True(t, VerifyPKCE(rfcVerifier, rfcChallenge, MethodS256))
	assert.True(t, VerifyPKCE(rfcVerifier, rfcChallenge+"=", MethodS256))
	assert.False(t, VerifyPKCE("wrong-verifier", rfcChallenge, MethodS256))
	assert.True(t, VerifyPKCE("plain-secret", "plain-secret", MethodPlain))
	assert.False(t, VerifyPKCE("plain-secret", "other", MethodPlain))
	assert.False(t, VerifyPKCE("", rfcChallenge, MethodS256))
	assert.False(t, VerifyPKCE(rfcVerifier, rfcChallenge, "HS512"))
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("s256")
	require.NoError(t, err)
	assert.Equal(t, MethodS256, m)
	m, err = ParseMethod("plain")
	require.NoError(t, err)
	assert.Equal(t, MethodPlain, m)
	_, err = ParseMethod("none")
	assert.Error(t, err)
}

func newCodeStore(t *testing.T) *CodeStore {
	t.Helper()
	return New(NewMemoryStore(), 5*time.Minute)
}

func createCode(t *testing.T, s *CodeStore) string {
	t.Helper()
	plaintext, state, err := s.Create(context.Background(), CreateParams{
		ClientID:            "client-1",
		RedirectURI:         "https://app.example/cb",
		Scope:               []string{"read:web"},
		CodeChallenge:       rfcChallenge,
		CodeChallengeMethod: MethodS256,
		State:               "xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, "xyz", state)
	assert.GreaterOrEqual(t, len(plaintext), 43) // 32 bytes base64url
	return plaintext
}

func TestCreateAndConsume(t *testing.T) {
	s := newCodeStore(t)
	plaintext := createCode(t, s)

	code, err := s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier)
	require.NoError(t, err)
	assert.True(t, code.Consumed)
	assert.Equal(t, []string{"read:web"}, code.Scope)

	// single use
	_, err = s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestConsumeFailureModes(t *testing.T) {
	s := newCodeStore(t)
	plaintext := createCode(t, s)

	_, err := s.Consume(context.Background(), "no-such-code", "client-1", "https://app.example/cb", rfcVerifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = s.Consume(context.Background(), plaintext, "client-2", "https://app.example/cb", rfcVerifier)
	assert.ErrorIs(t, err, ErrInvalidClient)

	_, err = s.Consume(context.Background(), plaintext, "client-1", "https://evil.example/cb", rfcVerifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", "bad-verifier")
	assert.ErrorIs(t, err, ErrPKCEMismatch)

	// failed attempts must not consume the code
	_, err = s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier)
	assert.NoError(t, err)
}

func TestConsumeExpired(t *testing.T) {
	s := newCodeStore(t)
	plaintext := createCode(t, s)
	s.now = func() time.Time { return time.Now().Add(MaxTTL + time.Minute) }

	_, err := s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestTTLClamped(t *testing.T) {
	s := New(NewMemoryStore(), time.Hour)
	assert.Equal(t, MaxTTL, s.ttl)
	s = New(NewMemoryStore(), 0)
	assert.Equal(t, MaxTTL, s.ttl)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	s := newCodeStore(t)
	plaintext := createCode(t, s)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestSweep(t *testing.T) {
	s := newCodeStore(t)
	createCode(t, s)
	createCode(t, s)

	s.now = func() time.Time { return time.Now().Add(MaxTTL + time.Minute) }
	removed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", "file:authcode_test?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	s := New(store, 5*time.Minute)

	plaintext, _, err := s.Create(context.Background(), CreateParams{
		ClientID:            "client-1",
		RedirectURI:         "https://app.example/cb",
		Scope:               []string{"read:web", "write:web"},
		CodeChallenge:       rfcChallenge,
		CodeChallengeMethod: MethodS256,
	})
	require.NoError(t, err)

	code, err := s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier)
	require.NoError(t, err)
	assert.Equal(t, []string{"read:web", "write:web"}, code.Scope)

	_, err = s.Consume(context.Background(), plaintext, "client-1", "https://app.example/cb", rfcVerifier)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}
