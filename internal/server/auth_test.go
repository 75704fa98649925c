package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewAuthenticator_ShortSecret(t *testing.T) {
	_, err := NewAuthenticator("short", "perpvault", time.Hour)
	assert.Error(t, err)
}

func TestAuthenticator_IssueVerify(t *testing.T) {
	a, err := NewAuthenticator(testSecret, "perpvault", time.Hour)
	require.NoError(t, err)

	account := uuid.New()
	token, err := a.Issue(account)
	require.NoError(t, err)

	got, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, account, got)
}

func TestAuthenticator_RejectsExpired(t *testing.T) {
	a, err := NewAuthenticator(testSecret, "perpvault", time.Minute)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	token, err := a.Issue(uuid.New())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(token)
	assert.Error(t, err)
}

func TestAuthenticator_RejectsOtherIssuerAndKey(t *testing.T) {
	a, _ := NewAuthenticator(testSecret, "perpvault", time.Hour)
	other, _ := NewAuthenticator(testSecret, "someone-else", time.Hour)
	wrongKey, _ := NewAuthenticator("fedcba9876543210fedcba9876543210", "perpvault", time.Hour)

	token, err := other.Issue(uuid.New())
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.Error(t, err, "issuer must match")

	token, err = wrongKey.Issue(uuid.New())
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.Error(t, err, "signature must match")
}

func TestAuthenticator_Middleware(t *testing.T) {
	a, _ := NewAuthenticator(testSecret, "perpvault", time.Hour)
	account := uuid.New()
	token, _ := a.Issue(account)

	var seen uuid.UUID
	var anonymous bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		seen, anonymous = caller, !ok
	})
	var failed int
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		failed++
		w.WriteHeader(http.StatusUnauthorized)
	})(next)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, account, seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.True(t, anonymous)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, 2, failed)
}

func TestRateLimiter_PerKey(t *testing.T) {
	l := NewRateLimiter(0.001, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "buckets are per key")
}
