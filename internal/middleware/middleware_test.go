package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/zerocode-chat/backend/internal/service/auth"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/profile"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORSWildcard(t *testing.T) {
	h := CORS([]string{"*"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/chats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Profile-ID")
}

func TestCORSAllowList(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/boom", fields["path"])
	assert.EqualValues(t, http.StatusInternalServerError, fields["status"])
}

func newRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	r := profile.NewRegistry(profile.Options{
		Backend:      storage.NewMemory(),
		Hasher:       auth.NewPasswordHasher(auth.HashParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}),
		Tokens:       auth.NewTokenIssuer("secret"),
		SeedProfiles: []string{profile.DefaultID},
		Logger:       zap.NewNop(),
	})
	t.Cleanup(r.Close)
	require.NoError(t, r.SeedDemoAccounts(context.Background()))
	return r
}

func TestProfileResolution(t *testing.T) {
	registry := newRegistry(t)

	var got string
	h := Profile(registry)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := ProfileFrom(r.Context())
		require.True(t, ok)
		got = p.ID
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, profile.DefaultID, got)

	req := httptest.NewRequest(http.MethodGet, "/?profile=from-query", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "from-query", got)

	req = httptest.NewRequest(http.MethodGet, "/?profile=from-query", nil)
	req.Header.Set(ProfileHeader, "from-header")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "from-header", got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ProfileHeader, "a b")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticate(t *testing.T) {
	registry := newRegistry(t)
	p, err := registry.Get(context.Background(), "")
	require.NoError(t, err)

	session, err := p.Sessions.Login(context.Background(), "demo@zerocode.com", "demo123")
	require.NoError(t, err)

	h := Profile(registry)(Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		require.True(t, ok)
		assert.Equal(t, "demo@zerocode.com", user.Email)
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 伪造的 token 被拒绝，但不影响已登录的会话
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/?token="+session.Token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 被新登录替换的旧 token 会结束会话
	_, err = p.Sessions.Login(context.Background(), "demo@zerocode.com", "demo123")
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/?token="+session.Token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, ok := p.Sessions.CurrentUser(context.Background())
	assert.False(t, ok)
}
