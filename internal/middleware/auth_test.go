package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/auth"
)

func newAuthenticator(t *testing.T, enabled bool) *auth.Authenticator {
	t.Helper()
	cfg := auth.DefaultConfig()
	cfg.Enabled = enabled
	cfg.Password = "hunter2"
	cfg.JWTSecret = "test-secret"
	a, err := auth.NewAuthenticator(cfg)
	require.NoError(t, err)
	return a
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	if claims := GetUserFromContext(r.Context()); claims != nil {
		w.Write([]byte(claims.Username))
		return
	}
	w.Write([]byte("anonymous"))
}

func TestAuthMiddleware(t *testing.T) {
	a := newAuthenticator(t, true)
	token, _, err := a.Authenticate("admin", "hunter2")
	require.NoError(t, err)

	h := AuthMiddleware(a, "/healthz")(http.HandlerFunc(echoUser))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
		body   string
	}{
		{name: "no header", path: "/api/v1/streams", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/api/v1/streams", header: map[string]string{"Authorization": "Basic abc"}, want: http.StatusUnauthorized},
		{name: "bad token", path: "/api/v1/streams", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "valid", path: "/api/v1/streams", header: map[string]string{"Authorization": "Bearer " + token}, want: http.StatusOK, body: "admin"},
		{name: "public path", path: "/healthz", want: http.StatusOK, body: "anonymous"},
		{name: "websocket query token", path: "/ws/streams/cam-1?token=" + token, header: map[string]string{"Upgrade": "websocket"}, want: http.StatusOK, body: "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h := AuthMiddleware(newAuthenticator(t, false))(http.HandlerFunc(echoUser))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := RequireAuth(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
