package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-32-bytes-long-xxxxx"

func makeToken(key string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(key))
	return signed
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewHS256Validator_RequiresSecret(t *testing.T) {
	_, err := NewHS256Validator("")
	require.Error(t, err)
}

func TestHS256Validator_Validate(t *testing.T) {
	v, err := NewHS256Validator(secret)
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name       string
		token      string
		wantErr    bool
		wantSub    string
		wantAud    []string
		wantScopes []string
	}{
		{
			name: "all claims",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "auditor", "iss": "ops", "aud": "duck-audit",
				"scope": "records:read policy:reload", "exp": exp,
			}),
			wantSub:    "auditor",
			wantAud:    []string{"duck-audit"},
			wantScopes: []string{"records:read", "policy:reload"},
		},
		{
			name:    "audience list",
			token:   makeToken(secret, jwt.MapClaims{"sub": "a", "aud": []string{"x", "y"}, "exp": exp}),
			wantSub: "a",
			wantAud: []string{"x", "y"},
		},
		{
			name:    "wrong secret",
			token:   makeToken("other-secret", jwt.MapClaims{"sub": "a", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   makeToken(secret, jwt.MapClaims{"sub": "a", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "no subject",
			token:   makeToken(secret, jwt.MapClaims{"exp": exp}),
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not-a-jwt",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Validate(context.Background(), tt.token)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
			assert.Equal(t, tt.wantAud, claims.Audience)
			assert.Equal(t, tt.wantScopes, claims.Scopes)
		})
	}
}

func TestHS256Validator_RejectsOtherAlgorithms(t *testing.T) {
	v, err := NewHS256Validator(secret)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "a"})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	require.Error(t, err)
}

func TestJWTClaims_HasScope(t *testing.T) {
	assert.True(t, (&JWTClaims{}).HasScope("records:read"))
	c := &JWTClaims{Scopes: []string{"records:read"}}
	assert.True(t, c.HasScope("records:read"))
	assert.False(t, c.HasScope("policy:reload"))
}

func TestBearerAuth(t *testing.T) {
	v, err := NewHS256Validator(secret)
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).Unix()

	var principal string
	handler := BearerAuth(v, "policy:reload")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic YTpi", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"missing scope", "Bearer " + makeToken(secret, jwt.MapClaims{"sub": "viewer", "scope": "records:read", "exp": exp}), http.StatusForbidden},
		{"ok", "Bearer " + makeToken(secret, jwt.MapClaims{"sub": "admin", "scope": "policy:reload", "exp": exp}), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want >= 400 {
				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.InDelta(t, float64(tt.want), body["code"], 0.001)
			}
		})
	}
	assert.Equal(t, "admin", principal)
}

func TestBearerAuth_NoValidatorRejects(t *testing.T) {
	handler := BearerAuth(nil, "")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(secret, jwt.MapClaims{"sub": "admin"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 1, Burst: 2})(okHandler())

	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimiter_PerClientIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 1, Burst: 1})(okHandler())

	serve := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, serve("10.0.0.1:5678"))
	assert.Equal(t, http.StatusOK, serve("10.0.0.2:1234"))
}

func TestClientIP_IgnoresForwardedFor(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"ipv4", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ipv6", "[::1]:12345", "", "::1"},
		{"no port", "192.168.1.1", "", "192.168.1.1"},
		{"forwarded header", "10.0.0.1:1234", "203.0.113.50", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		headerID string
		wantNew  bool
	}{
		{"absent", "", true},
		{"valid", "abc-123_DEF.4", false},
		{"newline", "fake-id\nINJECTED", true},
		{"spaces", "a b", true},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.headerID != "" {
				req.Header.Set("X-Request-ID", tt.headerID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.NotEmpty(t, captured)
			assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
			if tt.wantNew {
				assert.NotEqual(t, tt.headerID, captured)
			} else {
				assert.Equal(t, tt.headerID, captured)
			}
		})
	}
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	req.Header.Set("X-Request-ID", "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `msg="admin request"`)
	assert.Contains(t, out, "path=/v1/records")
	assert.Contains(t, out, "status=418")
	assert.Contains(t, out, "request_id=req-1")
}
