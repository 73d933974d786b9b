package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/homegate/internal/auth"
	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/metrics"
)

func authEnabled(d *Deps) {
	d.Security = config.SecurityConfig{
		AuthEnabled: true,
		JWT:         config.JWTConfig{Secret: testSecret},
	}
}

func bearer(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.IssueToken("tester", role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func TestAuth_Permissions(t *testing.T) {
	env := testServer(t, nil, authEnabled)
	env.seed(t)

	foreign, err := auth.IssueToken("tester", auth.RoleAdmin, "another-secret-of-sufficient-length!", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		auth   string
		status int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", nil, "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/devices", nil, "", http.StatusUnauthorized},
		{"malformed header", http.MethodGet, "/api/v1/devices", nil, "Token abc", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/api/v1/devices", nil, "Bearer " + foreign, http.StatusUnauthorized},
		{"reader lists", http.MethodGet, "/api/v1/devices", nil, bearer(t, auth.RoleReader), http.StatusOK},
		{"reader cannot command", http.MethodPost, "/api/v1/devices/1/command", `{"text":"on"}`,
			bearer(t, auth.RoleReader), http.StatusForbidden},
		{"operator commands", http.MethodPost, "/api/v1/devices/1/command", `{"text":"on"}`,
			bearer(t, auth.RoleOperator), http.StatusOK},
		{"operator cannot register", http.MethodPost, "/api/v1/actionners", RegisterActionnerRequest{Protocol: "zwave"},
			bearer(t, auth.RoleOperator), http.StatusForbidden},
		{"operator cannot read audit", http.MethodGet, "/api/v1/audit", nil,
			bearer(t, auth.RoleOperator), http.StatusForbidden},
		{"admin registers", http.MethodPost, "/api/v1/actionners", RegisterActionnerRequest{Protocol: "zwave"},
			bearer(t, auth.RoleAdmin), http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr []string
			if tt.auth != "" {
				hdr = []string{"Authorization", tt.auth}
			}
			w := env.do(t, tt.method, tt.path, tt.body, hdr...)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	env := testServer(t, nil, authEnabled)
	past := time.Now().Add(-time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "homegate",
			Subject:   "tester",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
		Role: auth.RoleAdmin,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	w := env.do(t, http.MethodGet, "/api/v1/devices", nil, "Authorization", "Bearer "+token)
	wantError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
	if !strings.Contains(w.Body.String(), "expired") {
		t.Errorf("body = %s, want an expiry message", w.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		upgrade bool
		want    string
	}{
		{"header", "Bearer abc", "", false, "abc"},
		{"lowercase scheme", "bearer abc", "", false, "abc"},
		{"other scheme", "Basic abc", "", false, ""},
		{"query ignored for plain requests", "", "abc", false, ""},
		{"query on upgrade", "", "abc", true, "abc"},
		{"header wins on upgrade", "Bearer h", "q", true, "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/ws?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				r.Header.Set("Connection", "Upgrade")
				r.Header.Set("Upgrade", "websocket")
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	env := testServer(t, nil, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	})

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodGet, "/api/v1/protocols", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodGet, "/api/v1/protocols", nil)
	wantError(t, w, http.StatusTooManyRequests, ErrCodeRateLimited)
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestClientLimiters_Sweep(t *testing.T) {
	l := newClientLimiters(60, 1)
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	if !l.allow("10.0.0.3") {
		t.Error("first request from a new client was refused")
	}
	if l.allow("10.0.0.3") {
		t.Error("second request within the burst window was allowed")
	}

	l.sweep(time.Now().Add(time.Minute))
	if got := l.len(); got != 0 {
		t.Errorf("len() after sweep = %d, want 0", got)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	if got := clientKey(r); got != "192.0.2.7" {
		t.Errorf("clientKey() = %q", got)
	}
	r.RemoteAddr = "pipe"
	if got := clientKey(r); got != "pipe" {
		t.Errorf("clientKey() = %q", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New()
	env := testServer(t, nil, func(d *Deps) { d.Metrics = m })
	env.seed(t)

	env.do(t, http.MethodGet, "/api/v1/devices/1", nil)
	env.do(t, http.MethodGet, "/api/v1/devices/7", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`homegate_http_requests_total{method="GET",route="/api/v1/devices/{id}",status="200"} 1`,
		`homegate_http_requests_total{method="GET",route="/api/v1/devices/{id}",status="404"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestCORS(t *testing.T) {
	env := testServer(t, nil, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://panel.local"}
	})

	w := env.do(t, http.MethodOptions, "/api/v1/devices", nil, "Origin", "http://panel.local")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("allowed origin header = %q", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices", nil, "Origin", "http://evil.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := testServer(t, nil, nil)
	h := env.srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	wantError(t, w, http.StatusInternalServerError, ErrCodeInternal)
}

func TestRequestID(t *testing.T) {
	env := testServer(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", nil, "X-Request-ID", "req-123")
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("echoed request id = %q", got)
	}
	w = env.do(t, http.MethodGet, "/api/v1/health", nil)
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated request id = %q, want a uuid", got)
	}
}

func TestWriteFault(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fault.New("x: missing", fault.ErrNotFound), http.StatusNotFound, "not_found"},
		{fault.New("x: dup", fault.ErrAlreadyExists), http.StatusConflict, "already_exists"},
		{fault.New("x: bad", fault.ErrInvalidArgument), http.StatusBadRequest, "invalid_argument"},
		{fault.New("x: down", fault.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{fault.New("x: full", fault.ErrResourceExhausted), http.StatusInsufficientStorage, "resource_exhausted"},
		{context.Canceled, StatusClientClosedRequest, "cancelled"},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeFault(w, tt.err)
			wantError(t, w, tt.status, tt.code)
			if tt.status == http.StatusInternalServerError && strings.Contains(w.Body.String(), "fire") {
				t.Error("internal error detail leaked into the response")
			}
		})
	}
}
