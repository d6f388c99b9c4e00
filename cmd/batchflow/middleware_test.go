package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func okInner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okInner()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	h := Chain(inner, SecurityHeaders(), RequestID())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	assert.Contains(t, seen, "req-")

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "client-42")
	w = serve(h, r)
	assert.Equal(t, "client-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "client-42", seen)
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := serve(Recovery(zap.NewNop())(panicky), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"INTERNAL"`)
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"secret"}, []string{"/health"}, zap.NewNop())(okInner())

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"skip path", "/health", "", http.StatusOK},
		{"missing key", "/v1/batch/stats", "", http.StatusUnauthorized},
		{"wrong key", "/v1/batch/stats", "nope", http.StatusUnauthorized},
		{"valid key", "/v1/batch/stats", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			w := serve(h, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), `"UNAUTHORIZED"`)
			}
		})
	}
}

func TestAPIKeyAuth_NoKeysConfigured(t *testing.T) {
	h := APIKeyAuth(nil, nil, zap.NewNop())(okInner())
	w := serve(h, httptest.NewRequest(http.MethodPost, "/v1/batch/clear", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	h := RateLimiter(1, 2)(okInner())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		statuses = append(statuses, serve(h, r).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)

	// 其他 IP 有独立的配额
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:5000"
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	h := RateLimiter(0, 0)(okInner())
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okInner())

	r := httptest.NewRequest(http.MethodGet, "/v1/fetch", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/v1/fetch", nil)
	r.Header.Set("Origin", "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodOptions, "/v1/fetch", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = serve(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// 同源请求不受影响
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/v1/fetch", nil)).Code)
}

func TestOTelTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	serve(OTelTracing(tp)(failing), httptest.NewRequest(http.MethodPost, "/v1/fetch", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /v1/fetch", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/v1/fetch":                    "/v1/fetch",
		"/v1/batch/stats":              "/v1/batch/stats",
		"/v1/batch/123":                "/v1/batch/:id",
		"/v1/batch/0f3c9a2b-1d2e-4f5a": "/v1/batch/:id",
		"/unknown/path":                "/unknown/path",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
