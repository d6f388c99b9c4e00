package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/types"
)

// 服务端组件注册全局 Prometheus 指标，整个包只构建一次 Server
func TestServer_EndToEnd(t *testing.T) {
	var batches atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env types.BatchEnvelope
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&env)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		batches.Add(1)
		out := types.ResponseEnvelope{}
		for _, req := range env.Requests {
			data, _ := json.Marshal(map[string]any{"endpoint": req.Endpoint})
			out.Responses = append(out.Responses, types.BatchResponse{ID: req.ID, Success: true, Data: data})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(upstream.Close)

	cfg := config.DefaultConfig()
	cfg.Batch.BaseURL = upstream.URL
	cfg.Batch.DefaultWindow = 30 * time.Millisecond
	cfg.Batch.MaxWindow = 100 * time.Millisecond
	cfg.Server.APIKeys = []string{"secret"}
	cfg.Server.MetricsPort = 0
	require.NoError(t, cfg.Validate())

	srv, err := NewServer(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.manager.Close(context.Background()) })
	h := srv.Handler()

	// /v1/fetch 不需要 API Key；同一窗口内的重复请求合并为一次上游调用
	const callers = 4
	var wg sync.WaitGroup
	codes := make([]int, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodPost, "/v1/fetch", strings.NewReader(`{"endpoint":"/users","data":{"id":1}}`))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			codes[i] = w.Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	stats := srv.manager.Stats()
	assert.Equal(t, int64(callers), stats.TotalRequests)
	assert.Equal(t, int64(stats.NetworkCalls), int64(batches.Load()))

	// 管理接口需要 API Key
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batch/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/v1/batch/stats", nil)
	r.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, srv.manager.Close(context.Background()))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "closed engine is not ready")
}
