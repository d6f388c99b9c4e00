// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/batch"
	"github.com/BaSui01/batchflow/types"
)

var _ batch.Recorder = (*Collector)(nil)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 批处理指标
	batchesTotal          prometheus.Counter
	batchSize             prometheus.Histogram
	requestsTotal         prometheus.Counter
	requestsDeduplicated  prometheus.Counter
	networkCallsTotal     prometheus.Counter
	fallbackTotal         prometheus.Counter
	fallbackRequestsTotal prometheus.Counter
	batchFailuresTotal    *prometheus.CounterVec
	batchDuration         prometheus.Histogram
	pendingRequests       prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 批处理指标
	c.batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Total number of settled batches",
	})

	c.batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_size",
		Help:      "Unique requests sent per batch",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
	})

	c.requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of logical requests settled",
	})

	c.requestsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_deduplicated_total",
		Help:      "Requests merged into an existing fingerprint",
	})

	c.networkCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "network_calls_total",
		Help:      "Network round trips issued by the engine",
	})

	c.fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_total",
		Help:      "Batches that fell back to individual requests",
	})

	c.fallbackRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_requests_total",
		Help:      "Individual requests issued by the fallback path",
	})

	c.batchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Batches rejected as a whole, by error code",
		},
		[]string{"code"},
	)

	c.batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Batch execution duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	c.pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Requests waiting in the current window",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📦 批处理指标记录（batch.Recorder）
// =============================================================================

// RecordBatch 记录一个结算完成的批次
func (c *Collector) RecordBatch(unique, waiters int, duration time.Duration) {
	c.batchesTotal.Inc()
	c.batchSize.Observe(float64(unique))
	c.requestsTotal.Add(float64(waiters))
	c.batchDuration.Observe(duration.Seconds())
}

// RecordBatchFailure 记录整批失败
func (c *Collector) RecordBatchFailure(code types.ErrorCode, waiters int) {
	label := string(code)
	if label == "" {
		label = "UNKNOWN"
	}
	c.batchFailuresTotal.WithLabelValues(label).Inc()
	c.requestsTotal.Add(float64(waiters))
}

// RecordDeduplicated 记录一次去重合并
func (c *Collector) RecordDeduplicated() {
	c.requestsDeduplicated.Inc()
}

// RecordFallback 记录一次回退
func (c *Collector) RecordFallback(requests int) {
	c.fallbackTotal.Inc()
	c.fallbackRequestsTotal.Add(float64(requests))
}

// RecordNetworkCalls 记录网络调用次数
func (c *Collector) RecordNetworkCalls(n int) {
	c.networkCallsTotal.Add(float64(n))
}

// SetPending 设置当前排队数
func (c *Collector) SetPending(n int) {
	c.pendingRequests.Set(float64(n))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
