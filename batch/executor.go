package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/batchflow/dedup"
	"github.com/BaSui01/batchflow/internal/tlsutil"
	"github.com/BaSui01/batchflow/types"
)

// maxResponseBytes 单个响应体读取上限
const maxResponseBytes = 10 << 20

// Executor 执行一组去重后的请求。返回的每个响应 ID 必须对应某个请求 ID；
// 缺失的 ID 在分发时按该指纹失败处理。
type Executor interface {
	Execute(ctx context.Context, requests []types.BatchRequest) ([]types.BatchResponse, error)
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, requests []types.BatchRequest) ([]types.BatchResponse, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, requests []types.BatchRequest) ([]types.BatchResponse, error) {
	return f(ctx, requests)
}

// =============================================================================
// 🌐 HTTP 执行器
// =============================================================================

// HTTPExecutor 默认网络执行器：批量 POST，失败时可逐个请求回退
type HTTPExecutor struct {
	client        *http.Client
	baseURL       string
	batchEndpoint string
	limiter       *rate.Limiter
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewHTTPExecutor 根据配置创建执行器
func NewHTTPExecutor(cfg Config, client *http.Client, logger *zap.Logger, tracer trace.Tracer) *HTTPExecutor {
	if client == nil {
		client = tlsutil.UpstreamClient(cfg.HTTPTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	limit := rate.Inf
	burst := cfg.FallbackBurst
	if cfg.FallbackRPS > 0 {
		limit = rate.Limit(cfg.FallbackRPS)
	}
	if burst < 1 {
		burst = 1
	}

	return &HTTPExecutor{
		client:        client,
		baseURL:       cfg.BaseURL,
		batchEndpoint: cfg.BatchEndpoint,
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger.With(zap.String("component", "http_executor")),
		tracer:        tracer,
	}
}

// ExecuteBatch POST {requests} 到批量接口并期望 {responses}
func (e *HTTPExecutor) ExecuteBatch(ctx context.Context, requests []types.BatchRequest) ([]types.BatchResponse, error) {
	ctx, span := e.tracer.Start(ctx, "batchflow.http.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("batch.requests", len(requests))),
	)
	defer span.End()

	responses, err := e.postBatch(ctx, requests)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return responses, nil
}

func (e *HTTPExecutor) postBatch(ctx context.Context, requests []types.BatchRequest) ([]types.BatchResponse, error) {
	body, err := json.Marshal(types.BatchEnvelope{Requests: requests})
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode batch").WithCause(err)
	}

	target := e.resolve(e.batchEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, "invalid batch endpoint").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "batch request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "failed to read batch response").WithCause(err).WithRetryable(true)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.Errorf(types.ErrServer, "batch endpoint returned HTTP %d", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500)
	}

	var envelope types.ResponseEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, types.NewError(types.ErrServer, "invalid batch response body").WithCause(err)
	}
	return envelope.Responses, nil
}

// ExecuteIndividually 逐个、顺序地执行请求，每个请求命中自身的 endpoint。
// 单个失败只体现在对应响应的 success:false 上。
func (e *HTTPExecutor) ExecuteIndividually(ctx context.Context, requests []types.BatchRequest) []types.BatchResponse {
	ctx, span := e.tracer.Start(ctx, "batchflow.http.fallback",
		trace.WithAttributes(attribute.Int("batch.requests", len(requests))),
	)
	defer span.End()

	responses := make([]types.BatchResponse, 0, len(requests))
	failed := 0
	for _, req := range requests {
		resp := e.executeOne(ctx, req)
		if !resp.Success {
			failed++
		}
		responses = append(responses, resp)
	}

	span.SetAttributes(attribute.Int("batch.failed", failed))
	e.logger.Debug("fallback executed",
		zap.Int("requests", len(requests)),
		zap.Int("failed", failed),
	)
	return responses
}

func (e *HTTPExecutor) executeOne(ctx context.Context, req types.BatchRequest) types.BatchResponse {
	fail := func(format string, args ...any) types.BatchResponse {
		return types.BatchResponse{ID: req.ID, Success: false, Error: fmt.Sprintf(format, args...)}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return fail("fallback aborted: %v", err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := e.resolve(req.Endpoint)

	var body io.Reader
	switch method {
	case http.MethodGet:
		query, err := encodeQuery(req.Data)
		if err != nil {
			return fail("invalid query params: %v", err)
		}
		if query != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + query
		}
	case http.MethodDelete:
		// DELETE 既不带请求体也不带查询参数
	default:
		if req.Data != nil {
			payload, err := json.Marshal(req.Data)
			if err != nil {
				return fail("invalid request body: %v", err)
			}
			body = bytes.NewReader(payload)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fail("invalid request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail("failed to read response: %v", err)
	}

	e.logger.Debug("fallback request done",
		zap.String("id", req.ID),
		zap.String("method", method),
		zap.String("endpoint", req.Endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return types.BatchResponse{ID: req.ID, Success: true, Data: asJSON(payload)}
}

func (e *HTTPExecutor) resolve(endpoint string) string {
	if e.baseURL == "" || strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(e.baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// asJSON 非 JSON 响应体按字符串包装
func asJSON(payload []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

// encodeQuery 把参数编码为查询串。标量直接格式化，数组展开为重复键，
// 嵌套对象以 JSON 文本传递。
func encodeQuery(data any) (string, error) {
	if data == nil {
		return "", nil
	}

	canonical, err := dedup.Canonicalize(data)
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", err
	}

	obj, ok := generic.(map[string]any)
	if !ok {
		if generic == nil {
			return "", nil
		}
		return "", fmt.Errorf("GET params must be an object, got %T", generic)
	}

	values := url.Values{}
	for key, value := range obj {
		switch v := value.(type) {
		case nil:
		case []any:
			for _, item := range v {
				values.Add(key, queryScalar(item))
			}
		default:
			values.Set(key, queryScalar(v))
		}
	}
	return values.Encode(), nil
}

func queryScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}
