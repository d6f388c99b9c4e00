package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/batchflow/analytics"
	"github.com/BaSui01/batchflow/api"
	"github.com/BaSui01/batchflow/batch"
	"github.com/BaSui01/batchflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 批处理接口 Handler
// =============================================================================

var allowedMethods = map[string]bool{
	types.MethodGet:    true,
	types.MethodPost:   true,
	types.MethodPut:    true,
	types.MethodPatch:  true,
	types.MethodDelete: true,
}

// BatchHandler 把批处理引擎暴露为 HTTP 接口
type BatchHandler struct {
	manager   *batch.Manager
	analytics *analytics.Analytics
	timeout   time.Duration
	logger    *zap.Logger
}

// NewBatchHandler 创建批处理处理器。timeout 限制单个请求等待结果的时间，0 表示只受客户端连接约束
func NewBatchHandler(manager *batch.Manager, a *analytics.Analytics, timeout time.Duration, logger *zap.Logger) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchHandler{
		manager:   manager,
		analytics: a,
		timeout:   timeout,
		logger:    logger.With(zap.String("handler", "batch")),
	}
}

// Register 注册全部批处理路由
func (h *BatchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/fetch", h.HandleFetch)
	mux.HandleFunc("/v1/batch/stats", h.HandleStats)
	mux.HandleFunc("/v1/batch/report", h.HandleReport)
	mux.HandleFunc("/v1/batch/flush", h.HandleFlush)
	mux.HandleFunc("/v1/batch/clear", h.HandleClear)
	mux.HandleFunc("/v1/batch/reset", h.HandleReset)
}

// HandleFetch 提交一个逻辑请求并等待其结果
// @Summary 提交请求
// @Description 请求进入当前窗口，相同指纹的请求共享一次上游调用
// @Tags 批处理
// @Accept json
// @Produce json
// @Param request body api.FetchRequest true "请求"
// @Success 200 {object} api.FetchResponse "结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "上游失败"
// @Router /v1/fetch [post]
func (h *BatchHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) || !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.FetchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	method, priority, err := h.validateFetch(&req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var data any
	if len(req.Data) > 0 && string(req.Data) != "null" {
		data = req.Data
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	var future *batch.Future
	if req.Immediate {
		future = h.manager.Immediate(ctx, req.Endpoint, method, data)
	} else {
		future = h.manager.Add(ctx, req.Endpoint, method, data, priority)
	}

	result, awaitErr := future.Await(ctx)
	if awaitErr != nil {
		apiErr := ToError(awaitErr)
		if ctx.Err() != nil && !future.Settled() {
			WriteErrorMessage(w, http.StatusGatewayTimeout, apiErr.Code, apiErr.Message, h.logger)
			return
		}
		WriteError(w, apiErr, h.logger)
		return
	}

	WriteSuccess(w, api.FetchResponse{ID: future.ID(), Data: json.RawMessage(result)})
}

func (h *BatchHandler) validateFetch(req *api.FetchRequest) (string, types.Priority, *types.Error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return "", 0, types.NewError(types.ErrInvalidRequest, "endpoint is required")
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = types.MethodGet
	}
	if !allowedMethods[method] {
		return "", 0, types.Errorf(types.ErrInvalidRequest, "unsupported method %q", req.Method)
	}

	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		return "", 0, types.Errorf(types.ErrInvalidRequest, "unknown priority %q", req.Priority)
	}
	return method, priority, nil
}

// HandleStats 返回引擎统计
// @Summary 统计
// @Tags 批处理
// @Produce json
// @Success 200 {object} api.StatsResponse "统计"
// @Router /v1/batch/stats [get]
func (h *BatchHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, h.stats())
}

// HandleReport 返回效率报告
// @Summary 效率报告
// @Tags 批处理
// @Produce json
// @Success 200 {object} analytics.Report "报告"
// @Router /v1/batch/report [get]
func (h *BatchHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, h.analytics.Report())
}

// HandleFlush 立即发送当前窗口并等待结算
// @Summary 刷新窗口
// @Tags 批处理
// @Produce json
// @Success 200 {object} api.StatsResponse "刷新后的统计"
// @Router /v1/batch/flush [post]
func (h *BatchHandler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if err := h.manager.Flush(r.Context()); err != nil {
		WriteErrorMessage(w, http.StatusGatewayTimeout, types.ErrTransport, "flush did not complete", h.logger)
		return
	}
	WriteSuccess(w, h.stats())
}

// HandleClear 以 CLIENT_QUEUE 拒绝全部排队与进行中的请求
// @Summary 清空队列
// @Tags 批处理
// @Produce json
// @Success 200 {object} api.StatsResponse "清空后的统计"
// @Router /v1/batch/clear [post]
func (h *BatchHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	h.manager.Clear()
	h.logger.Info("queue cleared via API")
	WriteSuccess(w, h.stats())
}

// HandleReset 清零统计与分析历史
// @Summary 重置统计
// @Tags 批处理
// @Produce json
// @Success 200 {object} api.StatsResponse "重置后的统计"
// @Router /v1/batch/reset [post]
func (h *BatchHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	h.analytics.Reset()
	WriteSuccess(w, h.stats())
}

func (h *BatchHandler) stats() api.StatsResponse {
	return api.StatsResponse{
		Batch:     h.manager.Stats(),
		Dedup:     h.manager.DedupStats(),
		Scheduler: h.manager.SchedulerStats(),
	}
}
