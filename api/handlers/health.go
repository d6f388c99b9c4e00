package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/batch"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// 健康状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readyTimeout 单次就绪检查的总时限
const readyTimeout = 5 * time.Second

// EngineProbe 健康接口读取的引擎状态，*batch.Manager 满足该接口
type EngineProbe interface {
	Closed() bool
	Stats() batch.Stats
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger *zap.Logger
	engine EngineProbe

	mu     sync.RWMutex
	checks []HealthCheck
}

// EngineStatus 引擎运行状态摘要
type EngineStatus struct {
	Closed          bool  `json:"closed"`
	PendingRequests int   `json:"pending_requests"`
	TotalBatches    int64 `json:"total_batches"`
	FailedBatches   int64 `json:"failed_batches"`
	FallbackBatches int64 `json:"fallback_batches"`
}

// ServiceHealthResponse 健康状态响应
type ServiceHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Engine    *EngineStatus          `json:"engine,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // "pass", "warn", "fail"
	Message  string `json:"message,omitempty"`
	Advisory bool   `json:"advisory,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。engine 可为 nil，此时不输出引擎摘要。
func NewHealthHandler(engine EngineProbe, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger.With(zap.String("handler", "health")),
		engine: engine,
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Register 注册健康相关路由
func (h *HealthHandler) Register(mux *http.ServeMux, version, buildTime, gitCommit string) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/ready", h.HandleReady)
	mux.HandleFunc("/readyz", h.HandleReady)
	mux.HandleFunc("/version", h.HandleVersion(version, buildTime, gitCommit))
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求，附带引擎摘要
// @Summary 健康检查
// @Description 进程存活并返回批处理引擎的运行摘要
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "服务正常"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := ServiceHealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Engine:    h.engineStatus(),
	}
	if status.Engine != nil && status.Engine.Closed {
		status.Status = StatusDegraded
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 活跃度探针，不读取引擎状态）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 或 /readyz 请求。
// 关键检查失败返回 503；只有建议性检查失败时返回 200 与 degraded。
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "可以接收流量"
// @Failure 503 {object} ServiceHealthResponse "引擎不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := ServiceHealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Engine:    h.engineStatus(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	for _, check := range checks {
		result := runCheck(ctx, check)
		status.Checks[check.Name()] = result

		switch result.Status {
		case "fail":
			status.Status = StatusUnhealthy
		case "warn":
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		default:
			continue
		}
		h.logger.Warn("readiness check failed",
			zap.String("check", check.Name()),
			zap.Bool("advisory", result.Advisory),
			zap.String("message", result.Message),
		)
	}

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

func (h *HealthHandler) engineStatus() *EngineStatus {
	if h.engine == nil {
		return nil
	}
	s := h.engine.Stats()
	return &EngineStatus{
		Closed:          h.engine.Closed(),
		PendingRequests: s.PendingRequests,
		TotalBatches:    s.TotalBatches,
		FailedBatches:   s.FailedBatches,
		FallbackBatches: s.FallbackBatches,
	}
}

func runCheck(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	result := CheckResult{Status: "pass", Latency: time.Since(start).String()}
	if err == nil {
		return result
	}

	result.Message = err.Error()
	if a, ok := check.(interface{ Advisory() bool }); ok && a.Advisory() {
		result.Status = "warn"
		result.Advisory = true
	} else {
		result.Status = "fail"
	}
	return result
}

// =============================================================================
// 🔧 引擎检查
// =============================================================================

// CheckFunc 用函数实现 HealthCheck
type CheckFunc struct {
	name     string
	advisory bool
	check    func(ctx context.Context) error
}

// NewCheck 创建关键检查，失败时就绪接口返回 503
func NewCheck(name string, check func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, check: check}
}

// NewAdvisoryCheck 创建建议性检查，失败只把状态降为 degraded
func NewAdvisoryCheck(name string, check func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, advisory: true, check: check}
}

func (c *CheckFunc) Name() string                    { return c.name }
func (c *CheckFunc) Advisory() bool                  { return c.advisory }
func (c *CheckFunc) Check(ctx context.Context) error { return c.check(ctx) }

// errManagerClosed 引擎已关闭，不再接受请求
var errManagerClosed = errors.New("batch manager is closed")

// NewManagerCheck 引擎关闭后就绪检查失败
func NewManagerCheck(m interface{ Closed() bool }) *CheckFunc {
	return NewCheck("batch_manager", func(context.Context) error {
		if m.Closed() {
			return errManagerClosed
		}
		return nil
	})
}

// NewBacklogCheck 排队的等待方超过 limit 时报告 degraded
func NewBacklogCheck(m interface{ PendingCount() int }, limit int) *CheckFunc {
	return NewAdvisoryCheck("batch_backlog", func(context.Context) error {
		if n := m.PendingCount(); limit > 0 && n > limit {
			return fmt.Errorf("%d requests pending, limit %d", n, limit)
		}
		return nil
	})
}

// NewFailureRateCheck 累计至少 minBatches 个批次后，失败批次占比超过 maxRate 时报告 degraded
func NewFailureRateCheck(m interface{ Stats() batch.Stats }, maxRate float64, minBatches int64) *CheckFunc {
	return NewAdvisoryCheck("batch_failures", func(context.Context) error {
		s := m.Stats()
		if s.TotalBatches < minBatches || s.TotalBatches == 0 {
			return nil
		}
		if rate := float64(s.FailedBatches) / float64(s.TotalBatches); rate > maxRate {
			return fmt.Errorf("%.0f%% of %d batches failed", rate*100, s.TotalBatches)
		}
		return nil
	})
}
