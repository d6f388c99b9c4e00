package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/clock"
	"github.com/BaSui01/batchflow/dedup"
	"github.com/BaSui01/batchflow/scheduler"
	"github.com/BaSui01/batchflow/types"
)

const tracerName = "github.com/BaSui01/batchflow/batch"

// Stats 管理器累计统计，仅 ResetStats 会使其回退
type Stats struct {
	TotalBatches     int64   `json:"total_batches"`
	TotalRequests    int64   `json:"total_requests"`
	RequestsSaved    int64   `json:"requests_saved"`
	AverageBatchSize float64 `json:"average_batch_size"`
	Efficiency       float64 `json:"efficiency"`
	PendingRequests  int     `json:"pending_requests"`
	NetworkCalls     int64   `json:"network_calls"`
	FallbackBatches  int64   `json:"fallback_batches"`
	FailedBatches    int64   `json:"failed_batches"`
}

// pendingRequest 请求及其一次性完成句柄
type pendingRequest struct {
	request types.BatchRequest
	future  *Future
	link    trace.Link
}

// group 共享同一指纹的等待方，request 是实际发出的代表请求
type group struct {
	key     string
	request types.BatchRequest
	waiters []*pendingRequest
}

// execution 一次 executeRequests 的结果
type execution struct {
	responses []types.BatchResponse
	calls     int
	fallback  bool
}

// =============================================================================
// 📦 批处理管理器
// =============================================================================

// Manager 接收单个请求，按指纹分组，由窗口调度器决定何时刷新，
// 执行去重后的请求并把响应分发给每个原始调用方。
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	executor  Executor
	transport *HTTPExecutor
	scheduler *scheduler.WindowScheduler
	dedup     *dedup.Deduplicator
	recorder  Recorder
	tracer    trace.Tracer

	httpClient     *http.Client
	tracerProvider trace.TracerProvider

	// 以下字段受 mu 保护
	mu       sync.Mutex
	pending  map[string]*group
	order    []string
	inflight map[string]*group
	waiting  int
	stats    Stats
	closed   bool

	running sync.WaitGroup
}

// Option configures the Manager
type Option func(*Manager)

// WithExecutor 注入执行器，替代默认的 HTTP 批量接口
func WithExecutor(e Executor) Option {
	return func(m *Manager) {
		m.executor = e
	}
}

// WithLogger 注入日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock 注入时钟（测试使用 clock.Fake）
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithHTTPClient 自定义默认执行器的 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// WithRecorder 注入指标记录器
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithTracerProvider 自定义 TracerProvider，默认使用 otel 全局 Provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracerProvider = tp
	}
}

// NewManager 创建管理器
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		logger:   zap.NewNop(),
		clock:    clock.Real(),
		recorder: nopRecorder{},
		pending:  make(map[string]*group),
		inflight: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.executor == nil && cfg.BatchEndpoint == "" {
		return nil, types.NewError(types.ErrConfiguration, "batch endpoint is required without a custom executor")
	}

	if m.tracerProvider == nil {
		m.tracerProvider = otel.GetTracerProvider()
	}
	m.tracer = m.tracerProvider.Tracer(tracerName)
	m.logger = m.logger.With(zap.String("component", "batch_manager"))
	m.dedup = dedup.New(m.logger)
	m.transport = NewHTTPExecutor(cfg, m.httpClient, m.logger, m.tracer)

	sched, err := scheduler.New(cfg.SchedulerConfig(),
		scheduler.WithClock(m.clock),
		scheduler.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}
	m.scheduler = sched

	m.logger.Info("batch manager initialized",
		zap.Duration("default_window", cfg.DefaultWindow),
		zap.Duration("max_window", cfg.MaxWindow),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Bool("custom_executor", m.executor != nil),
		zap.Bool("fallback_enabled", cfg.FallbackEnabled),
	)

	return m, nil
}

// =============================================================================
// 🎯 公共 API
// =============================================================================

// Add 登记一个逻辑请求，返回在其批次结算时完成的 Future
func (m *Manager) Add(ctx context.Context, endpoint, method string, data any, priority types.Priority) *Future {
	p, key, err := m.prepare(ctx, endpoint, method, data, priority)
	if err != nil {
		return p.future
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.future.reject(types.NewError(types.ErrClosed, "batch manager is closed").WithRequestID(p.request.ID))
		return p.future
	}

	duplicate := m.dedup.Track(key)

	// 同指纹已在途时直接加入，保证每个指纹至多一个在途调用
	if g, ok := m.inflight[key]; ok {
		g.waiters = append(g.waiters, p)
		m.mu.Unlock()
		m.recorder.RecordDeduplicated()
		return p.future
	}

	g, ok := m.pending[key]
	if !ok {
		g = &group{key: key, request: p.request}
		m.pending[key] = g
		m.order = append(m.order, key)
	}
	g.waiters = append(g.waiters, p)
	m.waiting++
	waiting := m.waiting
	m.mu.Unlock()

	if duplicate {
		m.recorder.RecordDeduplicated()
	}
	m.recorder.SetPending(waiting)

	m.scheduler.Schedule(m.dispatch, priority)
	return p.future
}

// Get GET 请求的便捷方法
func (m *Manager) Get(ctx context.Context, endpoint string, params any, priority types.Priority) *Future {
	return m.Add(ctx, endpoint, types.MethodGet, params, priority)
}

// Post POST 请求的便捷方法
func (m *Manager) Post(ctx context.Context, endpoint string, data any, priority types.Priority) *Future {
	return m.Add(ctx, endpoint, types.MethodPost, data, priority)
}

// Immediate 以单元素 urgent 批次立即执行，跳过排队。
// 若同指纹已在排队，则把该组一并提前执行。
func (m *Manager) Immediate(ctx context.Context, endpoint, method string, data any) *Future {
	p, key, err := m.prepare(ctx, endpoint, method, data, types.PriorityUrgent)
	if err != nil {
		return p.future
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.future.reject(types.NewError(types.ErrClosed, "batch manager is closed").WithRequestID(p.request.ID))
		return p.future
	}

	duplicate := m.dedup.Track(key)

	if g, ok := m.inflight[key]; ok {
		g.waiters = append(g.waiters, p)
		m.mu.Unlock()
		m.recorder.RecordDeduplicated()
		return p.future
	}

	g, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
		m.order = removeKey(m.order, key)
		m.waiting -= len(g.waiters)
		// 提前执行的等待方不再占用当前窗口的容量
		m.scheduler.Withdraw(len(g.waiters))
	} else {
		g = &group{key: key, request: p.request}
	}
	g.waiters = append(g.waiters, p)
	m.inflight[key] = g
	m.running.Add(1)
	waiting := m.waiting
	m.mu.Unlock()

	if duplicate {
		m.recorder.RecordDeduplicated()
	}
	m.recorder.SetPending(waiting)

	go func() {
		defer m.running.Done()
		m.executeBatch(context.Background(), []*group{g})
	}()
	return p.future
}

// Flush 立即执行当前窗口内的全部请求，正常返回时该批次的所有等待方都已结算。
// 批次执行不受 ctx 取消影响，ctx 结束只让 Flush 提前返回。
func (m *Manager) Flush(ctx context.Context) error {
	groups := m.takePending()
	// 解除定时器；dispatch 此时拿到的是空集合
	m.scheduler.Flush()
	if len(groups) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer m.running.Done()
		defer close(done)
		m.executeBatch(context.WithoutCancel(ctx), groups)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: flush: %w", ctx.Err())
	}
}

// Clear 以 CLIENT_QUEUE 错误拒绝所有排队与在途的等待方并清空内部状态
func (m *Manager) Clear() {
	m.scheduler.Clear()

	m.mu.Lock()
	var waiters []*pendingRequest
	for _, g := range m.pending {
		waiters = append(waiters, g.waiters...)
		g.waiters = nil
	}
	for _, g := range m.inflight {
		waiters = append(waiters, g.waiters...)
		g.waiters = nil
	}
	m.pending = make(map[string]*group)
	m.inflight = make(map[string]*group)
	m.order = nil
	m.waiting = 0
	m.dedup.ReleaseAll()
	m.mu.Unlock()

	m.recorder.SetPending(0)
	for _, p := range waiters {
		p.future.reject(types.NewError(types.ErrClientQueue, "batch manager cleared").WithRequestID(p.request.ID))
	}

	if len(waiters) > 0 {
		m.logger.Info("pending requests cleared", zap.Int("waiters", len(waiters)))
	}
}

// Close 停止接收新请求，刷新剩余请求并等待所有执行中的批次完成。可重复调用。
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if err := m.Flush(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("batch manager closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: close: %w", ctx.Err())
	}
}

// Closed 是否已关闭
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats 返回累计统计
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.PendingRequests = m.waiting
	return s
}

// PendingCount 当前排队的等待方数量
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// DedupStats 返回去重统计
func (m *Manager) DedupStats() dedup.Stats {
	return m.dedup.Stats()
}

// SchedulerStats 返回调度统计
func (m *Manager) SchedulerStats() scheduler.Stats {
	return m.scheduler.Stats()
}

// ResetStats 清零全部统计
func (m *Manager) ResetStats() {
	m.mu.Lock()
	m.stats = Stats{}
	m.mu.Unlock()

	m.dedup.ResetStats()
	m.scheduler.ResetStats()
}

// Config 返回管理器配置
func (m *Manager) Config() Config {
	return m.cfg
}

// =============================================================================
// 🔧 内部流程
// =============================================================================

// prepare 构造请求与 Future；指纹计算失败时 Future 已被拒绝
func (m *Manager) prepare(ctx context.Context, endpoint, method string, data any, priority types.Priority) (*pendingRequest, string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = types.MethodGet
	}

	req := types.BatchRequest{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Method:    method,
		Data:      data,
		Priority:  priority,
		Timestamp: m.clock.Now(),
	}
	p := &pendingRequest{
		request: req,
		future:  newFuture(req.ID),
		link:    trace.LinkFromContext(ctx),
	}

	key, err := m.dedup.GenerateKey(method+" "+endpoint, data)
	if err != nil {
		p.future.reject(err)
		return p, "", err
	}
	return p, key, nil
}

// dispatch 调度器的刷新回调
func (m *Manager) dispatch() {
	groups := m.takePending()
	if len(groups) == 0 {
		return
	}
	go func() {
		defer m.running.Done()
		m.executeBatch(context.Background(), groups)
	}()
}

// takePending 原子地快照并清空排队表，把各组转入在途表。
// 非空时已为调用方登记一个 running 计数。
func (m *Manager) takePending() []*group {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return nil
	}

	groups := make([]*group, 0, len(m.order))
	for _, key := range m.order {
		g := m.pending[key]
		m.inflight[key] = g
		groups = append(groups, g)
	}
	m.pending = make(map[string]*group)
	m.order = nil
	m.waiting = 0
	m.running.Add(1)

	m.recorder.SetPending(0)
	return groups
}

// executeBatch 执行一组代表请求并把结果分发给全部等待方
func (m *Manager) executeBatch(ctx context.Context, groups []*group) {
	start := m.clock.Now()

	requests := make([]types.BatchRequest, len(groups))
	for i, g := range groups {
		requests[i] = g.request
	}
	links := m.waiterLinks(groups)

	ctx, span := m.tracer.Start(ctx, "batchflow.execute_batch",
		trace.WithLinks(links...),
		trace.WithAttributes(attribute.Int("batch.unique_requests", len(requests))),
	)
	defer span.End()

	exec, err := m.executeRequests(ctx, requests)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		total, unique := 0, 0
		for _, g := range groups {
			waiters := m.release(g)
			if len(waiters) > 0 {
				unique++
			}
			total += len(waiters)
			for _, p := range waiters {
				p.future.reject(err)
			}
		}

		code := types.GetErrorCode(err)
		m.recorder.RecordBatchFailure(code, total)
		m.logger.Error("batch execution failed",
			zap.Int("unique_requests", len(requests)),
			zap.Int("waiters", total),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		m.updateStats(unique, total, exec, true)
		return
	}

	byID := make(map[string]types.BatchResponse, len(exec.responses))
	for _, resp := range exec.responses {
		byID[resp.ID] = resp
	}

	total, unique, failed := 0, 0, 0
	for _, g := range groups {
		resp, ok := byID[g.request.ID]
		waiters := m.release(g)
		if len(waiters) == 0 {
			continue
		}
		unique++
		total += len(waiters)

		switch {
		case !ok:
			failed++
			perr := types.Errorf(types.ErrServer, "no response for request %s", g.request.ID).WithRequestID(g.request.ID)
			for _, p := range waiters {
				p.future.reject(perr)
			}
		case !resp.Success:
			failed++
			msg := resp.Error
			if msg == "" {
				msg = "request failed"
			}
			perr := types.NewError(types.ErrServer, msg).WithRequestID(g.request.ID)
			for _, p := range waiters {
				p.future.reject(perr)
			}
		default:
			for _, p := range waiters {
				p.future.resolve(resp.Data)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("batch.waiters", total),
		attribute.Int("batch.failed", failed),
		attribute.Bool("batch.fallback", exec.fallback),
	)

	duration := m.clock.Now().Sub(start)
	m.updateStats(unique, total, exec, false)
	m.recorder.RecordBatch(unique, total, duration)
	m.logger.Debug("batch executed",
		zap.Int("unique_requests", unique),
		zap.Int("waiters", total),
		zap.Int("failed", failed),
		zap.Int("network_calls", exec.calls),
		zap.Bool("fallback", exec.fallback),
		zap.Duration("duration", duration),
	)
}

// waiterLinks 收集等待方的 span link。在途组仍可能被 Add 追加等待方，需持锁读取。
func (m *Manager) waiterLinks(groups []*group) []trace.Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	var links []trace.Link
	for _, g := range groups {
		for _, p := range g.waiters {
			if p.link.SpanContext.IsValid() {
				links = append(links, p.link)
			}
		}
	}
	return links
}

// executeRequests 使用注入的执行器，或默认批量接口并在失败时逐个回退
func (m *Manager) executeRequests(ctx context.Context, requests []types.BatchRequest) (execution, error) {
	if m.executor != nil {
		responses, err := m.safeExecute(ctx, requests)
		return execution{responses: responses, calls: 1}, err
	}

	responses, err := m.transport.ExecuteBatch(ctx, requests)
	if err == nil {
		return execution{responses: responses, calls: 1}, nil
	}
	if !m.cfg.FallbackEnabled {
		return execution{calls: 1}, err
	}

	m.logger.Warn("batch endpoint failed, falling back to individual requests",
		zap.Int("requests", len(requests)),
		zap.Error(err),
	)
	m.recorder.RecordFallback(len(requests))

	return execution{
		responses: m.transport.ExecuteIndividually(ctx, requests),
		calls:     1 + len(requests),
		fallback:  true,
	}, nil
}

// safeExecute 调用注入的执行器，panic 转为 CONFIGURATION 错误
func (m *Manager) safeExecute(ctx context.Context, requests []types.BatchRequest) (responses []types.BatchResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			responses = nil
			err = types.Errorf(types.ErrConfiguration, "executor panicked: %v", r)
		}
	}()

	responses, err = m.executor.Execute(ctx, requests)
	if err != nil {
		var typed *types.Error
		if !errors.As(err, &typed) {
			err = types.NewError(types.ErrTransport, "executor failed").WithCause(err)
		}
	}
	return responses, err
}

// release 取出组内等待方并在仍属于在途表时释放指纹。
// Clear 已经取走的组返回空。
func (m *Manager) release(g *group) []*pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.inflight[g.key]; ok && current == g {
		delete(m.inflight, g.key)
		m.dedup.Release(g.key)
	}
	waiters := g.waiters
	g.waiters = nil
	return waiters
}

// updateStats 累计一个批次。等待方已全部被 Clear 取走的批次不计入。
func (m *Manager) updateStats(unique, waiters int, exec execution, failed bool) {
	if waiters == 0 {
		m.logger.Debug("batch settled without waiters", zap.Int("network_calls", exec.calls))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalBatches++
	m.stats.TotalRequests += int64(waiters)
	m.stats.RequestsSaved += int64(waiters - unique)
	m.stats.NetworkCalls += int64(exec.calls)
	if exec.fallback {
		m.stats.FallbackBatches++
	}
	if failed {
		m.stats.FailedBatches++
	}
	m.stats.AverageBatchSize = float64(m.stats.TotalRequests) / float64(m.stats.TotalBatches)
	if m.stats.TotalRequests > 0 {
		m.stats.Efficiency = float64(m.stats.RequestsSaved) / float64(m.stats.TotalRequests)
	}

	m.recorder.RecordNetworkCalls(exec.calls)
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
