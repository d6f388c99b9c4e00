// MockExecutor 批处理执行器的测试模拟实现。
//
// 支持回显响应、逐项失败、缺失响应、阻塞与错误注入场景。
// 方法签名与 batch.Executor 一致，无需导入 batch 包。
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/batchflow/types"
)

// --- MockExecutor 结构 ---

// MockExecutor 是 batch.Executor 的模拟实现
type MockExecutor struct {
	mu sync.RWMutex

	// 响应配置
	handler  func(req types.BatchRequest) types.BatchResponse
	failures map[string]string
	missing  map[string]bool
	err      error
	panicVal any

	// 行为控制
	delay     time.Duration
	block     <-chan struct{}
	failAfter int
	callCount int

	// 调用记录
	calls []MockExecutorCall
}

// MockExecutorCall 记录单次调用
type MockExecutorCall struct {
	Requests  []types.BatchRequest
	Responses []types.BatchResponse
	Error     error
}

// --- 构造函数和 Builder 方法 ---

// NewMockExecutor 创建新的 MockExecutor，默认回显每个请求
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		handler:  Echo,
		failures: make(map[string]string),
		missing:  make(map[string]bool),
	}
}

// WithHandler 自定义单请求响应
func (m *MockExecutor) WithHandler(h func(req types.BatchRequest) types.BatchResponse) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// WithError 整批返回错误
func (m *MockExecutor) WithError(err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithPanic 执行时 panic
func (m *MockExecutor) WithPanic(v any) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicVal = v
	return m
}

// WithFailure 指定 endpoint 的请求返回 success:false
func (m *MockExecutor) WithFailure(endpoint, message string) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[endpoint] = message
	return m
}

// WithMissing 指定 endpoint 的请求不返回响应
func (m *MockExecutor) WithMissing(endpoint string) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[endpoint] = true
	return m
}

// WithDelay 设置执行延迟
func (m *MockExecutor) WithDelay(d time.Duration) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithBlock 执行阻塞直到 ch 关闭
func (m *MockExecutor) WithBlock(ch <-chan struct{}) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = ch
	return m
}

// WithFailAfter 第 N 次调用之后返回错误（需配合 WithError）
func (m *MockExecutor) WithFailAfter(n int) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// --- 执行 ---

// Execute 实现 batch.Executor
func (m *MockExecutor) Execute(ctx context.Context, requests []types.BatchRequest) ([]types.BatchResponse, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay := m.delay
	block := m.block
	panicVal := m.panicVal
	err := m.err
	if m.failAfter > 0 && count <= m.failAfter {
		err = nil
	}
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if panicVal != nil {
		panic(panicVal)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call := MockExecutorCall{Requests: append([]types.BatchRequest(nil), requests...)}
	if err != nil {
		call.Error = err
		m.calls = append(m.calls, call)
		return nil, err
	}

	responses := make([]types.BatchResponse, 0, len(requests))
	for _, req := range requests {
		if m.missing[req.Endpoint] {
			continue
		}
		if msg, ok := m.failures[req.Endpoint]; ok {
			responses = append(responses, types.BatchResponse{ID: req.ID, Success: false, Error: msg})
			continue
		}
		responses = append(responses, m.handler(req))
	}
	call.Responses = responses
	m.calls = append(m.calls, call)
	return responses, nil
}

// --- 查询方法 ---

// CallCount 返回调用次数
func (m *MockExecutor) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// Calls 返回已完成的调用记录
func (m *MockExecutor) Calls() []MockExecutorCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockExecutorCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// LastCall 返回最近一次完成的调用
func (m *MockExecutor) LastCall() *MockExecutorCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset 清空调用记录
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
}

// Echo 把请求的 endpoint、method 与 data 作为响应数据返回
func Echo(req types.BatchRequest) types.BatchResponse {
	data, err := json.Marshal(map[string]any{
		"endpoint": req.Endpoint,
		"method":   req.Method,
		"data":     req.Data,
	})
	if err != nil {
		return types.BatchResponse{ID: req.ID, Success: false, Error: err.Error()}
	}
	return types.BatchResponse{ID: req.ID, Success: true, Data: data}
}
