package batch

import (
	"context"
	"sync"

	"github.com/BaSui01/batchflow/types"
)

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default 返回进程级默认管理器，首次调用时以 DefaultConfig 创建
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager == nil {
		m, err := NewManager(DefaultConfig())
		if err != nil {
			// DefaultConfig 总是合法
			panic(err)
		}
		defaultManager = m
	}
	return defaultManager
}

// SetDefault 替换进程级默认管理器，返回旧值（可能为 nil）
func SetDefault(m *Manager) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	old := defaultManager
	defaultManager = m
	return old
}

// Do 登记请求并把结算结果解码为 T
func Do[T any](ctx context.Context, m *Manager, endpoint, method string, data any, priority types.Priority) (T, error) {
	return Await[T](ctx, m.Add(ctx, endpoint, method, data, priority))
}
