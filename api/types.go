package api

import (
	"encoding/json"

	"github.com/BaSui01/batchflow/batch"
	"github.com/BaSui01/batchflow/dedup"
	"github.com/BaSui01/batchflow/scheduler"
)

// =============================================================================
// 请求转发类型
// =============================================================================

// FetchRequest 提交一个逻辑请求。
// @Description 批处理提交请求
type FetchRequest struct {
	// 目标接口路径，相对于配置的 base_url
	Endpoint string `json:"endpoint" example:"/users"`
	// HTTP 方法，默认 GET
	Method string `json:"method,omitempty" example:"GET"`
	// 请求参数：GET 时作为查询参数，其他方法作为请求体
	Data json.RawMessage `json:"data,omitempty"`
	// 优先级 low / normal / high / urgent，默认 normal
	Priority string `json:"priority,omitempty" example:"normal"`
	// 绕过窗口立即单独执行
	Immediate bool `json:"immediate,omitempty"`
}

// FetchResponse 逻辑请求的结果
type FetchResponse struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// =============================================================================
// 统计类型
// =============================================================================

// StatsResponse 引擎统计快照
type StatsResponse struct {
	Batch     batch.Stats     `json:"batch"`
	Dedup     dedup.Stats     `json:"dedup"`
	Scheduler scheduler.Stats `json:"scheduler"`
}
