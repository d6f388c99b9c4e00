// =============================================================================
// 📦 测试数据工厂 - 批处理请求与响应
// =============================================================================
// 提供预定义的 BatchRequest / BatchResponse，用于执行器与 HTTP 层测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/batchflow/types"
)

// =============================================================================
// 🎯 BatchRequest 工厂
// =============================================================================

// GetRequest 返回 GET 请求
func GetRequest(id, endpoint string, params any) types.BatchRequest {
	return types.BatchRequest{
		ID:        id,
		Endpoint:  endpoint,
		Method:    types.MethodGet,
		Data:      params,
		Priority:  types.PriorityNormal,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// PostRequest 返回 POST 请求
func PostRequest(id, endpoint string, body any) types.BatchRequest {
	req := GetRequest(id, endpoint, body)
	req.Method = types.MethodPost
	return req
}

// DeleteRequest 返回 DELETE 请求
func DeleteRequest(id, endpoint string) types.BatchRequest {
	req := GetRequest(id, endpoint, nil)
	req.Method = types.MethodDelete
	return req
}

// =============================================================================
// 📨 BatchResponse 工厂
// =============================================================================

// SuccessResponse 返回成功响应，data 按 JSON 编码
func SuccessResponse(id string, data any) types.BatchResponse {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return types.BatchResponse{ID: id, Success: true, Data: raw}
}

// FailureResponse 返回失败响应
func FailureResponse(id, message string) types.BatchResponse {
	return types.BatchResponse{ID: id, Success: false, Error: message}
}

// ResponsesFor 为每个请求生成回显 endpoint 的成功响应，
// 模拟一个正常工作的批量接口
func ResponsesFor(requests []types.BatchRequest) []types.BatchResponse {
	out := make([]types.BatchResponse, len(requests))
	for i, req := range requests {
		out[i] = SuccessResponse(req.ID, map[string]any{"endpoint": req.Endpoint})
	}
	return out
}
