package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 🚦 优先级
// =============================================================================

// Priority 请求优先级，urgent 会绕过窗口立即发送
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// String 返回优先级名称
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority 解析优先级名称，空字符串视为 normal
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, Errorf(ErrInvalidRequest, "unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// =============================================================================
// 📨 请求与响应
// =============================================================================

// HTTP 方法
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodPatch  = "PATCH"
	MethodDelete = "DELETE"
)

// BatchRequest 单个逻辑请求。ID 对应调用点而不是指纹。
type BatchRequest struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Data      any       `json:"data,omitempty"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchResponse 单个请求的结果，ID 必须回显请求 ID
type BatchResponse struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchEnvelope 批量接口的请求体
type BatchEnvelope struct {
	Requests []BatchRequest `json:"requests"`
}

// ResponseEnvelope 批量接口的响应体
type ResponseEnvelope struct {
	Responses []BatchResponse `json:"responses"`
}
