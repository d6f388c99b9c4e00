package types

import (
	"errors"
	"fmt"
)

// ErrorCode 统一的批处理错误码
type ErrorCode string

const (
	// ErrClientQueue 调用方队列被 Clear 清空
	ErrClientQueue ErrorCode = "CLIENT_QUEUE"
	// ErrTransport 网络/传输层失败
	ErrTransport ErrorCode = "TRANSPORT"
	// ErrServer 服务端返回非 2xx 或 success:false
	ErrServer ErrorCode = "SERVER"
	// ErrConfiguration 配置非法或执行器异常
	ErrConfiguration ErrorCode = "CONFIGURATION"
	// ErrInvalidRequest 请求参数无法规范化
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrClosed 管理器已关闭
	ErrClosed ErrorCode = "CLOSED"
)

// HTTP 服务层错误码
const (
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
	ErrInternal     ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	RequestID  string    `json:"request_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code, so errors.Is works against
// sentinel values built with NewError.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRequestID records the request the error belongs to.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
