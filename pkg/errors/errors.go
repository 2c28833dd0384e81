// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// saga
	CodeUnknownSagaType Code = "UNKNOWN_SAGA_TYPE"
	CodeSagaLocked      Code = "SAGA_LOCKED"
	CodeStepFailed      Code = "STEP_FAILED"
	CodeDuplicate       Code = "DUPLICATE_RESPONSE"

	// 系统
	CodeSystemBusy      Code = "SYSTEM_BUSY"
	CodeMaintenanceMode Code = "MAINTENANCE_MODE"
)

var defaultMessages = map[Code]string{
	CodeInvalidParam:    "invalid parameter",
	CodeInvalidRequest:  "invalid request",
	CodeNotFound:        "not found",
	CodeConflict:        "conflict",
	CodeInternal:        "internal server error",
	CodeUnavailable:     "service unavailable",
	CodeTimeout:         "timeout",
	CodeUnknownSagaType: "unknown saga type",
	CodeSagaLocked:      "saga is locked, please retry",
	CodeStepFailed:      "saga step failed",
	CodeDuplicate:       "duplicate command response",
	CodeSystemBusy:      "system busy, please retry",
}

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// NewWithDefault 创建错误，message 为空时使用错误码的默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable, CodeSagaLocked, CodeConflict:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeSagaLocked, CodeDuplicate:
		return http.StatusConflict
	case CodeUnknownSagaType, CodeStepFailed:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeMaintenanceMode:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound     = New(CodeNotFound, "not found")
	ErrInternal     = New(CodeInternal, "internal server error")
	ErrSystemBusy   = New(CodeSystemBusy, "system busy, please retry")
)
