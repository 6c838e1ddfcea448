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
	CodeOK              Code = "OK"
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidParam    Code = "INVALID_PARAM"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeRequestTooLarge Code = "REQUEST_TOO_LARGE"

	// 事务
	CodeSagaNotFound       Code = "SAGA_NOT_FOUND"
	CodeSagaExists         Code = "SAGA_ALREADY_EXISTS"
	CodeUnsupportedPattern Code = "UNSUPPORTED_PATTERN"
	CodeDuplicateStep      Code = "DUPLICATE_STEP_ID"
	CodeUnknownService     Code = "UNKNOWN_SERVICE"

	// 系统
	CodeSystemBusy       Code = "SYSTEM_BUSY"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

var defaultMessages = map[Code]string{
	CodeUnknown:          "unknown error",
	CodeInvalidParam:     "invalid parameter",
	CodeInvalidRequest:   "invalid request",
	CodeNotFound:         "not found",
	CodeAlreadyExists:    "already exists",
	CodeConflict:         "conflict",
	CodeInternal:         "internal server error",
	CodeUnavailable:      "service unavailable",
	CodeTimeout:          "timeout",
	CodeRequestTooLarge:  "request body too large",
	CodeSagaNotFound:     "saga not found",
	CodeSagaExists:       "saga already exists",
	CodeSystemBusy:       "system busy, please retry",
	CodeStoreUnavailable: "state store unavailable",
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

// NewWithDefault message 为空时使用错误码的默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
		if message == "" {
			message = string(code)
		}
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

func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable, CodeStoreUnavailable:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeUnsupportedPattern,
		CodeDuplicateStep, CodeUnknownService:
		return http.StatusBadRequest
	case CodeNotFound, CodeSagaNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeSagaExists, CodeConflict:
		return http.StatusConflict
	case CodeSystemBusy:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrSagaNotFound     = New(CodeSagaNotFound, "saga not found")
	ErrStoreUnavailable = New(CodeStoreUnavailable, "state store unavailable")
)
