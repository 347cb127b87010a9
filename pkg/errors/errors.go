package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// Execution-loop error kinds. These classify what ends a run or a retry
	// loop, distinct from the request-validation codes above.
	CodeAuthentication ErrorCode = "AUTHENTICATION"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeNetwork        ErrorCode = "NETWORK"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeToolExecution  ErrorCode = "TOOL_EXECUTION"
	CodeConfiguration  ErrorCode = "CONFIGURATION"
	CodeCancelled      ErrorCode = "CANCELLED"
	CodeBudget         ErrorCode = "BUDGET"
)

// Retryable reports whether the LLM client should retry a request that
// failed with this code. Kept alongside the code enum so retry policy and
// classification can never silently drift apart.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimit, CodeServiceUnavail, CodeNetwork, CodeTimeout:
		return true
	default:
		return false
	}
}

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// NewConfigurationError reports a missing or invalid configuration key.
func NewConfigurationError(message string) *AppError {
	return &AppError{Code: CodeConfiguration, Message: message}
}

// NewAuthenticationError reports a provider rejecting credentials.
func NewAuthenticationError(message string) *AppError {
	return &AppError{Code: CodeAuthentication, Message: message}
}

// NewRateLimitError reports a provider throttling response (429/quota).
func NewRateLimitError(message string) *AppError {
	return &AppError{Code: CodeRateLimit, Message: message}
}

// NewServiceUnavailableError reports a provider temporarily down (503,
// overload, or a tripped circuit breaker).
func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavail, Message: message}
}

// NewNetworkError wraps a transport-level failure.
func NewNetworkError(message string, cause error) *AppError {
	return &AppError{Code: CodeNetwork, Message: message, Err: cause}
}

// NewTimeoutError reports a local deadline exceeded.
func NewTimeoutError(message string) *AppError {
	return &AppError{Code: CodeTimeout, Message: message}
}

// NewToolExecutionError wraps a tool's own failure; never retried by the
// loop, only surfaced in the tool result.
func NewToolExecutionError(toolName, message string) *AppError {
	return &AppError{Code: CodeToolExecution, Message: fmt.Sprintf("%s: %s", toolName, message)}
}

// NewCancelledError reports cooperative cancellation unwinding a run.
func NewCancelledError(message string) *AppError {
	return &AppError{Code: CodeCancelled, Message: message}
}

// NewBudgetError reports a step or token budget exceeded.
func NewBudgetError(message string) *AppError {
	return &AppError{Code: CodeBudget, Message: message}
}

// Is reports whether err is an *AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
