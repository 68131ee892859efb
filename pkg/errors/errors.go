package errors

import (
	"errors"
	"fmt"
)

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeConflict     = 409
	CodeGone         = 410
	CodeServerError  = 500
)

// ========== 业务错误类型 ==========

// 邀请业务错误种类
const (
	KindNotFound         = "not_found"          // 令牌或记录不存在
	KindAlreadyFinalized = "already_finalized"  // 已进入终态，禁止再次流转
	KindExpired          = "expired"            // 邀请已过期
	KindValidation       = "validation"         // 参数校验失败
	KindDeliveryFailed   = "delivery_failed"    // 投递尝试失败（仅批次内部使用）
)

// AppError 业务错误，携带错误码和当前状态
type AppError struct {
	Code    int    // 对应response错误码
	Kind    string // 错误种类
	Message string
	State   string // AlreadyFinalized时的当前状态
}

func (e *AppError) Error() string {
	return e.Message
}

// NewNotFound 记录不存在
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Kind: KindNotFound, Message: message}
}

// NewAlreadyFinalized 已终态错误，state为当前状态
func NewAlreadyFinalized(state string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Kind:    KindAlreadyFinalized,
		Message: fmt.Sprintf("邀请已结束，当前状态为 %s", state),
		State:   state,
	}
}

// NewBatchFinalized 批次已终态错误，state为当前状态
func NewBatchFinalized(state string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Kind:    KindAlreadyFinalized,
		Message: fmt.Sprintf("批次已结束，当前状态为 %s", state),
		State:   state,
	}
}

// NewExpired 邀请已过期
func NewExpired() *AppError {
	return &AppError{Code: CodeGone, Kind: KindExpired, Message: "邀请已过期"}
}

// NewValidation 参数校验错误
func NewValidation(message string) *AppError {
	return &AppError{Code: CodeInvalidParam, Kind: KindValidation, Message: message}
}

// NewDeliveryFailed 投递失败，attempt为本次尝试序号
func NewDeliveryFailed(reason string, attempt int) *AppError {
	return &AppError{
		Code:    CodeServerError,
		Kind:    KindDeliveryFailed,
		Message: fmt.Sprintf("第 %d 次投递失败: %s", attempt, reason),
	}
}

// AsAppError 提取业务错误
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind 判断错误是否属于指定种类
func IsKind(err error, kind string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Kind == kind
	}
	return false
}
