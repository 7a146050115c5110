// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 剧本流水线错误类型
	ErrorTypeProvider        ErrorType = "provider_error"
	ErrorTypeMalformedOutput ErrorType = "malformed_output"
	ErrorTypeInvalidShape    ErrorType = "invalid_shape"
	ErrorTypeMissingArtifact ErrorType = "missing_artifact"
	ErrorTypeJobState        ErrorType = "job_state"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// MalformedOutputDetail 保存模型输出修复失败时的诊断信息
type MalformedOutputDetail struct {
	DecodeErr    error  // 第一次解析时的原始错误
	RepairedText string // 修复后仍无法解析的文本
}

func (d *MalformedOutputDetail) Error() string {
	return fmt.Sprintf("%v (修复后文本长度 %d)", d.DecodeErr, len(d.RepairedText))
}

func (d *MalformedOutputDetail) Unwrap() error {
	return d.DecodeErr
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewProviderError 所有模型后端都已耗尽
func NewProviderError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProvider, message, originalError)
}

// NewMalformedOutputError 模型输出修复后仍无法解析
func NewMalformedOutputError(message string, decodeErr error, repairedText string) *AppError {
	return NewAppError(ErrorTypeMalformedOutput, message, &MalformedOutputDetail{
		DecodeErr:    decodeErr,
		RepairedText: repairedText,
	})
}

// NewInvalidShapeError 输出可以解析但结构不符合预期
func NewInvalidShapeError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInvalidShape, message, originalError)
}

// NewMissingArtifactError 前一阶段的产物不存在
func NewMissingArtifactError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMissingArtifact, message, originalError)
}

// NewJobStateError 任务尚未记录任何状态
func NewJobStateError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeJobState, message, originalError)
}

// TypeOf 返回错误链中第一个 AppError 的类型
func TypeOf(err error) (ErrorType, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type, true
	}
	return "", false
}

func isType(err error, t ErrorType) bool {
	errType, ok := TypeOf(err)
	return ok && errType == t
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsProviderError(err error) bool {
	return isType(err, ErrorTypeProvider)
}

func IsMalformedOutputError(err error) bool {
	return isType(err, ErrorTypeMalformedOutput)
}

func IsInvalidShapeError(err error) bool {
	return isType(err, ErrorTypeInvalidShape)
}

func IsMissingArtifactError(err error) bool {
	return isType(err, ErrorTypeMissingArtifact)
}

func IsJobStateError(err error) bool {
	return isType(err, ErrorTypeJobState)
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeProvider:
		return "PROVIDER_ERROR"
	case ErrorTypeMalformedOutput:
		return "MALFORMED_OUTPUT"
	case ErrorTypeInvalidShape:
		return "INVALID_SHAPE"
	case ErrorTypeMissingArtifact:
		return "MISSING_ARTIFACT"
	case ErrorTypeJobState:
		return "JOB_STATE_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
