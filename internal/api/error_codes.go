// internal/api/error_codes.go
package api

import (
	"net/http"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 资源
	ErrorBookNotFound    = "BOOK_NOT_FOUND"
	ErrorProcessNotFound = "PROCESS_NOT_FOUND"

	// 剧本流水线
	ErrorMissingArtifact = "MISSING_ARTIFACT"
	ErrorJobState        = "JOB_STATE_ERROR"
	ErrorProvider        = "PROVIDER_ERROR"
	ErrorMalformedOutput = "MALFORMED_OUTPUT"
	ErrorInvalidShape    = "INVALID_SHAPE"

	// LLM服务
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
)

// statusForError 错误类型到 HTTP 状态码和错误代码的映射
func statusForError(err error) (int, string) {
	errType, ok := apperrors.TypeOf(err)
	if !ok {
		return http.StatusInternalServerError, ErrorInternalError
	}

	switch errType {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeMissingArtifact:
		return http.StatusNotFound, ErrorMissingArtifact
	case apperrors.ErrorTypeJobState:
		return http.StatusNotFound, ErrorJobState
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorConflict
	case apperrors.ErrorTypeProvider:
		return http.StatusBadGateway, ErrorProvider
	case apperrors.ErrorTypeMalformedOutput:
		return http.StatusBadGateway, ErrorMalformedOutput
	case apperrors.ErrorTypeInvalidShape:
		return http.StatusBadGateway, ErrorInvalidShape
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorInternalError
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
