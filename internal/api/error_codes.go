// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest       = "BAD_REQUEST"
	ErrorNotFound         = "NOT_FOUND"
	ErrorInternalError    = "INTERNAL_ERROR"
	ErrorConflict         = "CONFLICT"
	ErrorForbidden        = "FORBIDDEN"
	ErrorValidationFailed = "VALIDATION_FAILED"
	ErrorRateLimited      = "RATE_LIMIT_EXCEEDED"

	// 故事相关错误
	ErrorStoryNotFound     = "STORY_NOT_FOUND"
	ErrorStoryCreateFailed = "STORY_CREATE_FAILED"
	ErrorStoryInvalid      = "STORY_INVALID"

	// 章节创作相关错误
	ErrorComposeNotInitialized   = "COMPOSE_NOT_INITIALIZED"
	ErrorPhaseTransitionRejected = "PHASE_TRANSITION_REJECTED"
	ErrorPhaseConflict           = "PHASE_CONFLICT"
	ErrorDraftVersionConflict    = "DRAFT_VERSION_CONFLICT"

	// 会话相关错误
	ErrorThreadNotFound  = "THREAD_NOT_FOUND"
	ErrorBranchNotFound  = "BRANCH_NOT_FOUND"
	ErrorBranchConflict  = "BRANCH_CONFLICT"
	ErrorMessageNotFound = "MESSAGE_NOT_FOUND"

	// 生成相关错误
	ErrorGenerationInFlight      = "GENERATION_IN_FLIGHT"
	ErrorGenerationFailed        = "GENERATION_FAILED"
	ErrorRequestConversionFailed = "REQUEST_CONVERSION_FAILED"
	ErrorLLMServiceUnavailable   = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid        = "LLM_CONFIG_INVALID"

	// 存储相关错误
	ErrorStorageFailed             = "STORAGE_FAILED"
	ErrorQuotaExceeded             = "QUOTA_EXCEEDED"
	ErrorArchiveVersionUnsupported = "ARCHIVE_VERSION_UNSUPPORTED"
	ErrorImportFailed              = "IMPORT_FAILED"

	// 导出相关错误
	ErrorExportFailed        = "EXPORT_FAILED"
	ErrorExportFormatInvalid = "EXPORT_FORMAT_INVALID"
	ErrorExportDataEmpty     = "EXPORT_DATA_EMPTY"

	// 配置健康相关
	ErrorConfigUnhealthy    = "CONFIG_UNHEALTHY"
	ErrorLLMProviderMissing = "LLM_PROVIDER_MISSING"
	ErrorAPIKeyMissing      = "API_KEY_MISSING"
)
