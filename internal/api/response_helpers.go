// internal/api/response_helpers.go
package api

import (
	goerrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/gin-gonic/gin"
)

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "资源创建成功"
	}

	c.JSON(http.StatusCreated, response)
}

// sanitizeErrorMessage 错误信息出站前过滤，密钥类内容整条替换
func sanitizeErrorMessage(message string) string {
	lowered := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "password"} {
		if strings.Contains(lowered, pattern) {
			return "内部错误，详情已记录"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	response := &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	c.JSON(statusCode, response)
}

// AppError 把服务层的AppError按类型映射到HTTP状态码
func (rh *ResponseHelper) AppError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) {
		rh.InternalError(c, err.Error())
		return
	}

	switch appErr.Type {
	case errors.ErrorTypeValidation:
		rh.Error(c, http.StatusBadRequest, ErrorValidationFailed, appErr.Message)
	case errors.ErrorTypeNotFound:
		rh.Error(c, http.StatusNotFound, ErrorNotFound, appErr.Message)
	case errors.ErrorTypeConflict:
		rh.Error(c, http.StatusConflict, ErrorConflict, appErr.Message)
	case errors.ErrorTypeConversion:
		rh.Error(c, http.StatusBadRequest, ErrorRequestConversionFailed, appErr.Message)
	case errors.ErrorTypeLLM:
		rh.Error(c, http.StatusBadGateway, ErrorGenerationFailed, appErr.Message)
	case errors.ErrorTypeStorage:
		rh.Error(c, http.StatusInternalServerError, ErrorStorageFailed, appErr.Message)
	case errors.ErrorTypeTimeout:
		rh.Error(c, http.StatusRequestTimeout, ErrorInternalError, appErr.Message)
	default:
		rh.Error(c, http.StatusInternalServerError, ErrorInternalError, appErr.Message)
	}
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	message := resource + "不存在"
	code := ErrorNotFound
	if resource != "" {
		code = rh.getResourceNotFoundCode(resource)
	}
	rh.Error(c, http.StatusNotFound, code, message, details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// PaginatedSuccess 分页成功响应
func (rh *ResponseHelper) PaginatedSuccess(c *gin.Context, data interface{}, meta *PaginationMeta, message ...string) {
	response := &PaginatedResponse{
		APIResponse: &APIResponse{
			Success:   true,
			Data:      data,
			Timestamp: time.Now(),
			RequestID: rh.getRequestID(c),
		},
		Meta: meta,
	}

	if len(message) > 0 {
		response.APIResponse.Message = message[0]
	}

	c.JSON(http.StatusOK, response)
}

// FileResponse 文件下载响应
func (rh *ResponseHelper) FileResponse(c *gin.Context, content string, filename string, contentType string) {
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Length", fmt.Sprintf("%d", len(content)))
	c.String(http.StatusOK, content)
}

// ExportResponse 导出响应：json走信封，其余格式直接下载
func (rh *ResponseHelper) ExportResponse(c *gin.Context, result *models.ExportResult, format string) {
	filename := filepath.Base(result.FilePath)
	if filename == "." || filename == "/" {
		filename = result.StoryID + "." + format
	}

	switch strings.ToLower(format) {
	case "markdown", "md":
		rh.FileResponse(c, result.Content, filename, "text/markdown; charset=utf-8")
	case "txt", "text":
		rh.FileResponse(c, result.Content, filename, "text/plain; charset=utf-8")
	case "html":
		rh.FileResponse(c, result.Content, filename, "text/html; charset=utf-8")
	default:
		rh.Success(c, result, "导出成功")
	}
}

// getRequestID 获取请求ID，由RequestIDMiddleware注入
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString("request_id"); requestID != "" {
		return requestID
	}
	return ""
}

// getResourceNotFoundCode 根据资源类型生成错误代码
func (rh *ResponseHelper) getResourceNotFoundCode(resource string) string {
	switch resource {
	case "故事", "story":
		return ErrorStoryNotFound
	case "章节创作", "compose":
		return ErrorComposeNotInitialized
	case "会话线程", "thread":
		return ErrorThreadNotFound
	case "分支", "branch":
		return ErrorBranchNotFound
	default:
		return ErrorNotFound
	}
}
