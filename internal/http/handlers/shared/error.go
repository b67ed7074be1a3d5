package shared

import (
	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const internalErrorMessage = "internal server error"

// RequestLog 提供携带 request_id 的日志实例。
func RequestLog(c *gin.Context) *zap.SugaredLogger {
	if c == nil {
		return logger.S()
	}
	if requestID, ok := c.Get("request_id"); ok {
		if id, ok := requestID.(string); ok && id != "" {
			return logger.SW("request_id", id)
		}
	}
	return logger.S()
}

// StatusForKind 错误分类到 HTTP 状态的唯一映射
func StatusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return response.CodeBadRequest
	case service.KindNotFound:
		return response.CodeNotFound
	case service.KindConflict:
		return response.CodeConflict
	case service.KindExternal:
		return response.CodeBadGateway
	default:
		return response.CodeInternal
	}
}

// RespondServiceError 按错误分类返回响应；5xx 不暴露内部信息
func RespondServiceError(c *gin.Context, err error) {
	RespondServiceErrorWithData(c, err, nil)
}

// RespondServiceErrorWithData 同 RespondServiceError，附带业务数据
func RespondServiceErrorWithData(c *gin.Context, err error, data gin.H) {
	kind := service.KindOf(err)
	status := StatusForKind(kind)
	appErr := response.WrapError(status, service.CodeOf(err), err.Error(), err)
	if status >= response.CodeInternal && kind != service.KindExternal {
		appErr.Message = internalErrorMessage
	}

	log := RequestLog(c).With("status", status, "kind", kind, "error_code", appErr.ErrorCode)
	switch {
	case kind == service.KindInvariant:
		log.Errorw("handler_invariant_violation", "error", err)
	case status >= response.CodeInternal:
		log.Errorw("handler_error", "error", err)
	default:
		log.Infow("handler_rejected", "error", err)
	}

	if data == nil {
		data = gin.H{}
	}
	data["error_code"] = appErr.ErrorCode
	response.ErrorWithData(c, appErr.Code, appErr.Message, data)
}

// RespondErrorWithMsg 返回自定义消息错误响应，并在有原始错误时记录日志。
func RespondErrorWithMsg(c *gin.Context, code int, msg string, err error) {
	appErr := response.WrapError(code, "", msg, err)
	if err != nil {
		RequestLog(c).Warnw("handler_error",
			"code", appErr.Code,
			"message", appErr.Message,
			"error", err,
		)
	}
	response.Error(c, appErr.Code, appErr.Message)
}

// RespondBadRequest 请求体或参数不合法
func RespondBadRequest(c *gin.Context, err error) {
	msg := "invalid request"
	if err != nil {
		msg = err.Error()
	}
	appErr := response.WrapError(response.CodeBadRequest, service.CodeOf(service.ErrInvalidRequest), msg, err)
	response.ErrorWithData(c, appErr.Code, appErr.Message, gin.H{"error_code": appErr.ErrorCode})
}
