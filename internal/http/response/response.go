package response

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构，status_code 与 HTTP 状态一致
type Response struct {
	StatusCode int         `json:"status_code"`
	Msg        string      `json:"msg"`
	Data       interface{} `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination 分页信息
type Pagination struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"page_size"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"total_page"`
}

// BuildPagination 计算分页信息
func BuildPagination(page, pageSize int, total int64) Pagination {
	p := Pagination{Page: page, PageSize: pageSize, Total: total}
	if pageSize > 0 {
		p.TotalPage = (total + int64(pageSize) - 1) / int64(pageSize)
	}
	return p
}

func write(c *gin.Context, status int, msg string, data interface{}, pagination *Pagination) {
	c.JSON(status, Response{StatusCode: status, Msg: msg, Data: data, Pagination: pagination})
}

// Success 200
func Success(c *gin.Context, data interface{}) {
	write(c, CodeOK, "success", data, nil)
}

// Created 201
func Created(c *gin.Context, data interface{}) {
	write(c, CodeCreated, "created", data, nil)
}

// SuccessWithPage 分页列表
func SuccessWithPage(c *gin.Context, data interface{}, pagination Pagination) {
	write(c, CodeOK, "success", data, &pagination)
}

// Error 错误响应，data 中带上 request_id 便于排查
func Error(c *gin.Context, statusCode int, msg string) {
	write(c, statusCode, msg, withRequestID(c, nil), nil)
}

// ErrorWithData 错误响应（带数据）
func ErrorWithData(c *gin.Context, statusCode int, msg string, data interface{}) {
	write(c, statusCode, msg, withRequestID(c, data), nil)
}

func NotFound(c *gin.Context, msg string) {
	Error(c, CodeNotFound, msg)
}

func Unauthorized(c *gin.Context, msg string) {
	Error(c, CodeUnauthorized, msg)
}

func BadRequest(c *gin.Context, msg string) {
	Error(c, CodeBadRequest, msg)
}

// TooManyRequests 429，同时写 Retry-After
func TooManyRequests(c *gin.Context, retryAfterSeconds int, msg string) {
	if retryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	ErrorWithData(c, CodeTooManyRequests, msg, gin.H{"retry_after": retryAfterSeconds})
}

func withRequestID(c *gin.Context, data interface{}) interface{} {
	requestID := ""
	if c != nil {
		requestID = c.GetString("request_id")
	}
	if requestID == "" {
		return data
	}
	switch v := data.(type) {
	case nil:
		return gin.H{"request_id": requestID}
	case gin.H:
		if _, ok := v["request_id"]; !ok {
			v["request_id"] = requestID
		}
		return v
	case map[string]interface{}:
		if _, ok := v["request_id"]; !ok {
			v["request_id"] = requestID
		}
		return v
	default:
		return gin.H{"request_id": requestID, "data": data}
	}
}
