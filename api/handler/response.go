package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/cli"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Output 设备拒绝时的原始输出
	Output string `json:"output,omitempty"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusOf 错误类型对应的 HTTP 状态码
func statusOf(err error) int {
	if errors.Is(err, service.ErrJobNotFound) {
		return http.StatusNotFound
	}
	switch k := cli.KindOf(err); {
	case k == cli.KindSessionNotFound:
		return http.StatusNotFound
	case k == cli.KindConfiguration:
		return http.StatusBadRequest
	case k.Denied():
		return http.StatusForbidden
	case k.Timeout():
		return http.StatusGatewayTimeout
	case k == cli.KindConnectionClosed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// codeOf 错误码：会话错误用类型名，其余为 INTERNAL_ERROR
func codeOf(err error) string {
	if errors.Is(err, service.ErrJobNotFound) {
		return "JOB_NOT_FOUND"
	}
	if k := cli.KindOf(err); k != cli.KindUnknown {
		return k.String()
	}
	return "INTERNAL_ERROR"
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusOf(err), ErrorResponse{
		Code:    codeOf(err),
		Message: err.Error(),
		Output:  cli.OutputOf(err),
	})
}

func respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    "INVALID_PARAMS",
		Message: "请求参数无效: " + err.Error(),
	})
}

func respondOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: message, Data: data})
}
