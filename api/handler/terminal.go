package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
)

// TerminalHandler 交互会话处理器
type TerminalHandler struct {
	terminalService *service.TerminalService
}

// NewTerminalHandler 创建交互会话处理器
func NewTerminalHandler(terminalService *service.TerminalService) *TerminalHandler {
	return &TerminalHandler{terminalService: terminalService}
}

// CreateSessionBody 建立会话请求体
type CreateSessionBody struct {
	service.CreateSessionRequest
	// TimeoutSeconds 登录与提权等待上限
	TimeoutSeconds int `json:"timeout_seconds"`
}

// SendLineBody 发送请求体
type SendLineBody struct {
	Line           string `json:"line"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SendLineResponse 发送结果
type SendLineResponse struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if n > 300 {
		n = 300
	}
	return time.Duration(n) * time.Second
}

// CreateSession 建立交互会话
// @Router /api/v1/sessions [post]
func (h *TerminalHandler) CreateSession(c *gin.Context) {
	var body CreateSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c, err)
		return
	}
	req := body.CreateSessionRequest
	req.Timeout = seconds(body.TimeoutSeconds)

	res, err := h.terminalService.CreateSession(c.Request.Context(), req)
	if err != nil {
		logger.WithField("target", req.Target).WithField("principal", req.Principal).Warnf("create session failed: %v", err)
		respondError(c, err)
		return
	}
	respondOK(c, "会话已建立", res)
}

// SendLine 在会话上执行一行输入
// @Router /api/v1/sessions/{id}/send [post]
func (h *TerminalHandler) SendLine(c *gin.Context) {
	var body SendLineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c, err)
		return
	}
	id := c.Param("id")
	out, err := h.terminalService.SendLine(c.Request.Context(), id, body.Line, seconds(body.TimeoutSeconds))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "执行成功", SendLineResponse{SessionID: id, Output: out})
}

// CloseSession 关闭会话
// @Router /api/v1/sessions/{id} [delete]
func (h *TerminalHandler) CloseSession(c *gin.Context) {
	if err := h.terminalService.CloseSession(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "会话已关闭", gin.H{"ok": true})
}

// GetSession 会话信息
func (h *TerminalHandler) GetSession(c *gin.Context) {
	info, err := h.terminalService.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "OK", info)
}

// ListSessions 全部会话
func (h *TerminalHandler) ListSessions(c *gin.Context) {
	list := h.terminalService.List()
	if list == nil {
		list = []cli.SessionInfo{}
	}
	respondOK(c, "OK", list)
}

// GetStats 会话统计
func (h *TerminalHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "OK", Data: h.terminalService.GetStats()})
}
