package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
)

// BatchHandler 批量下发处理器
type BatchHandler struct {
	provisionService *service.ProvisionService
}

// NewBatchHandler 创建批量下发处理器
func NewBatchHandler(provisionService *service.ProvisionService) *BatchHandler {
	return &BatchHandler{provisionService: provisionService}
}

// TargetOptions 单台设备下发请求
type TargetOptions struct {
	Target string `json:"target" binding:"required"`
	service.ProvisionOptions
}

// ProvisionBody 账号开通/删除请求
type ProvisionBody struct {
	TargetOptions
	Username string `json:"username" binding:"required"`
	Role     string `json:"role"`
}

// respondBatch 批量结果：执行失败时仍带回已完成部分的报告
func respondBatch(c *gin.Context, res *service.RunBatchResult, err error) {
	if err != nil {
		if res == nil || res.Report == nil {
			respondError(c, err)
			return
		}
		c.JSON(statusOf(err), gin.H{
			"code":    codeOf(err),
			"message": err.Error(),
			"data":    res,
		})
		return
	}
	respondOK(c, "执行完成", res)
}

// RunBatch 执行任意命令
// @Router /api/v1/batch/run [post]
func (h *BatchHandler) RunBatch(c *gin.Context) {
	var req service.RunBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if len(req.Commands) == 0 {
		respondError(c, cli.ConfigError("batch", "commands must not be empty"))
		return
	}
	res, err := h.provisionService.RunBatch(c.Request.Context(), req)
	respondBatch(c, res, err)
}

// Bootstrap AAA 引导
// @Router /api/v1/batch/bootstrap [post]
func (h *BatchHandler) Bootstrap(c *gin.Context) {
	var req TargetOptions
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	res, err := h.provisionService.Bootstrap(c.Request.Context(), req.Target, req.ProvisionOptions)
	respondBatch(c, res, err)
}

// Provision 开通账号
// @Router /api/v1/batch/provision [post]
func (h *BatchHandler) Provision(c *gin.Context) {
	var req ProvisionBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	res, err := h.provisionService.Provision(c.Request.Context(), req.Target, req.Username, req.Role, req.ProvisionOptions)
	respondBatch(c, res, err)
}

// Deprovision 删除账号
// @Router /api/v1/batch/deprovision [post]
func (h *BatchHandler) Deprovision(c *gin.Context) {
	var req ProvisionBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	res, err := h.provisionService.Deprovision(c.Request.Context(), req.Target, req.Username, req.ProvisionOptions)
	respondBatch(c, res, err)
}

// ProvisionAll 多台设备开通同一账号
// @Router /api/v1/batch/provision-all [post]
func (h *BatchHandler) ProvisionAll(c *gin.Context) {
	var req service.ProvisionAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	out, err := h.provisionService.ProvisionAll(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	failed := 0
	for _, o := range out {
		if !o.OK {
			failed++
		}
	}
	if failed > 0 {
		logger.WithField("username", req.Username).Warnf("provision-all: %d/%d devices failed", failed, len(out))
	}
	respondOK(c, "执行完成", gin.H{"total": len(out), "failed": failed, "results": out})
}

// ListJobs 最近的任务
func (h *BatchHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	jobs, err := h.provisionService.ListJobs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "OK", jobs)
}

// GetJob 任务详情
func (h *BatchHandler) GetJob(c *gin.Context) {
	job, err := h.provisionService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "OK", job)
}
