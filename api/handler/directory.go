package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/oltcli/oltcli/internal/model"
	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/logger"
)

// DirectoryHandler 设备、账号与角色目录
type DirectoryHandler struct {
	directory *service.Directory
}

// NewDirectoryHandler 创建目录处理器
func NewDirectoryHandler(directory *service.Directory) *DirectoryHandler {
	return &DirectoryHandler{directory: directory}
}

// UpsertDevice 新建或更新设备
// @Summary 新建或更新 OLT 设备
// @Description 按名称写入设备目录，同名覆盖
// @Tags directory
// @Accept json
// @Produce json
// @Param device body model.Device true "设备信息"
// @Success 200 {object} SuccessResponse "保存成功"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/devices [post]
func (h *DirectoryHandler) UpsertDevice(c *gin.Context) {
	var dev model.Device
	if err := c.ShouldBindJSON(&dev); err != nil {
		respondInvalid(c, err)
		return
	}
	saved, err := h.directory.UpsertDevice(c.Request.Context(), dev)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.WithField("device", saved.Name).WithField("ip", saved.IP).Info("device saved")
	respondOK(c, "设备已保存", saved)
}

// ListDevices 设备列表；enabled=true 只返回启用的设备
// @Router /api/v1/devices [get]
func (h *DirectoryHandler) ListDevices(c *gin.Context) {
	devs, err := h.directory.ListDevices(c.Request.Context(), c.Query("enabled") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	if devs == nil {
		devs = []model.Device{}
	}
	respondOK(c, "OK", devs)
}

// DeleteDevice 删除设备
// @Router /api/v1/devices/{name} [delete]
func (h *DirectoryHandler) DeleteDevice(c *gin.Context) {
	name := c.Param("name")
	ok, err := h.directory.DeleteDevice(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "DEVICE_NOT_FOUND", Message: "设备不存在: " + name})
		return
	}
	respondOK(c, "设备已删除", nil)
}

// ResolveTarget 查看名称或地址解析出的目标
func (h *DirectoryHandler) ResolveTarget(c *gin.Context) {
	target, err := h.directory.Resolve(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "OK", gin.H{
		"host":    target.Host,
		"port":    target.Port,
		"kind":    target.Kind,
		"address": target.Address(),
		"is_ipv4": service.IsIPv4(strings.TrimSpace(c.Param("name"))),
	})
}

// UpsertPrincipal 新建或更新账号；密码为空时保留原值
// @Router /api/v1/principals [post]
func (h *DirectoryHandler) UpsertPrincipal(c *gin.Context) {
	var in service.PrincipalInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondInvalid(c, err)
		return
	}
	created, err := h.directory.UpsertPrincipal(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "账号已更新"
	if created {
		msg = "账号已创建"
	}
	respondOK(c, msg, gin.H{"username": strings.TrimSpace(in.Username), "created": created})
}

// ListPrincipals 账号列表（不含密码）
// @Router /api/v1/principals [get]
func (h *DirectoryHandler) ListPrincipals(c *gin.Context) {
	list, err := h.directory.ListPrincipals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []model.Principal{}
	}
	respondOK(c, "OK", list)
}

// DeletePrincipal 删除账号
// @Router /api/v1/principals/{username} [delete]
func (h *DirectoryHandler) DeletePrincipal(c *gin.Context) {
	name := c.Param("username")
	ok, err := h.directory.DeletePrincipal(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "PRINCIPAL_NOT_FOUND", Message: "账号不存在: " + name})
		return
	}
	respondOK(c, "账号已删除", nil)
}

// UpsertRole 新建或更新角色
// @Router /api/v1/roles [post]
func (h *DirectoryHandler) UpsertRole(c *gin.Context) {
	var role model.Role
	if err := c.ShouldBindJSON(&role); err != nil {
		respondInvalid(c, err)
		return
	}
	if err := h.directory.UpsertRole(c.Request.Context(), role); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "角色已保存", role)
}

// ListRoles 角色列表
// @Router /api/v1/roles [get]
func (h *DirectoryHandler) ListRoles(c *gin.Context) {
	roles, err := h.directory.ListRoles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if roles == nil {
		roles = []model.Role{}
	}
	respondOK(c, "OK", roles)
}
