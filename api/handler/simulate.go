package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/simulate"
)

// SimulateHandler 模拟 OLT 状态查询与重载
type SimulateHandler struct {
	manager    *simulate.Manager
	configPath string
}

// NewSimulateHandler manager 为空表示未启用模拟器
func NewSimulateHandler(manager *simulate.Manager, configPath string) *SimulateHandler {
	return &SimulateHandler{manager: manager, configPath: configPath}
}

func (h *SimulateHandler) enabled(c *gin.Context) bool {
	if h.manager == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "SIMULATOR_DISABLED", Message: "模拟器未启用"})
		return false
	}
	return true
}

// ListNamespaces 运行中的命名空间及监听地址
func (h *SimulateHandler) ListNamespaces(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	out := make([]gin.H, 0)
	for _, ns := range h.manager.Namespaces() {
		addr, _ := h.manager.Addr(ns)
		out = append(out, gin.H{"name": ns, "addr": addr})
	}
	respondOK(c, "OK", out)
}

// History 命名空间收到的配置命令
func (h *SimulateHandler) History(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	ns := c.Param("ns")
	if _, ok := h.manager.Addr(ns); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "NAMESPACE_NOT_FOUND", Message: "命名空间不存在: " + ns})
		return
	}
	lines := h.manager.History(ns)
	if lines == nil {
		lines = []string{}
	}
	respondOK(c, "OK", gin.H{"namespace": ns, "lines": lines})
}

// Reload 重新读取模拟器配置
func (h *SimulateHandler) Reload(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	cfg, err := simulate.LoadConfig(h.configPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "CONFIG_INVALID", Message: "模拟器配置无效: " + err.Error()})
		return
	}
	if err := h.manager.Reload(cfg); err != nil {
		logger.Errorf("simulator reload failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "RELOAD_FAILED", Message: "重载失败: " + err.Error()})
		return
	}
	respondOK(c, "重载成功", gin.H{"namespaces": h.manager.Namespaces()})
}
