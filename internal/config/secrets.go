package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AdminCredentials 批量下发使用的管理员账号，只从环境变量读取
type AdminCredentials struct {
	User                 string `envconfig:"OLT_ADMIN_USER" default:"zte"`
	Password             string `envconfig:"OLT_ADMIN_PASSWORD"`
	Enable15Password     string `envconfig:"OLT_ENABLE15_PASSWORD"`
	TacacsEnablePassword string `envconfig:"TACACS_ENABLE_PASSWORD"`
	// TelnetTimeout 单条命令超时（秒）
	TelnetTimeout int `envconfig:"OLT_TELNET_TIMEOUT" default:"8"`

	// 以下为空时沿用 provision 配置
	TacacsGroup          string `envconfig:"OLT_TACACS_GROUP"`
	AAATemplateID        int    `envconfig:"OLT_AAA_TEMPLATE_ID"`
	SystemUserTemplateID int    `envconfig:"OLT_SYSTEM_USER_TEMPLATE_ID"`
	ExitStyle            string `envconfig:"OLT_CLI_EXIT_STYLE"`
}

// LoadAdminCredentials 读取管理员凭据
func LoadAdminCredentials() (*AdminCredentials, error) {
	var c AdminCredentials
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("failed to read admin credentials: %w", err)
	}
	c.User = strings.TrimSpace(c.User)
	if c.User == "" {
		c.User = "zte"
	}
	return &c, nil
}

// EnableSecret 15 级 enable 密码，未配置时回退到 TACACS enable 密码
func (c *AdminCredentials) EnableSecret() string {
	if s := strings.TrimSpace(c.Enable15Password); s != "" {
		return s
	}
	return strings.TrimSpace(c.TacacsEnablePassword)
}

// Timeout 命令超时
func (c *AdminCredentials) Timeout() time.Duration {
	if c.TelnetTimeout <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.TelnetTimeout) * time.Second
}

// Require 校验批量下发必需的密码
func (c *AdminCredentials) Require() error {
	if strings.TrimSpace(c.Password) == "" {
		return fmt.Errorf("OLT_ADMIN_PASSWORD not set")
	}
	return nil
}

// Overlay 环境变量中的模板参数覆盖配置文件
func (c *AdminCredentials) Overlay(p ProvisionConfig) ProvisionConfig {
	if s := strings.TrimSpace(c.TacacsGroup); s != "" {
		p.TacacsGroup = s
	}
	if c.AAATemplateID > 0 {
		p.AAATemplateID = c.AAATemplateID
	}
	if c.SystemUserTemplateID > 0 {
		p.SystemUserTemplateID = c.SystemUserTemplateID
	}
	if s := strings.TrimSpace(c.ExitStyle); s != "" {
		p.ExitStyle = s
	}
	return p
}
