package service

import (
	"fmt"
	"strings"

	"github.com/oltcli/oltcli/internal/config"
)

// 引导默认值
const (
	DefaultTacacsGroup          = "zte1"
	DefaultAAATemplateID        = 2128
	DefaultSystemUserTemplateID = 128
)

// exitCommand 退出配置块的命令
func exitCommand(style string) string {
	if strings.TrimSpace(style) == "$" {
		return "$"
	}
	return "exit"
}

// BootstrapCommands AAA 模板（tacacs-local）与 system-user 绑定
// 不涉及 tacacs-server host 等全局设置，这些依赖现场 VLAN 与地址，需人工配置
func BootstrapCommands(p config.ProvisionConfig) []string {
	g := strings.TrimSpace(p.TacacsGroup)
	if g == "" {
		g = DefaultTacacsGroup
	}
	aaa := p.AAATemplateID
	if aaa <= 0 {
		aaa = DefaultAAATemplateID
	}
	sys := p.SystemUserTemplateID
	if sys <= 0 {
		sys = DefaultSystemUserTemplateID
	}
	x := exitCommand(p.ExitStyle)

	return []string{
		"conf t",

		fmt.Sprintf("aaa-accounting-template %d", aaa),
		"aaa-accounting-type tacacs",
		fmt.Sprintf("accounting-tacacs-group %s", g),
		"description TACACS_ACCT",
		x,

		fmt.Sprintf("aaa-authentication-template %d", aaa),
		"aaa-authentication-type tacacs-local",
		fmt.Sprintf("authentication-tacacs-group %s", g),
		x,

		fmt.Sprintf("aaa-authorization-template %d", aaa),
		"aaa-authorization-type tacacs-local",
		fmt.Sprintf("authorization-tacacs-group %s", g),
		x,

		"system-user",
		fmt.Sprintf("account-switch on accounting-template %d", aaa),

		fmt.Sprintf("authorization-template %d", sys),
		fmt.Sprintf("bind aaa-authorization-template %d", aaa),
		x,

		fmt.Sprintf("authentication-template %d", sys),
		fmt.Sprintf("bind aaa-authentication-template %d", aaa),
		x,

		// 退出 system-user
		x,

		fmt.Sprintf("command-authorization 5 %d", aaa),

		"end",
	}
}

// ProvisionCommands 在 OLT 上创建账号并按角色绑定授权模板
func ProvisionCommands(p config.ProvisionConfig, username, role string) []string {
	authn := p.AuthenticationTemplateID
	if authn <= 0 {
		authn = DefaultSystemUserTemplateID
	}
	cmds := []string{
		"conf t",
		"system-user",
		fmt.Sprintf("user-name %s", username),
		fmt.Sprintf("bind authentication-template %d", authn),
		fmt.Sprintf("bind authorization-template %d", p.AuthorTemplate(role)),
	}
	if p.EnableType(role) {
		cmds = append(cmds, fmt.Sprintf("enable-type aaa authentication-template %d", authn))
	}
	return append(cmds, "exit", "end")
}

// DeprovisionCommands 只删除目标账号
func DeprovisionCommands(username string) []string {
	return []string{
		"conf t",
		"system-user",
		fmt.Sprintf("no user-name %s", username),
		"end",
	}
}

// validUsername OLT 账号名不能包含空白
func validUsername(username string) bool {
	return username != "" && !strings.ContainsAny(username, " \t\r\n")
}
