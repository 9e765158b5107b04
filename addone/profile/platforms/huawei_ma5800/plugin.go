package huawei_ma5800

import (
	"github.com/oltcli/oltcli/addone/profile"
	"github.com/oltcli/oltcli/pkg/cli"
)

// Plugin 华为 MA5800/MA5600T 系列 OLT
// 华为没有分级 enable，"enable" 直接进入特权模式；save 保存配置
type Plugin struct{}

func (p *Plugin) Name() string { return "huawei_ma5800" }

func (p *Plugin) Profile() profile.Profile {
	return profile.Profile{
		MoreKey:       " ",
		EnableCommand: "enable",
		LogoutCommand: "quit",
		SaveCommand:   "save",
		Charset:       "gbk",
		Patterns: []cli.PatternSpec{
			{Event: "pagination", Name: "huawei_more", Pattern: `---- More \( Press 'Q' to break \) ----`},
			{Event: "denied", Name: "huawei_unknown_command", Pattern: `(?i)unknown command`},
			{Event: "denied", Name: "huawei_failure", Pattern: `(?i)failure:`},
		},
	}
}

func init() {
	profile.Register("huawei_ma5800", &Plugin{})
}
