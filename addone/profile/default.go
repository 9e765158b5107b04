package profile

import (
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/transport"
)

// Profile 厂商 CLI 差异：分页、提权、注销与保存命令
type Profile struct {
	MoreKey       string
	EnableCommand string
	LogoutCommand string
	SaveCommand   string
	// Charset 设备输出编码，配置未指定编码时生效
	Charset string
	// Patterns 厂商专有模式，优先于默认模式
	Patterns []cli.PatternSpec
}

// Plugin 厂商插件接口
type Plugin interface {
	// Name 插件名称（如：default、zte_c300、huawei_ma5800）
	Name() string
	// Profile 返回厂商 CLI 模板
	Profile() Profile
}

// DefaultPlugin 系统默认插件，沿用内置匹配表
type DefaultPlugin struct{}

func (p *DefaultPlugin) Name() string { return "default" }

func (p *DefaultPlugin) Profile() Profile {
	return Profile{SaveCommand: "write"}
}

// Options 在默认参数上应用厂商模板
func Options(p Plugin) (cli.Options, error) {
	prof := p.Profile()
	opts := cli.DefaultOptions()
	if prof.MoreKey != "" {
		opts.MoreKey = prof.MoreKey
	}
	if prof.EnableCommand != "" {
		opts.EnableCommand = prof.EnableCommand
	}
	if prof.LogoutCommand != "" {
		opts.LogoutCommand = prof.LogoutCommand
	}
	extra, err := cli.CompileMatchers(prof.Patterns)
	if err != nil {
		return opts, err
	}
	opts.Classifier = cli.NewClassifier(cli.MergeMatchers(cli.DefaultMatchers(), extra))
	return opts, nil
}

// SaveCommand 厂商保存配置命令，未定义时为 write
func SaveCommand(p Plugin) string {
	if s := p.Profile().SaveCommand; s != "" {
		return s
	}
	return "write"
}

// DialerConfig 未配置编码的通道使用厂商编码
func DialerConfig(p Plugin, dc transport.DialerConfig) transport.DialerConfig {
	cs := p.Profile().Charset
	if cs == "" {
		return dc
	}
	for _, opts := range []*transport.Options{&dc.Telnet.Options, &dc.SSH.Options, &dc.TCP.Options} {
		if opts.Charset == "" {
			opts.Charset = cs
		}
	}
	return dc
}
