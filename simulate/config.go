package simulate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Config simulate.yaml 配置结构
// 注意：viper 会把 map 键转为小写，users/commands 的键按小写匹配
type Config struct {
	Namespace  map[string]NamespaceConfig  `mapstructure:"namespace"`
	DeviceType map[string]DeviceTypeConfig `mapstructure:"device_type"`
	Users      map[string]UserConfig       `mapstructure:"users"`
}

// NamespaceConfig 每个 namespace 在独立端口模拟一台 OLT
type NamespaceConfig struct {
	Port int `mapstructure:"port"`
	// Protocol tcp（默认，明文行协议）或 ssh
	Protocol    string `mapstructure:"protocol"`
	Hostname    string `mapstructure:"hostname"`
	DeviceType  string `mapstructure:"device_type"`
	IdleSeconds int    `mapstructure:"idle_seconds"`
	MaxConn     int    `mapstructure:"max_conn"`
	// CommandsDir 命令输出文件目录：<dir>/<命令>.txt
	CommandsDir string `mapstructure:"commands_dir"`
	// HostKeyPath ssh host key 持久化路径，为空时每次启动生成
	HostKeyPath string `mapstructure:"host_key_path"`
}

// DeviceTypeConfig 设备类型的提示符与行为
type DeviceTypeConfig struct {
	Banner             string `mapstructure:"banner"`
	LoginPrompt        string `mapstructure:"login_prompt"`
	PasswordPrompt     string `mapstructure:"password_prompt"`
	PromptSuffix       string `mapstructure:"prompt_suffixe"`
	EnableModeRequired bool   `mapstructure:"enable_mode_required"`
	EnableModeSuffix   string `mapstructure:"enable_mode_suffixe"`
	// EnableCommand 提权命令关键字（enable / super）
	EnableCommand string `mapstructure:"enable_command"`

	LoginFailedMessage  string `mapstructure:"login_failed_message"`
	EnableFailedMessage string `mapstructure:"enable_failed_message"`
	DeniedMessage       string `mapstructure:"denied_message"`
	SaveCommand         string `mapstructure:"save_command"`
	SaveOutput          string `mapstructure:"save_output"`

	// PageLines 超过该行数时分页，0 不分页
	PageLines int    `mapstructure:"page_lines"`
	MoreText  string `mapstructure:"more_text"`

	Commands map[string]string `mapstructure:"commands"`
	// DeniedCommands 命中正则的命令一律拒绝
	DeniedCommands []string `mapstructure:"denied_commands"`
	// HangCommands 命中后不再返回提示符，用于超时场景
	HangCommands []string `mapstructure:"hang_commands"`
	// CloseCommands 命中后直接断开连接
	CloseCommands []string `mapstructure:"close_commands"`
}

// UserConfig 模拟设备本地账号
type UserConfig struct {
	Password       string `mapstructure:"password"`
	EnablePassword string `mapstructure:"enable_password"`
	// Level 允许提权到的最高级别
	Level int `mapstructure:"level"`
}

// LoadConfig 读取 simulate/simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验正则与协议
func (c *Config) Validate() error {
	for ns, n := range c.Namespace {
		switch strings.ToLower(strings.TrimSpace(n.Protocol)) {
		case "", "tcp", "ssh":
		default:
			return fmt.Errorf("namespace %s: unsupported protocol %q", ns, n.Protocol)
		}
		if n.DeviceType != "" {
			if _, ok := c.DeviceType[n.DeviceType]; !ok {
				return fmt.Errorf("namespace %s: unknown device_type %q", ns, n.DeviceType)
			}
		}
	}
	for name, dt := range c.DeviceType {
		for _, list := range [][]string{dt.DeniedCommands, dt.HangCommands, dt.CloseCommands} {
			if _, err := compileAll(list); err != nil {
				return fmt.Errorf("device_type %s: %w", name, err)
			}
		}
	}
	return nil
}

// ZTEDeviceType ZTE C300 风格默认设备
func ZTEDeviceType() DeviceTypeConfig {
	return DeviceTypeConfig{
		Banner:              "\r\n******************************\r\n  Welcome to ZXAN C300 (simulated)\r\n******************************\r\n",
		LoginPrompt:         "Username:",
		PasswordPrompt:      "Password:",
		PromptSuffix:        ">",
		EnableModeRequired:  true,
		EnableModeSuffix:    "#",
		EnableCommand:       "enable",
		LoginFailedMessage:  "%Error 20209: No username or bad password",
		EnableFailedMessage: "%Error 20210: Bad enable password",
		DeniedMessage:       "%Error 20203: Invalid input detected at '^' marker.",
		SaveCommand:         "write",
		SaveOutput:          "Building configuration...\n..[OK]",
		PageLines:           24,
		MoreText:            " --More-- ",
	}
}

// device 合并默认值后的设备类型
func (c *Config) device(ns NamespaceConfig) DeviceTypeConfig {
	base := ZTEDeviceType()
	dt, ok := c.DeviceType[ns.DeviceType]
	if !ok {
		return base
	}
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&dt.Banner, base.Banner)
	fill(&dt.LoginPrompt, base.LoginPrompt)
	fill(&dt.PasswordPrompt, base.PasswordPrompt)
	fill(&dt.PromptSuffix, base.PromptSuffix)
	fill(&dt.EnableModeSuffix, base.EnableModeSuffix)
	fill(&dt.EnableCommand, base.EnableCommand)
	fill(&dt.LoginFailedMessage, base.LoginFailedMessage)
	fill(&dt.EnableFailedMessage, base.EnableFailedMessage)
	fill(&dt.DeniedMessage, base.DeniedMessage)
	fill(&dt.SaveCommand, base.SaveCommand)
	fill(&dt.SaveOutput, base.SaveOutput)
	fill(&dt.MoreText, base.MoreText)
	return dt
}

// user 按小写用户名查找
func (c *Config) user(name string) (UserConfig, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for n, u := range c.Users {
		if strings.ToLower(n) == key {
			if u.Level <= 0 {
				u.Level = 15
			}
			return u, true
		}
	}
	return UserConfig{}, false
}

// commandNames 已知命令（帮助列表用）
func (dt DeviceTypeConfig) commandNames() []string {
	seen := map[string]bool{}
	for _, c := range []string{"configure terminal", "end", "exit", dt.EnableCommand, dt.SaveCommand} {
		seen[c] = true
	}
	for c := range dt.Commands {
		seen[strings.ToLower(c)] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		if c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
