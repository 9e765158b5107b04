package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/pkg/transport"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Log       LogConfig               `mapstructure:"log"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Telnet    transport.ProcessConfig `mapstructure:"telnet"`
	SSH       transport.SSHConfig     `mapstructure:"ssh"`
	TCP       transport.TCPConfig     `mapstructure:"tcp"`
	CLI       CLIConfig               `mapstructure:"cli"`
	Session   SessionConfig           `mapstructure:"session"`
	Batch     BatchConfig             `mapstructure:"batch"`
	Provision ProvisionConfig         `mapstructure:"provision"`
	Secrets   SecretsConfig           `mapstructure:"secrets"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SimulateEnable bool          `mapstructure:"simulate_enable"`
	SimulateConfig string        `mapstructure:"simulate_config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger 转换为日志模块配置
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
		Compress:   l.Compress,
	}
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// LogLevel gorm 日志级别：silent|error|warn|info
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig 批量报告存储配置
type StorageConfig struct {
	// Backend 默认存储后端：local | minio
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalStorageConfig 本地存储配置
type LocalStorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// CLIConfig 会话状态机配置；零值项沿用厂商模板或内置默认
type CLIConfig struct {
	// Transport 默认通道类型：telnet|ssh|tcp
	Transport string `mapstructure:"transport"`
	// Vendor 厂商模板名称（addone/profile 注册）
	Vendor string `mapstructure:"vendor"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	EnableTimeout  time.Duration `mapstructure:"enable_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	PollBudget     time.Duration `mapstructure:"poll_budget"`
	DeniedGrace    time.Duration `mapstructure:"denied_grace"`
	HelpWait       time.Duration `mapstructure:"help_wait"`
	RawWait        time.Duration `mapstructure:"raw_wait"`
	LogoutWait     time.Duration `mapstructure:"logout_wait"`
	MaxPages       int           `mapstructure:"max_pages"`

	MoreKey       string `mapstructure:"more_key"`
	EnableCommand string `mapstructure:"enable_command"`
	LogoutCommand string `mapstructure:"logout_command"`

	// TailLines/TailBytes 分类器尾部窗口
	TailLines int `mapstructure:"tail_lines"`
	TailBytes int `mapstructure:"tail_bytes"`
	// Patterns 追加的匹配模式，优先于厂商与默认模式
	Patterns []cli.PatternSpec `mapstructure:"patterns"`

	EnableCandidates []string        `mapstructure:"enable_candidates"`
	Roles            []cli.RoleLevel `mapstructure:"roles"`
	FallbackLevel    int             `mapstructure:"fallback_level"`
	OutputLogLines   int             `mapstructure:"output_log_lines"`
}

// SessionConfig 交互会话配置
type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BatchConfig 批量执行配置
type BatchConfig struct {
	MaxReportChars int           `mapstructure:"max_report_chars"`
	SaveCommand    string        `mapstructure:"save_command"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// Concurrency 多台 OLT 下发时的并发上限
	Concurrency int  `mapstructure:"concurrency"`
	Debug       bool `mapstructure:"debug"`
}

// ProvisionConfig AAA 引导与账号下发参数
type ProvisionConfig struct {
	TacacsGroup          string `mapstructure:"tacacs_group"`
	AAATemplateID        int    `mapstructure:"aaa_template_id"`
	SystemUserTemplateID int    `mapstructure:"system_user_template_id"`
	// ExitStyle 退出配置块的命令：exit 或 $
	ExitStyle                string         `mapstructure:"exit_style"`
	AuthenticationTemplateID int            `mapstructure:"authentication_template_id"`
	AuthorTemplates          map[string]int `mapstructure:"author_templates"`
	DefaultAuthorTemplate    int            `mapstructure:"default_author_template"`
	// EnableTypeRoles 需要 enable-type aaa 的角色
	EnableTypeRoles []string `mapstructure:"enable_type_roles"`
}

// AuthorTemplate 角色对应的授权模板，角色名不区分大小写
func (p ProvisionConfig) AuthorTemplate(role string) int {
	key := strings.TrimSpace(role)
	for name, id := range p.AuthorTemplates {
		if strings.EqualFold(name, key) {
			return id
		}
	}
	return p.DefaultAuthorTemplate
}

// EnableType 角色是否需要 enable-type aaa
func (p ProvisionConfig) EnableType(role string) bool {
	key := strings.TrimSpace(role)
	for _, r := range p.EnableTypeRoles {
		if strings.EqualFold(r, key) {
			return true
		}
	}
	return false
}

// SecretsConfig 凭据加密配置
type SecretsConfig struct {
	// FernetKey 为空时从 settings 表读取或生成
	FernetKey string `mapstructure:"fernet_key"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("OLTCLI")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return &config, nil
}

// Default 仅含默认值的配置（命令行工具在没有配置文件时使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.simulate_enable", false)
	v.SetDefault("server.simulate_config", "simulate/simulate.yaml")

	// 日志默认级别为 info（可通过 log.level 覆盖为 debug/warn/error 等）
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")

	v.SetDefault("database.sqlite.path", "./data/oltcli.db")
	v.SetDefault("database.sqlite.log_level", "warn")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.local.mkdir_if_missing", true)

	// 终端客户端：为空时按 PATH 与常见路径查找 telnet
	v.SetDefault("telnet.use_pty", true)
	v.SetDefault("telnet.kill_wait", 2*time.Second)
	v.SetDefault("ssh.dial_timeout", 5*time.Second)
	v.SetDefault("tcp.dial_timeout", 5*time.Second)

	v.SetDefault("cli.transport", string(transport.KindTelnet))
	v.SetDefault("cli.vendor", "zte_c300")
	v.SetDefault("cli.fallback_level", cli.DefaultLevel)
	v.SetDefault("cli.enable_candidates", []string{"login", "enable", "combined"})

	v.SetDefault("session.idle_timeout", cli.DefaultIdleTimeout)
	v.SetDefault("session.sweep_interval", time.Minute)

	v.SetDefault("batch.max_report_chars", cli.DefaultMaxReportChars)
	v.SetDefault("batch.timeout", 8*time.Second)
	v.SetDefault("batch.concurrency", 4)

	v.SetDefault("provision.tacacs_group", "zte1")
	v.SetDefault("provision.aaa_template_id", 2128)
	v.SetDefault("provision.system_user_template_id", 128)
	v.SetDefault("provision.exit_style", "exit")
	v.SetDefault("provision.authentication_template_id", 128)
	v.SetDefault("provision.author_templates", map[string]int{"OLT_ADMIN": 128, "OLT_ENGINEER": 127})
	v.SetDefault("provision.default_author_template", 126)
	v.SetDefault("provision.enable_type_roles", []string{"OLT_ADMIN", "OLT_ENGINEER"})
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch transport.Kind(strings.ToLower(c.CLI.Transport)) {
	case "", transport.KindTelnet, transport.KindSSH, transport.KindTCP:
	default:
		return fmt.Errorf("invalid cli.transport %q", c.CLI.Transport)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", "local", "minio":
	default:
		return fmt.Errorf("invalid storage.backend %q", c.Storage.Backend)
	}
	if _, err := cli.ParseCandidateOrder(c.CLI.EnableCandidates); err != nil {
		return fmt.Errorf("invalid cli.enable_candidates: %w", err)
	}
	if _, err := cli.CompileMatchers(c.CLI.Patterns); err != nil {
		return fmt.Errorf("invalid cli.patterns: %w", err)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DialerConfig 构造通道拨号器配置
func (c *Config) DialerConfig() transport.DialerConfig {
	return transport.DialerConfig{
		Default: transport.Kind(strings.ToLower(c.CLI.Transport)),
		Telnet:  c.Telnet,
		SSH:     c.SSH,
		TCP:     c.TCP,
	}
}

// Policy 构造权限级别策略
func (c *Config) Policy() *cli.PrivilegePolicy {
	return cli.NewPrivilegePolicy(c.CLI.Roles, c.CLI.FallbackLevel)
}

// Apply 把非零配置项覆盖到状态机参数上
func (c CLIConfig) Apply(opts cli.Options) (cli.Options, error) {
	durations := []struct {
		dst *time.Duration
		src time.Duration
	}{
		{&opts.ConnectTimeout, c.ConnectTimeout},
		{&opts.LoginTimeout, c.LoginTimeout},
		{&opts.EnableTimeout, c.EnableTimeout},
		{&opts.CommandTimeout, c.CommandTimeout},
		{&opts.PollBudget, c.PollBudget},
		{&opts.DeniedGrace, c.DeniedGrace},
		{&opts.HelpWait, c.HelpWait},
		{&opts.RawWait, c.RawWait},
		{&opts.LogoutWait, c.LogoutWait},
	}
	for _, d := range durations {
		if d.src > 0 {
			*d.dst = d.src
		}
	}
	if c.MaxPages > 0 {
		opts.MaxPages = c.MaxPages
	}
	if c.MoreKey != "" {
		opts.MoreKey = c.MoreKey
	}
	if c.EnableCommand != "" {
		opts.EnableCommand = c.EnableCommand
	}
	if c.LogoutCommand != "" {
		opts.LogoutCommand = c.LogoutCommand
	}
	if c.OutputLogLines > 0 {
		opts.OutputLogLines = c.OutputLogLines
	}

	order, err := cli.ParseCandidateOrder(c.EnableCandidates)
	if err != nil {
		return opts, err
	}
	opts.CandidateOrder = order

	extra, err := cli.CompileMatchers(c.Patterns)
	if err != nil {
		return opts, err
	}
	if len(extra) > 0 || opts.Classifier == nil {
		base := cli.DefaultMatchers()
		if opts.Classifier != nil {
			base = opts.Classifier.Matchers()
		}
		opts.Classifier = cli.NewClassifier(cli.MergeMatchers(base, extra))
	}
	if c.TailLines > 0 || c.TailBytes > 0 {
		opts.Classifier = opts.Classifier.WithTail(c.TailLines, c.TailBytes)
	}
	return opts, nil
}
