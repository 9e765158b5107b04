package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// ErrClosed 对端关闭连接或子进程退出
var ErrClosed = errors.New("transport: channel closed")

// ErrBinaryNotFound 找不到终端客户端可执行文件
var ErrBinaryNotFound = errors.New("transport: terminal client binary not found")

// Channel 终端字节通道
// Drain 只在对端关闭时返回 ErrClosed；单纯超时返回空串与 nil
type Channel interface {
	Send(text string) error
	SendRaw(p []byte) error
	Drain(budget time.Duration) (string, error)
	Close() error
}

// Kind 通道类型
type Kind string

const (
	KindTelnet Kind = "telnet"
	KindSSH    Kind = "ssh"
	KindTCP    Kind = "tcp"
)

// Target 连接目标
// Username/Password 仅 ssh 在协议层使用，telnet/tcp 由状态机在提示符处输入
type Target struct {
	Kind     Kind   `json:"kind,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"-"`
	Password string `json:"-"`
}

// Address 返回 host:port；未指定端口时按类型取默认端口
func (t Target) Address() string {
	port := t.Port
	if port <= 0 {
		switch t.Kind {
		case KindSSH:
			port = 22
		default:
			port = 23
		}
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String 日志展示
func (t Target) String() string {
	if t.Port > 0 {
		return t.Address()
	}
	return t.Host
}

// Options 各通道共用的读写参数
type Options struct {
	// LineTerminator Send 追加的行结束符
	LineTerminator string `mapstructure:"line_terminator"`
	// Charset 设备输出编码，空表示 UTF-8（非法字节回退到常见旧编码）
	Charset string `mapstructure:"charset"`
	// SendInterval 两次写入之间的最小间隔
	SendInterval time.Duration `mapstructure:"send_interval"`
	// QuietGap 已有数据后静默多久提前结束 Drain，0 表示读满预算
	QuietGap time.Duration `mapstructure:"quiet_gap"`
	// ReadBufferSize 单次读取大小
	ReadBufferSize int `mapstructure:"read_buffer_size"`
}

func (o Options) withDefaults(terminator string) Options {
	if o.LineTerminator == "" {
		o.LineTerminator = terminator
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	return o
}

// Dialer 根据目标建立通道
type Dialer interface {
	Dial(ctx context.Context, target Target) (Channel, error)
}

// DialerConfig 拨号器配置
type DialerConfig struct {
	Default Kind
	Telnet  ProcessConfig
	SSH     SSHConfig
	TCP     TCPConfig
}

// NewDialer 创建按目标类型分派的拨号器
func NewDialer(cfg DialerConfig) Dialer {
	if cfg.Default == "" {
		cfg.Default = KindTelnet
	}
	return &dialer{cfg: cfg}
}

type dialer struct {
	cfg DialerConfig
}

func (d *dialer) Dial(ctx context.Context, target Target) (Channel, error) {
	if target.Kind == "" {
		target.Kind = d.cfg.Default
	}
	switch target.Kind {
	case KindTelnet:
		args := []string{target.Host}
		if target.Port > 0 && target.Port != 23 {
			args = append(args, strconv.Itoa(target.Port))
		}
		return StartProcess(d.cfg.Telnet, args...)
	case KindSSH:
		return DialSSH(ctx, d.cfg.SSH, target)
	case KindTCP:
		return DialTCP(ctx, d.cfg.TCP, target.Address())
	}
	return nil, errors.New("transport: unsupported channel kind " + string(target.Kind))
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, target Target) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Channel, error) {
	return f(ctx, target)
}
