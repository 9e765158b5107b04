package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPConfig 原始 TCP 通道配置（串口服务器、内置模拟器等不做 telnet 协商的场景）
type TCPConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`

	Options `mapstructure:",squash"`
}

// TCPChannel TCP 通道
type TCPChannel struct {
	*stream
	conn net.Conn
}

// DialTCP 建立 TCP 通道
func DialTCP(ctx context.Context, cfg TCPConfig, address string) (*TCPChannel, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: timeout, KeepAlive: cfg.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	s, err := newStream(conn, conn, conn.Close, cfg.Options.withDefaults("\r\n"))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TCPChannel{stream: s, conn: conn}, nil
}

// RemoteAddr 对端地址
func (c *TCPChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
