package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig 仅开放 SSH 的 OLT 使用的通道配置
type SSHConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
	Rows        int           `mapstructure:"rows"`
	Cols        int           `mapstructure:"cols"`

	Options `mapstructure:",squash"`
}

// SSHChannel SSH 交互 shell 通道
type SSHChannel struct {
	*stream
	client  *ssh.Client
	session *ssh.Session
	done    chan struct{}
}

// clientConfig 兼容旧设备的算法列表，同时启用 password 与 keyboard-interactive
func clientConfig(target Target, timeout time.Duration) *ssh.ClientConfig {
	cfg := &ssh.ClientConfig{
		User:            target.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		Config: ssh.Config{
			KeyExchanges: []string{
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
			},
			Ciphers: []string{
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"ssh-rsa",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}
	if target.Password != "" {
		cfg.Auth = []ssh.AuthMethod{
			ssh.Password(target.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				// OLT 的所有提示统一回答登录密码
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = target.Password
				}
				return answers, nil
			}),
		}
	}
	return cfg
}

// DialSSH 建立 SSH 连接并打开带 PTY 的交互 shell
func DialSSH(ctx context.Context, cfg SSHConfig, target Target) (*SSHChannel, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	address := target.Address()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig(target, timeout))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SSH connection: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := newSessionWithRetry(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 200
	}
	// 终端类型回退：vt100 优先
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, rows, cols, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	sc := &SSHChannel{client: client, session: session, done: make(chan struct{})}
	s, err := newStream(stdout, stdin, func() error {
		close(sc.done)
		_ = session.Close()
		return client.Close()
	}, cfg.Options.withDefaults("\r\n"))
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	sc.stream = s
	if cfg.KeepAlive > 0 {
		go sc.keepAlive(cfg.KeepAlive)
	}
	return sc, nil
}

// newSessionWithRetry 部分设备登录后立即开通道会返回
// "administratively prohibited"，短退避后重试
func newSessionWithRetry(client *ssh.Client) (*ssh.Session, error) {
	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			time.Sleep(d)
		}
		sess, err := client.NewSession()
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			// 连接已断开，重试无意义
			break
		}
	}
	return nil, lastErr
}

func (c *SSHChannel) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}
