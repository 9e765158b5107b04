package transport

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// ProcessConfig 终端客户端子进程配置
type ProcessConfig struct {
	// Binary 可执行文件，空则按常见路径与 PATH 查找 telnet
	Binary string `mapstructure:"binary"`
	// Args 附加在目标参数之前的固定参数
	Args []string `mapstructure:"args"`
	// UsePTY 在伪终端中运行（telnet 客户端需要真实终端才会进入字符模式）
	UsePTY bool     `mapstructure:"use_pty"`
	Rows   uint16   `mapstructure:"rows"`
	Cols   uint16   `mapstructure:"cols"`
	Env    []string `mapstructure:"env"`
	// KillWait 关闭时等待子进程退出的时长
	KillWait time.Duration `mapstructure:"kill_wait"`

	Options `mapstructure:",squash"`
}

// wellKnownTelnet systemd 等环境 PATH 可能很短，先查绝对路径
var wellKnownTelnet = []string{"/usr/bin/telnet", "/bin/telnet", "/usr/local/bin/telnet"}

// ResolveBinary 解析客户端可执行文件
func ResolveBinary(configured string) (string, error) {
	if configured != "" {
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, configured)
	}
	for _, p := range wellKnownTelnet {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	if p, err := exec.LookPath("telnet"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: telnet", ErrBinaryNotFound)
}

// ProcessChannel 子进程通道
type ProcessChannel struct {
	*stream
	cmd    *exec.Cmd
	exited chan struct{}
}

// StartProcess 启动子进程；args 追加在 cfg.Args 之后
// 不绑定请求 context：交互会话的生命周期长于单次请求
func StartProcess(cfg ProcessConfig, args ...string) (*ProcessChannel, error) {
	bin, err := ResolveBinary(cfg.Binary)
	if err != nil {
		return nil, err
	}
	argv := append(append([]string{}, cfg.Args...), args...)
	cmd := exec.Command(bin, argv...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	opts := cfg.Options.withDefaults("\n")
	killWait := cfg.KillWait
	if killWait <= 0 {
		killWait = 2 * time.Second
	}

	pc := &ProcessChannel{cmd: cmd, exited: make(chan struct{})}

	if cfg.UsePTY {
		rows, cols := cfg.Rows, cfg.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 200
		}
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err != nil {
			return nil, fmt.Errorf("failed to start %s on pty: %w", bin, err)
		}
		go pc.reap()
		s, err := newStream(ptmx, ptmx, func() error {
			pc.kill(killWait)
			return ptmx.Close()
		}, opts)
		if err != nil {
			pc.kill(killWait)
			_ = ptmx.Close()
			return nil, err
		}
		pc.stream = s
		return pc, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	// stdout 与 stderr 合并到同一管道
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}
	_ = pw.Close()
	go pc.reap()

	s, err := newStream(pr, stdin, func() error {
		_ = stdin.Close()
		pc.kill(killWait)
		return pr.Close()
	}, opts)
	if err != nil {
		pc.kill(killWait)
		_ = pr.Close()
		return nil, err
	}
	pc.stream = s
	return pc, nil
}

// reap 回收子进程，避免僵尸进程
func (p *ProcessChannel) reap() {
	_ = p.cmd.Wait()
	close(p.exited)
}

func (p *ProcessChannel) kill(wait time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
	case <-time.After(wait):
	}
}

// Pid 子进程号
func (p *ProcessChannel) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited 子进程退出时关闭
func (p *ProcessChannel) Exited() <-chan struct{} {
	return p.exited
}
