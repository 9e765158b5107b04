package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/pkg/transport"
)

// DefaultMaxReportChars 报告最大字符数
const DefaultMaxReportChars = 12000

// BatchRequest 批量执行参数
type BatchRequest struct {
	Target transport.Target
	// Name 报告中显示的设备名，为空时用地址
	Name         string
	Principal    string
	Secret       string
	EnableSecret string
	Level        int
	Commands     []string
	// Save 末尾追加保存配置命令
	Save   bool
	DryRun bool
	// Debug 报告中附带登录阶段输出；登录失败时总是附带
	Debug   bool
	Timeout time.Duration
	Options *Options
}

// CommandResult 单条命令结果，按提交顺序产生
type CommandResult struct {
	Command  string        `json:"command" yaml:"command"`
	Output   string        `json:"output" yaml:"output"`
	Denied   bool          `json:"denied,omitempty" yaml:"denied,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Report 批量执行报告
type Report struct {
	Target     string          `json:"target" yaml:"target"`
	DryRun     bool            `json:"dry_run" yaml:"dry_run"`
	Level      int             `json:"level" yaml:"level"`
	Banner     string          `json:"banner,omitempty" yaml:"banner,omitempty"`
	Planned    []string        `json:"planned,omitempty" yaml:"planned,omitempty"`
	Results    []CommandResult `json:"results" yaml:"results"`
	StartedAt  time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time       `json:"finished_at" yaml:"finished_at"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Denied 被拒绝的命令数
func (r *Report) Denied() int {
	n := 0
	for _, res := range r.Results {
		if res.Denied {
			n++
		}
	}
	return n
}

// Format 文本报告：每条命令输出归在 "$ 命令" 之下，超长截断
func (r *Report) Format(maxChars int, debug bool) string {
	if r.DryRun {
		return "DRY-RUN (no changes)\n" + strings.Join(r.Planned, "\n")
	}
	var lines []string
	if debug && strings.TrimSpace(r.Banner) != "" {
		lines = append(lines, "=== CONNECT/LOGIN (raw-ish) ===", strings.TrimSpace(r.Banner))
	}
	lines = append(lines, fmt.Sprintf("=== OLT TELNET JOB: %s ===", r.Target))
	for _, res := range r.Results {
		lines = append(lines, "")
		head := "$ " + res.Command
		if res.Denied {
			head += "  [DENIED]"
		}
		lines = append(lines, head)
		if out := strings.TrimSpace(res.Output); out != "" {
			lines = append(lines, out)
		}
		if res.Error != "" && !res.Denied {
			lines = append(lines, "! "+res.Error)
		}
	}
	if r.Error != "" {
		lines = append(lines, "", "!! "+r.Error)
	}
	text := strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
	return Truncate(text, maxChars)
}

// Truncate 按字符数截断并追加标记
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "\n... (truncated)\n"
}

// YAML 结构化报告
func (r *Report) YAML() (string, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return string(out), nil
}

// BatchExecutor 无状态的批量执行器
type BatchExecutor struct {
	dialer      transport.Dialer
	opts        Options
	saveCommand string
}

// NewBatchExecutor 创建批量执行器；saveCommand 为空时使用 "write"
func NewBatchExecutor(dialer transport.Dialer, opts Options, saveCommand string) *BatchExecutor {
	if saveCommand == "" {
		saveCommand = "write"
	}
	return &BatchExecutor{dialer: dialer, opts: opts, saveCommand: saveCommand}
}

// Plan 实际要发送的命令：去掉空行，按需追加保存命令
func (b *BatchExecutor) Plan(commands []string, save bool) []string {
	out := make([]string, 0, len(commands)+1)
	for _, c := range commands {
		c = strings.TrimRight(c, "\r\n")
		if strings.TrimSpace(c) == "" {
			continue
		}
		out = append(out, c)
	}
	if save {
		out = append(out, b.saveCommand)
	}
	return out
}

// Run 连接、登录、提权后依次执行命令。
// 命令被拒绝时记录并继续；超时或断开则中止，返回已完成部分的报告与错误。
func (b *BatchExecutor) Run(ctx context.Context, req BatchRequest) (*Report, error) {
	plan := b.Plan(req.Commands, req.Save)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Target.Host
	}
	report := &Report{
		Target:    name,
		DryRun:    req.DryRun,
		Level:     req.Level,
		StartedAt: time.Now(),
	}
	if req.DryRun {
		report.Planned = plan
		report.FinishedAt = report.StartedAt
		return report, nil
	}
	if strings.TrimSpace(req.Target.Host) == "" {
		return nil, ConfigError("batch", "target address is required")
	}
	if req.Principal == "" {
		return nil, ConfigError("batch", "principal is required")
	}

	opts := b.opts
	if req.Options != nil {
		opts = *req.Options
	}
	log := logger.WithField("target", req.Target.String()).WithField("principal", req.Principal)
	opts.Logger = log

	target := req.Target
	if target.Kind == transport.KindSSH {
		target.Username = req.Principal
		target.Password = req.Secret
	}
	ch, err := b.dialer.Dial(ctx, target)
	if err != nil {
		return b.finish(report, DialError(req.Target.String(), err))
	}
	m := NewMachine(ch, req.Target.String(), opts)
	creds := Credentials{Principal: req.Principal, Secret: req.Secret, EnableSecret: req.EnableSecret}
	if err := m.Open(ctx, creds, req.Level, req.Timeout); err != nil {
		report.Banner = CleanOutput(m.Transcript())
		m.Abort()
		return b.finish(report, err)
	}
	if req.Debug {
		report.Banner = CleanOutput(m.Transcript())
	}
	report.Level = m.Level()

	for _, cmd := range plan {
		started := time.Now()
		out, err := m.Execute(ctx, cmd, req.Timeout)
		res := CommandResult{Command: cmd, Output: CleanOutput(out), Duration: time.Since(started)}
		if err != nil {
			res.Error = err.Error()
			res.Denied = KindOf(err) == KindCommandDenied
		}
		report.Results = append(report.Results, res)
		if err != nil && !res.Denied {
			m.Abort()
			return b.finish(report, err)
		}
		if res.Denied {
			log.WithField("command", cmd).Warn("command denied, continuing")
		}
	}

	m.Close()
	log.WithField("commands", len(plan)).WithField("denied", report.Denied()).Info("batch finished")
	return b.finish(report, nil)
}

func (b *BatchExecutor) finish(report *Report, err error) (*Report, error) {
	report.FinishedAt = time.Now()
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	return report, nil
}
