package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/pkg/transport"
)

// State 会话状态
type State int

const (
	StateConnecting State = iota
	StateAwaitLogin
	StateAwaitPassword
	StateAuthenticated
	StateEscalating
	StateReady
	StateExecuting
	StatePaginating
	StateClosed
	StateDenied
	StateTimedOut
	StateClosedUnexpectedly
)

var stateNames = map[State]string{
	StateConnecting:         "CONNECTING",
	StateAwaitLogin:         "AWAIT_LOGIN",
	StateAwaitPassword:      "AWAIT_PASSWORD",
	StateAuthenticated:      "AUTHENTICATED",
	StateEscalating:         "ESCALATING",
	StateReady:              "READY",
	StateExecuting:          "EXECUTING",
	StatePaginating:         "PAGINATING",
	StateClosed:             "CLOSED",
	StateDenied:             "DENIED",
	StateTimedOut:           "TIMED_OUT",
	StateClosedUnexpectedly: "CLOSED_UNEXPECTEDLY",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options 状态机参数
type Options struct {
	Classifier *Classifier

	ConnectTimeout time.Duration
	LoginTimeout   time.Duration
	EnableTimeout  time.Duration
	CommandTimeout time.Duration

	// PollBudget 单次 Drain 的时间预算
	PollBudget time.Duration
	// DeniedGrace 命中拒绝关键字后继续等待提示符的时长
	DeniedGrace time.Duration
	// HelpWait 帮助查询收集列表的时长
	HelpWait time.Duration
	// RawWait 原始控制字节发送后等待提示符的时长
	RawWait time.Duration
	// LogoutWait 发送注销命令后的等待
	LogoutWait time.Duration
	// MaxPages 单条命令最多翻页次数
	MaxPages int

	MoreKey string
	// EnableCommand 提权命令模板，%d 替换为级别；不含 %d 时原样发送
	EnableCommand string
	LogoutCommand string
	LineClear     byte
	Interrupt     byte

	// UnprivilegedLevel ">" 提示符对应的级别
	UnprivilegedLevel int
	CandidateOrder    []CandidateKind

	// OutputLogLines debug 日志中记录命令输出的头尾行数
	OutputLogLines int

	Logger *logrus.Entry
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    10 * time.Second,
		LoginTimeout:      8 * time.Second,
		EnableTimeout:     8 * time.Second,
		CommandTimeout:    30 * time.Second,
		PollBudget:        250 * time.Millisecond,
		DeniedGrace:       2 * time.Second,
		HelpWait:          1500 * time.Millisecond,
		RawWait:           2 * time.Second,
		LogoutWait:        2 * time.Second,
		MaxPages:          500,
		MoreKey:           " ",
		EnableCommand:     "enable %d",
		LogoutCommand:     "exit",
		LineClear:         0x15,
		Interrupt:         0x03,
		UnprivilegedLevel: MinLevel,
		CandidateOrder:    DefaultCandidateOrder(),
		OutputLogLines:    5,
	}
}

// withDefaults 零值字段用默认值补齐
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Classifier == nil {
		o.Classifier = NewClassifier(nil)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = d.LoginTimeout
	}
	if o.EnableTimeout <= 0 {
		o.EnableTimeout = d.EnableTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.PollBudget <= 0 {
		o.PollBudget = d.PollBudget
	}
	if o.DeniedGrace <= 0 {
		o.DeniedGrace = d.DeniedGrace
	}
	if o.HelpWait <= 0 {
		o.HelpWait = d.HelpWait
	}
	if o.RawWait <= 0 {
		o.RawWait = d.RawWait
	}
	if o.LogoutWait < 0 {
		o.LogoutWait = 0
	}
	if o.MaxPages <= 0 {
		o.MaxPages = d.MaxPages
	}
	if o.MoreKey == "" {
		o.MoreKey = d.MoreKey
	}
	if o.EnableCommand == "" {
		o.EnableCommand = d.EnableCommand
	}
	if o.LogoutCommand == "" {
		o.LogoutCommand = d.LogoutCommand
	}
	if o.LineClear == 0 {
		o.LineClear = d.LineClear
	}
	if o.Interrupt == 0 {
		o.Interrupt = d.Interrupt
	}
	if o.UnprivilegedLevel <= 0 {
		o.UnprivilegedLevel = d.UnprivilegedLevel
	}
	if len(o.CandidateOrder) == 0 {
		o.CandidateOrder = d.CandidateOrder
	}
	if o.OutputLogLines <= 0 {
		o.OutputLogLines = d.OutputLogLines
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logger.GetLogger())
	}
	return o
}

// Machine 单个 CLI 会话的状态机，独占一个通道
// 非并发安全：同一时刻只允许一个调用驱动
type Machine struct {
	ch     transport.Channel
	opts   Options
	cls    *Classifier
	target string
	log    *logrus.Entry

	buf        Normalizer
	state      State
	event      Event
	level      int
	privileged bool
	// promptPrefix 首个就绪提示符中的主机名，之后只有以它开头的行才算提示符
	promptPrefix string
}

// NewMachine 在已建立的通道上创建状态机
func NewMachine(ch transport.Channel, target string, opts Options) *Machine {
	opts = opts.withDefaults()
	return &Machine{
		ch:     ch,
		opts:   opts,
		cls:    opts.Classifier,
		target: target,
		log:    opts.Logger.WithField("target", target),
		state:  StateConnecting,
	}
}

// State 当前状态
func (m *Machine) State() State { return m.state }

// Level 当前权限级别，未知为 0
func (m *Machine) Level() int { return m.level }

// Privileged 是否处于 "#" 提示符
func (m *Machine) Privileged() bool { return m.privileged }

// Transcript 当前缓冲的规范化文本
func (m *Machine) Transcript() string { return m.buf.String() }

// Options 生效的参数
func (m *Machine) Options() Options { return m.opts }

var errWaitTimeout = errors.New("pattern wait timed out")

type waitResult struct {
	event  Event
	got    bool
	denied bool
}

func wants(want []Event, ev Event) bool {
	for _, w := range want {
		if w == ev {
			return true
		}
	}
	return false
}

// await 轮询 Drain 直到尾部命中 want 中的事件。
// grace>0 时，命中拒绝关键字后再等 grace 仍无期望事件即返回 EventDenied。
// 返回 errWaitTimeout、transport.ErrClosed 或 ctx 错误。
func (m *Machine) await(ctx context.Context, timeout time.Duration, from int, grace time.Duration, want ...Event) (waitResult, error) {
	var res waitResult
	deadline := time.Now().Add(timeout)
	var deniedAt time.Time

	// 退格可能擦除起点之前的内容（如分页提示），起点随低水位前移
	m.buf.SetFloor(from)
	for {
		from = m.buf.Floor()
		text := m.buf.Since(from)
		if text != "" {
			res.got = true
		}
		ev := m.classify(text)
		if wants(want, ev) {
			res.event = ev
			return res, nil
		}
		if ev == EventDenied && grace > 0 {
			if !res.denied {
				res.denied = true
				deniedAt = time.Now()
			} else if time.Since(deniedAt) >= grace {
				res.event = EventDenied
				return res, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return res, errWaitTimeout
		}
		budget := m.opts.PollBudget
		if budget > remaining {
			budget = remaining
		}
		chunk, err := m.ch.Drain(budget)
		if chunk != "" {
			m.buf.Feed(chunk)
			res.got = true
		}
		if err != nil {
			from = m.buf.Floor()
			if ev := m.classify(m.buf.Since(from)); wants(want, ev) {
				res.event = ev
				return res, nil
			} else if ev == EventDenied {
				res.denied = true
			}
			return res, transport.ErrClosed
		}
	}
}

func (m *Machine) fail(kind Kind, op, command, output string, cause error) error {
	switch {
	case kind == KindConnectionClosed:
		m.state = StateClosedUnexpectedly
	case kind.Denied():
		m.state = StateDenied
	case kind.Timeout():
		m.state = StateTimedOut
	}
	e := &Error{Kind: kind, Op: op, Target: m.target, Command: command, Output: output, Err: cause}
	m.log.WithField("op", op).Debugf("session failure: %v", e)
	return e
}

// waitFailure 把 await 的错误映射为错误类别
func (m *Machine) waitFailure(err error, timeoutKind, deniedKind Kind, denied bool) Kind {
	switch {
	case errors.Is(err, transport.ErrClosed):
		if denied {
			return deniedKind
		}
		return KindConnectionClosed
	case denied:
		return deniedKind
	default:
		return timeoutKind
	}
}

func (m *Machine) send(text string) error {
	return m.ch.Send(text)
}

// classify 尾行不以已知主机名开头时不认作提示符（如 "!<if-intf>" 恰好落在分块末尾）
func (m *Machine) classify(text string) Event {
	ev := m.cls.Classify(text)
	if ev.Ready() && !m.atPrompt(text) {
		return EventNone
	}
	return ev
}

func (m *Machine) atPrompt(text string) bool {
	if m.promptPrefix == "" {
		return true
	}
	return strings.HasPrefix(lastLine(text), m.promptPrefix)
}

// learnPrompt 记录主机名：去掉结尾的 #/> 与模式括号，如 "OLT(config)#" 取 "OLT"
func (m *Machine) learnPrompt() {
	if m.promptPrefix != "" {
		return
	}
	prefix := strings.TrimRight(lastLine(m.buf.String()), "#> \t")
	if i := strings.IndexByte(prefix, '('); i >= 0 {
		prefix = prefix[:i]
	}
	m.promptPrefix = strings.TrimSpace(prefix)
}

func lastLine(text string) string {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}

func (m *Machine) observe(ev Event) {
	m.event = ev
	if ev.Ready() {
		m.learnPrompt()
	}
	switch ev {
	case EventReadyPrivileged:
		m.privileged = true
	case EventReadyUnprivileged:
		m.privileged = false
		if m.level == 0 || m.level > m.opts.UnprivilegedLevel {
			m.level = m.opts.UnprivilegedLevel
		}
	}
}

func pick(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Connect 等待登录提示；也接受直接出现的密码提示或就绪提示符
func (m *Machine) Connect(ctx context.Context, timeout time.Duration) (Event, error) {
	m.state = StateConnecting
	timeout = pick(timeout, m.opts.ConnectTimeout)
	res, err := m.await(ctx, timeout, 0, m.opts.DeniedGrace,
		EventLoginPrompt, EventPasswordPrompt, EventReadyUnprivileged, EventReadyPrivileged)
	if err != nil {
		kind := KindLoginTimeout
		switch {
		case errors.Is(err, transport.ErrClosed):
			kind = KindConnectionClosed
		case !res.got:
			kind = KindConnectTimeout
		}
		return EventNone, m.fail(kind, "connect", "", m.buf.String(), err)
	}
	if res.event == EventDenied {
		return EventNone, m.fail(KindLoginDenied, "connect", "", m.buf.String(), nil)
	}
	m.event = res.event
	switch res.event {
	case EventLoginPrompt:
		m.state = StateAwaitLogin
	case EventPasswordPrompt:
		m.state = StateAwaitPassword
	default:
		m.observe(res.event)
		m.state = StateAuthenticated
	}
	return res.event, nil
}

// Authenticate 输入用户名与密码；已处于就绪提示符时跳过
func (m *Machine) Authenticate(ctx context.Context, creds Credentials, timeout time.Duration) error {
	timeout = pick(timeout, m.opts.LoginTimeout)
	if m.event.Ready() {
		m.state = StateAuthenticated
		return nil
	}

	if m.event == EventLoginPrompt {
		m.state = StateAwaitLogin
		from := m.buf.Len()
		if err := m.send(creds.Principal); err != nil {
			return m.fail(KindConnectionClosed, "login", "", m.buf.String(), err)
		}
		res, err := m.await(ctx, timeout, from, m.opts.DeniedGrace,
			EventPasswordPrompt, EventReadyUnprivileged, EventReadyPrivileged, EventLoginPrompt)
		if err != nil {
			kind := m.waitFailure(err, KindLoginTimeout, KindLoginDenied, res.denied)
			return m.fail(kind, "login", "", m.buf.String(), err)
		}
		switch res.event {
		case EventReadyUnprivileged, EventReadyPrivileged:
			m.observe(res.event)
			m.state = StateAuthenticated
			return nil
		case EventLoginPrompt, EventDenied:
			return m.fail(KindLoginDenied, "login", "", m.buf.String(), nil)
		}
	}

	m.state = StateAwaitPassword
	from := m.buf.Len()
	if err := m.send(creds.Secret); err != nil {
		return m.fail(KindConnectionClosed, "login", "", m.buf.String(), err)
	}
	res, err := m.await(ctx, timeout, from, m.opts.DeniedGrace,
		EventReadyUnprivileged, EventReadyPrivileged, EventPasswordPrompt, EventLoginPrompt)
	if err != nil {
		kind := m.waitFailure(err, KindLoginTimeout, KindLoginDenied, res.denied)
		return m.fail(kind, "login", "", m.buf.String(), err)
	}
	if !res.event.Ready() {
		// 再次出现登录/密码提示或拒绝信息
		return m.fail(KindLoginDenied, "login", "", m.buf.String(), nil)
	}
	m.observe(res.event)
	m.state = StateAuthenticated
	m.log.WithField("principal", creds.Principal).Debug("authenticated")
	return nil
}

func (m *Machine) enableCommand(level int) string {
	if strings.Contains(m.opts.EnableCommand, "%d") {
		return fmt.Sprintf(m.opts.EnableCommand, level)
	}
	return m.opts.EnableCommand
}

// Escalate 提权到目标级别；已处于特权提示符时不再提权
func (m *Machine) Escalate(ctx context.Context, level int, creds Credentials, timeout time.Duration) error {
	level = ClampLevel(level)
	timeout = pick(timeout, m.opts.EnableTimeout)
	if m.privileged {
		m.level = level
		m.state = StateReady
		return nil
	}
	if level <= m.opts.UnprivilegedLevel {
		m.level = m.opts.UnprivilegedLevel
		m.state = StateReady
		return nil
	}

	m.state = StateEscalating
	cmd := m.enableCommand(level)
	candidates := EnableCandidates(m.opts.CandidateOrder, creds)
	next := 0

	for {
		from := m.buf.Len()
		if err := m.send(cmd); err != nil {
			return m.fail(KindConnectionClosed, "enable", cmd, m.buf.String(), err)
		}
		res, err := m.await(ctx, timeout, from, m.opts.DeniedGrace,
			EventPasswordPrompt, EventReadyPrivileged, EventReadyUnprivileged)
		if err != nil {
			kind := m.waitFailure(err, KindEnableTimeout, KindEnableDenied, res.denied)
			return m.fail(kind, "enable", cmd, m.buf.String(), err)
		}
		switch res.event {
		case EventReadyPrivileged:
			return m.escalated(level)
		case EventReadyUnprivileged, EventDenied:
			return m.fail(KindEnableDenied, "enable", cmd, m.buf.String(), nil)
		}

		// 密码提示：依次提交候选密码
		retry := false
		for next < len(candidates) {
			from = m.buf.Len()
			secret := candidates[next]
			next++
			if err := m.send(secret); err != nil {
				return m.fail(KindConnectionClosed, "enable", cmd, m.buf.String(), err)
			}
			res, err = m.await(ctx, timeout, from, m.opts.DeniedGrace,
				EventReadyPrivileged, EventPasswordPrompt, EventReadyUnprivileged)
			if err != nil {
				kind := m.waitFailure(err, KindEnableTimeout, KindEnableDenied, res.denied)
				return m.fail(kind, "enable", cmd, m.buf.String(), err)
			}
			if res.event == EventReadyPrivileged {
				return m.escalated(level)
			}
			if res.event == EventPasswordPrompt {
				continue
			}
			// 回到 ">"：还有候选则重新发送提权命令
			retry = true
			break
		}
		if !retry || next >= len(candidates) {
			return m.fail(KindEnableDenied, "enable", cmd, m.buf.String(),
				fmt.Errorf("%d candidate secret(s) rejected", next))
		}
	}
}

func (m *Machine) escalated(level int) error {
	m.observe(EventReadyPrivileged)
	m.level = level
	m.state = StateReady
	m.log.WithField("priv_level", level).Debug("privilege escalated")
	return nil
}

// Open 依次执行 Connect、Authenticate、Escalate
func (m *Machine) Open(ctx context.Context, creds Credentials, level int, timeout time.Duration) error {
	if _, err := m.Connect(ctx, timeout); err != nil {
		return err
	}
	if err := m.Authenticate(ctx, creds, timeout); err != nil {
		return err
	}
	return m.Escalate(ctx, level, creds, timeout)
}

// compact 丢弃当前提示符行之前的缓冲
func (m *Machine) compact() {
	text := m.buf.String()
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		m.buf.Discard(len([]rune(text[:i+1])))
	}
}

func (m *Machine) closedErr(op, command string) error {
	if m.state == StateClosed || m.state == StateClosedUnexpectedly {
		return &Error{Kind: KindConnectionClosed, Op: op, Target: m.target, Command: command, Err: transport.ErrClosed}
	}
	return nil
}

// Execute 执行一条命令，返回去掉回显与提示符后的输出。
// 超时与拒绝只影响本条命令，会话保持可用。
func (m *Machine) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if err := m.closedErr("execute", command); err != nil {
		return "", err
	}
	timeout = pick(timeout, m.opts.CommandTimeout)
	m.compact()
	m.state = StateExecuting
	started := time.Now()

	start := m.buf.Len()
	if err := m.send(command); err != nil {
		return "", m.fail(KindConnectionClosed, "execute", command, "", err)
	}

	scan := start
	pages := 0
	for {
		res, err := m.await(ctx, timeout, scan, 0,
			EventPagination, EventReadyUnprivileged, EventReadyPrivileged)
		if err != nil {
			partial := trimBlankLines(m.cls.StripPagination(m.buf.Since(start)))
			if errors.Is(err, transport.ErrClosed) {
				return partial, m.fail(KindConnectionClosed, "execute", command, partial, err)
			}
			kind := KindCommandTimeout
			if m.denial(partial) {
				kind = KindCommandDenied
			}
			return partial, m.fail(kind, "execute", command, partial, err)
		}

		if res.event == EventPagination {
			pages++
			if pages > m.opts.MaxPages {
				_ = m.ch.SendRaw([]byte{m.opts.Interrupt})
				partial := trimBlankLines(m.cls.StripPagination(m.buf.Since(start)))
				return partial, m.fail(KindCommandTimeout, "execute", command, partial,
					fmt.Errorf("more than %d pages", m.opts.MaxPages))
			}
			m.state = StatePaginating
			if err := m.ch.SendRaw([]byte(m.opts.MoreKey)); err != nil {
				return "", m.fail(KindConnectionClosed, "execute", command, "", err)
			}
			scan = m.buf.Len()
			continue
		}

		m.observe(res.event)
		out := m.extract(m.buf.Since(start), command)
		m.state = StateReady
		logger.DebugCommandOutput(m.log.WithField("elapsed", time.Since(started).String()), command, out, m.opts.OutputLogLines)
		if m.denial(out) {
			return out, m.fail(KindCommandDenied, "execute", command, out, nil)
		}
		return out, nil
	}
}

// extract 去掉回显行与末尾提示符行
func (m *Machine) extract(raw, command string) string {
	lines := strings.Split(m.cls.StripPagination(raw), "\n")
	if n := len(lines); n > 0 {
		lines = lines[:n-1]
	}
	if len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		cmd := strings.TrimSpace(command)
		if first == cmd || (cmd != "" && strings.HasSuffix(first, cmd)) {
			lines = lines[1:]
		}
	}
	return trimBlankLines(strings.Join(lines, "\n"))
}

// denial 输出末尾两行非空内容是否含拒绝关键字
func (m *Machine) denial(out string) bool {
	lines := strings.Split(out, "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < 2; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			tail = append(tail, lines[i])
		}
	}
	if len(tail) == 0 {
		return false
	}
	return m.cls.Matches(strings.Join(tail, "\n"), EventDenied)
}

// Raw 发送单个控制字节并收集回显
func (m *Machine) Raw(ctx context.Context, b byte) (string, error) {
	if err := m.closedErr("raw", ""); err != nil {
		return "", err
	}
	m.compact()
	start := m.buf.Len()
	if err := m.ch.SendRaw([]byte{b}); err != nil {
		return "", m.fail(KindConnectionClosed, "raw", "", "", err)
	}
	res, err := m.await(ctx, m.opts.RawWait, start, 0, EventReadyUnprivileged, EventReadyPrivileged)
	out := m.buf.Since(start)
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return out, m.fail(KindConnectionClosed, "raw", "", out, err)
		}
		// 控制字节不一定会换回提示符
		return out, nil
	}
	m.observe(res.event)
	m.state = StateReady
	return out, nil
}

// Close 尽力注销后关闭通道，从不返回错误
func (m *Machine) Close() {
	if m.state == StateClosed {
		return
	}
	if m.state != StateClosedUnexpectedly && m.opts.LogoutCommand != "" {
		if err := m.send(m.opts.LogoutCommand); err != nil {
			m.log.Debugf("logout failed: %v", err)
		} else if m.opts.LogoutWait > 0 {
			_, _ = m.ch.Drain(m.opts.LogoutWait)
		}
	}
	m.Abort()
}

// Abort 直接关闭通道
func (m *Machine) Abort() {
	if err := m.ch.Close(); err != nil {
		m.log.Debugf("channel close: %v", err)
	}
	m.state = StateClosed
}
