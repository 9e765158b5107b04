package simulate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oltcli/oltcli/pkg/logger"
)

// 控制字节
const (
	keyInterrupt = 0x03
	keyBackspace = 0x08
	keyLineClear = 0x15
	keyDelete    = 0x7f
)

// config 子模式：命令前缀 -> 提示符中的模式名
var submodes = []struct {
	prefix string
	mode   func(arg string) string
}{
	{"aaa-accounting-template", func(a string) string { return "aaa-acct-" + a }},
	{"aaa-authentication-template", func(a string) string { return "aaa-authen-" + a }},
	{"aaa-authorization-template", func(a string) string { return "aaa-author-" + a }},
	{"authorization-template", func(a string) string { return "author-temp-" + a }},
	{"authentication-template", func(a string) string { return "authen-temp-" + a }},
	{"system-user", func(string) string { return "system-user" }},
	{"user-name", func(a string) string { return "system-user-" + a }},
}

// history 一个 namespace 收到的配置命令
type history struct {
	mu    sync.Mutex
	lines []string
}

func (h *history) add(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
}

func (h *history) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

// oltSession 单个连接上的 CLI 模拟
type oltSession struct {
	w        io.Writer
	r        *bufio.Reader
	dev      DeviceTypeConfig
	ns       NamespaceConfig
	cfg      *Config
	hostname string
	hist     *history
	log      *logrus.Entry

	denied []*regexp.Regexp
	hang   []*regexp.Regexp
	drop   []*regexp.Regexp

	user       UserConfig
	privileged bool
	level      int
	modes      []string
	lastCR     bool
}

func newOLTSession(rw io.ReadWriter, cfg *Config, ns NamespaceConfig, hist *history) *oltSession {
	dev := cfg.device(ns)
	host := strings.TrimSpace(ns.Hostname)
	if host == "" {
		host = "OLT"
	}
	s := &oltSession{
		w:        rw,
		r:        bufio.NewReader(rw),
		dev:      dev,
		ns:       ns,
		cfg:      cfg,
		hostname: host,
		hist:     hist,
		log:      logger.WithField("simulate", host),
	}
	// 已在 Validate 中校验
	s.denied, _ = compileAll(dev.DeniedCommands)
	s.hang, _ = compileAll(dev.HangCommands)
	s.drop, _ = compileAll(dev.CloseCommands)
	return s
}

func (s *oltSession) write(text string) error {
	_, err := io.WriteString(s.w, text)
	return err
}

func (s *oltSession) prompt() string {
	suffix := s.dev.PromptSuffix
	if s.privileged {
		suffix = s.dev.EnableModeSuffix
	}
	if n := len(s.modes); n > 0 {
		return fmt.Sprintf("%s(config%s)%s", s.hostname, modeSuffix(s.modes[n-1]), s.dev.EnableModeSuffix)
	}
	return s.hostname + suffix
}

func modeSuffix(mode string) string {
	if mode == "config" {
		return ""
	}
	return "-" + mode
}

// readLine 读取一行；echo 为假时不回显（密码）
func (s *oltSession) readLine(echo bool) (string, error) {
	var buf []byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' && s.lastCR {
			s.lastCR = false
			continue
		}
		s.lastCR = b == '\r'
		switch b {
		case '\r', '\n':
			if echo {
				_ = s.write("\r\n")
			}
			return string(buf), nil
		case keyBackspace, keyDelete:
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
				if echo {
					_ = s.write("\b \b")
				}
			}
		default:
			if b >= 0x20 {
				buf = append(buf, b)
				if echo {
					_ = s.write(string(b))
				}
			}
		}
	}
}

// login 用户名/密码，三次失败断开
func (s *oltSession) login() (bool, error) {
	if err := s.write(ensureCRLF(s.dev.Banner)); err != nil {
		return false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		if err := s.write("\r\n" + s.dev.LoginPrompt); err != nil {
			return false, err
		}
		name, err := s.readLine(true)
		if err != nil {
			return false, err
		}
		if err := s.write(s.dev.PasswordPrompt); err != nil {
			return false, err
		}
		pass, err := s.readLine(false)
		if err != nil {
			return false, err
		}
		_ = s.write("\r\n")
		if u, ok := s.cfg.user(name); ok && u.Password == pass {
			s.user = u
			s.log.Debugf("login ok: %s", name)
			return true, nil
		}
		s.log.Debugf("login failed: %s", name)
		_ = s.write(s.dev.LoginFailedMessage + "\r\n")
	}
	return false, nil
}

// startShell 登录后进入命令行
func (s *oltSession) startShell() {
	s.level = 1
	if !s.dev.EnableModeRequired {
		s.privileged = true
		s.level = s.user.Level
	}
}

// run 完整会话：需要时先登录
func (s *oltSession) run(needLogin bool) {
	if needLogin {
		ok, err := s.login()
		if err != nil || !ok {
			return
		}
	}
	s.startShell()
	if err := s.write("\r\n" + s.prompt()); err != nil {
		return
	}
	_ = s.shell()
}

// shell 逐字节读取，支持 ? 帮助、清行与中断
func (s *oltSession) shell() error {
	var buf []byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if b == '\n' && s.lastCR {
			s.lastCR = false
			continue
		}
		s.lastCR = b == '\r'

		switch b {
		case '\r', '\n':
			line := strings.TrimSpace(string(buf))
			buf = buf[:0]
			if err := s.write("\r\n"); err != nil {
				return err
			}
			done, err := s.execute(line)
			if err != nil || done {
				return err
			}
		case '?':
			partial := string(buf)
			if err := s.write("?\r\n" + s.helpText(partial) + "\r\n" + s.prompt() + partial); err != nil {
				return err
			}
		case keyLineClear:
			buf = buf[:0]
			if err := s.write("\r\n" + s.prompt()); err != nil {
				return err
			}
		case keyInterrupt:
			buf = buf[:0]
			if err := s.write("^C\r\n" + s.prompt()); err != nil {
				return err
			}
		case keyBackspace, keyDelete:
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
				_ = s.write("\b \b")
			}
		default:
			if b >= 0x20 {
				buf = append(buf, b)
				if err := s.write(string(b)); err != nil {
					return err
				}
			}
		}
	}
}

func (s *oltSession) helpText(partial string) string {
	prefix := strings.ToLower(strings.TrimSpace(partial))
	var lines []string
	for _, c := range s.dev.commandNames() {
		if prefix == "" || strings.HasPrefix(c, prefix) {
			lines = append(lines, "  "+c)
		}
	}
	if len(lines) == 0 {
		return "% Unrecognized command."
	}
	return strings.Join(lines, "\r\n")
}

func matchAny(list []*regexp.Regexp, line string) bool {
	for _, re := range list {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// execute 处理一行命令；返回 true 表示会话结束
func (s *oltSession) execute(line string) (bool, error) {
	if line == "" {
		return false, s.write(s.prompt())
	}
	lower := strings.ToLower(line)

	switch {
	case matchAny(s.drop, line):
		return true, nil
	case matchAny(s.hang, line):
		// 不再输出提示符，等待下一次输入
		return false, nil
	case matchAny(s.denied, line):
		return false, s.reply(s.dev.DeniedMessage)
	}

	switch {
	case lower == "exit" || lower == "quit" || lower == "logout" || lower == "$":
		if len(s.modes) > 0 {
			s.modes = s.modes[:len(s.modes)-1]
			s.hist.add(line)
			return false, s.write(s.prompt())
		}
		if lower == "$" {
			return false, s.reply(s.dev.DeniedMessage)
		}
		_ = s.write("\r\n")
		return true, nil
	case lower == "end":
		if len(s.modes) == 0 {
			return false, s.reply(s.dev.DeniedMessage)
		}
		s.modes = nil
		s.hist.add(line)
		return false, s.write(s.prompt())
	case isEnable(lower, s.dev.EnableCommand):
		return false, s.enable(lower)
	}

	if len(s.modes) > 0 {
		return false, s.configure(line)
	}
	if lower == "conf t" || lower == "configure terminal" || lower == "config t" {
		if !s.privileged {
			return false, s.reply(s.dev.DeniedMessage)
		}
		s.modes = []string{"config"}
		s.hist.add(line)
		return false, s.write(s.prompt())
	}
	if s.privileged && lower == strings.ToLower(s.dev.SaveCommand) {
		s.hist.add(line)
		return false, s.reply(s.dev.SaveOutput)
	}
	if out, ok := s.lookupOutput(line); ok {
		return false, s.output(out)
	}
	return false, s.reply(s.dev.DeniedMessage)
}

func isEnable(lower, keyword string) bool {
	keyword = strings.ToLower(keyword)
	return lower == keyword || strings.HasPrefix(lower, keyword+" ")
}

// enable 提权：级别超出账号上限或密码错误时拒绝
func (s *oltSession) enable(lower string) error {
	level := 15
	if fields := strings.Fields(lower); len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > 15 {
			return s.reply(s.dev.DeniedMessage)
		}
		level = n
	}
	if err := s.write(s.dev.PasswordPrompt); err != nil {
		return err
	}
	pass, err := s.readLine(false)
	if err != nil {
		return err
	}
	_ = s.write("\r\n")
	want := s.user.EnablePassword
	if want == "" {
		want = s.user.Password
	}
	if pass != want || level > s.user.Level {
		return s.reply(s.dev.EnableFailedMessage)
	}
	s.privileged = true
	s.level = level
	return s.write(s.prompt())
}

// configure 配置模式下的命令：识别子模式，其余原样接受
func (s *oltSession) configure(line string) error {
	s.hist.add(line)
	fields := strings.Fields(line)
	head := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	for _, sm := range submodes {
		if head == sm.prefix {
			s.modes = append(s.modes, sm.mode(arg))
			break
		}
	}
	return s.write(s.prompt())
}

// lookupOutput 内联命令优先，其次命令目录
func (s *oltSession) lookupOutput(cmd string) (string, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(cmd), " "))
	for name, out := range s.dev.Commands {
		if strings.ToLower(name) == key {
			return out, true
		}
	}
	dir := strings.TrimSpace(s.ns.CommandsDir)
	if dir == "" {
		return "", false
	}
	for _, name := range []string{key, strings.ReplaceAll(key, " ", "_")} {
		if bs, err := os.ReadFile(filepath.Join(dir, name+".txt")); err == nil {
			return string(bs), true
		}
	}
	return "", false
}

// reply 单行消息后重绘提示符
func (s *oltSession) reply(msg string) error {
	return s.write(ensureCRLF(msg) + s.prompt())
}

// output 输出命令结果，超过一页时插入 --More-- 并等待按键
func (s *oltSession) output(text string) error {
	lines := strings.Split(strings.TrimRight(strings.ReplaceAll(text, "\r\n", "\n"), "\n"), "\n")
	page := s.dev.PageLines
	for i := 0; i < len(lines); {
		n := len(lines) - i
		if page > 0 && n > page {
			n = page
		}
		if err := s.write(strings.Join(lines[i:i+n], "\r\n") + "\r\n"); err != nil {
			return err
		}
		i += n
		if i >= len(lines) {
			break
		}
		if err := s.write(s.dev.MoreText); err != nil {
			return err
		}
		key, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		_ = s.write("\r\n")
		if key == 'q' || key == 'Q' || key == keyInterrupt {
			break
		}
	}
	return s.write(s.prompt())
}

// idleCloser 空闲超时后关闭连接
type idleCloser struct {
	timer *time.Timer
	d     time.Duration
}

func newIdleCloser(seconds int, closeFn func()) *idleCloser {
	if seconds <= 0 {
		return nil
	}
	d := time.Duration(seconds) * time.Second
	return &idleCloser{timer: time.AfterFunc(d, closeFn), d: d}
}

func (c *idleCloser) touch() {
	if c != nil {
		c.timer.Reset(c.d)
	}
}

func (c *idleCloser) stop() {
	if c != nil {
		c.timer.Stop()
	}
}

// touchReader 读到数据即重置空闲计时
type touchReader struct {
	io.ReadWriter
	idle *idleCloser
}

func (t touchReader) Read(p []byte) (int, error) {
	n, err := t.ReadWriter.Read(p)
	if n > 0 {
		t.idle.touch()
	}
	return n, err
}

func ensureCRLF(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}
