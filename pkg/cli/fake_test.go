package cli

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oltcli/oltcli/pkg/transport"
)

// fakeOLT 脚本化的 OLT 设备，实现 transport.Channel
type fakeOLT struct {
	mu sync.Mutex

	queue  []string
	closed bool
	hangup bool

	sent []string
	raw  [][]byte

	hostname string
	users    map[string]string
	enable   map[int]string
	// dropOnBadEnable 密码错误后回到 ">"；否则重新提示 Password:
	dropOnBadEnable bool

	commands map[string]string
	denied   map[string]bool
	silent   map[string]bool
	pages    map[string][]string
	help     map[string]string
	hangupOn map[string]bool
	// chunked 输出分多次 Drain 返回，最后一块后补提示符
	chunked  map[string][]string
	stepwise bool

	mode         string
	user         string
	level        int
	pendingLevel int
	pageQueue    []string
	partial      string

	enableSubmissions int
}

func newFakeOLT() *fakeOLT {
	f := &fakeOLT{
		hostname: "OLT",
		users:    map[string]string{"alice": "pw1"},
		enable:   map[int]string{},
		commands: map[string]string{},
		denied:   map[string]bool{},
		silent:   map[string]bool{},
		pages:    map[string][]string{},
		help:     map[string]string{},
		hangupOn: map[string]bool{},
		chunked:  map[string][]string{},
		mode:     "login",
	}
	return f
}

// withLoginBanner 以登录横幅开始
func (f *fakeOLT) withLoginBanner() *fakeOLT {
	f.mode = "login"
	f.emit("\x1b[2J\x1b[HWelcome to ZXAN C300\r\nLast login failed: none\r\n\r\nUsername: ")
	return f
}

// withReadyPrompt 连接后直接给出 ">" 提示符
func (f *fakeOLT) withReadyPrompt() *fakeOLT {
	f.mode = "user"
	f.level = 1
	f.emit("\r\n" + f.prompt())
	return f
}

func (f *fakeOLT) emit(s string) {
	f.queue = append(f.queue, s)
}

func (f *fakeOLT) prompt() string {
	if f.level > 1 {
		return f.hostname + "#"
	}
	return f.hostname + ">"
}

var enableRe = regexp.MustCompile(`^enable\s*(\d*)$`)

func (f *fakeOLT) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.hangup {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, text)

	switch f.mode {
	case "login":
		f.user = text
		f.mode = "password"
		f.emit(text + "\r\nPassword: ")
	case "password":
		if pw, ok := f.users[f.user]; ok && pw == text {
			f.mode = "user"
			f.level = 1
			f.emit("\r\n\r\n" + f.prompt())
			return nil
		}
		f.mode = "login"
		f.emit("\r\n%Error: Login incorrect.\r\nUsername: ")
	case "enable":
		f.enableSubmissions++
		if pw, ok := f.enable[f.pendingLevel]; ok && pw == text {
			f.level = f.pendingLevel
			f.mode = "user"
			f.emit("\r\n" + f.prompt())
			return nil
		}
		if f.dropOnBadEnable {
			f.mode = "user"
			f.emit("\r\n%Error 20203: Bad password.\r\n" + f.prompt())
			return nil
		}
		f.emit("\r\nPassword: ")
	default:
		f.command(text)
	}
	return nil
}

func (f *fakeOLT) command(line string) {
	f.emit(line + "\r\n")
	if m := enableRe.FindStringSubmatch(line); m != nil {
		lvl := 15
		if m[1] != "" {
			lvl, _ = strconv.Atoi(m[1])
		}
		if _, ok := f.enable[lvl]; !ok {
			f.emit("%Error 20200: Enable level not configured.\r\n" + f.prompt())
			return
		}
		f.pendingLevel = lvl
		f.mode = "enable"
		f.emit("Password: ")
		return
	}
	switch {
	case line == "":
		f.emit(f.prompt())
	case f.hangupOn[line]:
		f.emit("Connection closed by foreign host.\r\n")
		f.hangup = true
	case f.silent[line]:
	case len(f.chunked[line]) > 0:
		for _, c := range f.chunked[line] {
			f.emit(strings.ReplaceAll(c, "\n", "\r\n"))
		}
		f.emit("\r\n" + f.prompt())
		f.stepwise = true
	case f.denied[line]:
		f.emit("%Error 146: Command authorization failed.\r\n" + f.prompt())
	case len(f.pages[line]) > 0:
		pages := f.pages[line]
		f.emit(pages[0] + "\r\n --More-- ")
		f.pageQueue = append([]string(nil), pages[1:]...)
		f.mode = "more"
	default:
		if out, ok := f.commands[line]; ok {
			f.emit(strings.ReplaceAll(out, "\n", "\r\n") + "\r\n" + f.prompt())
			return
		}
		f.emit("             ^\r\n% Invalid input detected at '^' marker.\r\n" + f.prompt())
	}
}

func (f *fakeOLT) SendRaw(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.hangup {
		return transport.ErrClosed
	}
	f.raw = append(f.raw, append([]byte(nil), p...))
	text := string(p)

	switch {
	case f.mode == "more":
		// 擦除分页提示后输出下一页
		f.emit("\b\b\b\b\b\b\b\b\b\b          \b\b\b\b\b\b\b\b\b\b")
		next := f.pageQueue[0]
		f.pageQueue = f.pageQueue[1:]
		if len(f.pageQueue) == 0 {
			f.mode = "user"
			f.emit(next + "\r\n" + f.prompt())
		} else {
			f.emit(next + "\r\n --More-- ")
		}
	case strings.HasSuffix(text, "?"):
		partial := strings.TrimSpace(strings.TrimSuffix(text, "?"))
		listing := f.help[partial]
		f.emit(text + "\r\n" + strings.ReplaceAll(listing, "\n", "\r\n") + "\r\n" + f.prompt() + partial)
		f.partial = partial
	case len(p) == 1 && p[0] == 0x15:
		f.emit(strings.Repeat("\b", len([]rune(f.partial))))
		f.partial = ""
	case len(p) == 1 && p[0] == 0x03:
		f.emit("^C\r\n" + f.prompt())
		f.partial = ""
	}
	return nil
}

func (f *fakeOLT) Drain(budget time.Duration) (string, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		var out string
		if f.stepwise {
			out, f.queue = f.queue[0], f.queue[1:]
		} else {
			out = strings.Join(f.queue, "")
			f.queue = nil
		}
		f.mu.Unlock()
		return out, nil
	}
	closed := f.closed || f.hangup
	f.mu.Unlock()
	if closed {
		return "", transport.ErrClosed
	}
	time.Sleep(budget)
	return "", nil
}

func (f *fakeOLT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOLT) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeOLT) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeOLT) rawCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.raw {
		if string(r) == key {
			n++
		}
	}
	return n
}

func (f *fakeOLT) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enableSubmissions
}

// testOptions 缩短各阶段等待以加快测试
func testOptions() Options {
	return Options{
		ConnectTimeout: 300 * time.Millisecond,
		LoginTimeout:   300 * time.Millisecond,
		EnableTimeout:  300 * time.Millisecond,
		CommandTimeout: 300 * time.Millisecond,
		PollBudget:     5 * time.Millisecond,
		DeniedGrace:    50 * time.Millisecond,
		HelpWait:       40 * time.Millisecond,
		RawWait:        100 * time.Millisecond,
		LogoutWait:     10 * time.Millisecond,
	}
}

// fakeDialer 每次拨号依次返回预先准备的设备
type fakeDialer struct {
	mu      sync.Mutex
	devices []*fakeOLT
	err     error
	dialed  []transport.Target
}

func (d *fakeDialer) Dial(_ context.Context, target transport.Target) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, target)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.devices) == 0 {
		return nil, fmt.Errorf("no device scripted for %s", target)
	}
	dev := d.devices[0]
	d.devices = d.devices[1:]
	return dev, nil
}
