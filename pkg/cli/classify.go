package cli

import (
	"fmt"
	"regexp"
	"strings"
)

// Event 提示符/事件类型
type Event int

const (
	EventNone Event = iota
	EventLoginPrompt
	EventPasswordPrompt
	EventReadyUnprivileged
	EventReadyPrivileged
	EventPagination
	EventDenied
)

var eventNames = map[Event]string{
	EventNone:              "none",
	EventLoginPrompt:       "login_prompt",
	EventPasswordPrompt:    "password_prompt",
	EventReadyUnprivileged: "ready_unprivileged",
	EventReadyPrivileged:   "ready_privileged",
	EventPagination:        "pagination",
	EventDenied:            "denied",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Ready 是否为可输入提示符
func (e Event) Ready() bool {
	return e == EventReadyUnprivileged || e == EventReadyPrivileged
}

// ParseEvent 按名称解析事件（配置文件使用）
func ParseEvent(name string) (Event, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for ev, s := range eventNames {
		if s == key && ev != EventNone {
			return ev, nil
		}
	}
	return EventNone, fmt.Errorf("unknown event %q", name)
}

// eventPriority 多个匹配同时成立时的裁决顺序：
// 分页最先，显式提示符其次，通用拒绝关键字最后（横幅里可能出现 failed 等字样）
var eventPriority = []Event{
	EventPagination,
	EventPasswordPrompt,
	EventLoginPrompt,
	EventReadyPrivileged,
	EventReadyUnprivileged,
	EventDenied,
}

// Matcher 模式匹配项
type Matcher struct {
	Event   Event
	Name    string
	Pattern *regexp.Regexp
}

// PatternSpec 配置文件中的模式定义
type PatternSpec struct {
	Event   string `mapstructure:"event" yaml:"event" json:"event"`
	Name    string `mapstructure:"name" yaml:"name" json:"name"`
	Pattern string `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
}

// DefaultMatchers 默认匹配表（ZTE 风格 CLI）
// 提示符类模式锚定在缓冲区末尾；拒绝关键字为启发式，允许出现在尾部窗口任意位置
func DefaultMatchers() []Matcher {
	return []Matcher{
		{EventPagination, "more", regexp.MustCompile(`--More--`)},
		{EventPagination, "more_dashes", regexp.MustCompile(`(?i)-{2,} ?more ?(\(.*\) ?)?-{2,}`)},
		{EventPasswordPrompt, "password", regexp.MustCompile(`(?i)pass(word|wd)?\s*:\s*$`)},
		{EventLoginPrompt, "username", regexp.MustCompile(`(?i)(user ?name|login)\s*:\s*$`)},
		{EventReadyPrivileged, "hash_prompt", regexp.MustCompile(`\S#[ \t]*$`)},
		{EventReadyUnprivileged, "angle_prompt", regexp.MustCompile(`\S>[ \t]*$`)},
		{EventDenied, "denied_keywords", regexp.MustCompile(`(?i)(denied|not authorized|invalid|incorrect|failed)`)},
	}
}

// CompileMatchers 把配置的模式编译为匹配项
func CompileMatchers(specs []PatternSpec) ([]Matcher, error) {
	out := make([]Matcher, 0, len(specs))
	for i, s := range specs {
		ev, err := ParseEvent(s.Event)
		if err != nil {
			return nil, ConfigError("patterns", "pattern #%d: %v", i, err)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, ConfigError("patterns", "pattern #%d (%s): %v", i, s.Name, err)
		}
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", ev, i)
		}
		out = append(out, Matcher{Event: ev, Name: name, Pattern: re})
	}
	return out, nil
}

// MergeMatchers 合并多张表：按事件优先级分组，同组内靠后传入的表优先
// （厂商/配置定义的模式排在默认模式之前）
func MergeMatchers(tables ...[]Matcher) []Matcher {
	var out []Matcher
	for _, ev := range eventPriority {
		for i := len(tables) - 1; i >= 0; i-- {
			for _, m := range tables[i] {
				if m.Event == ev {
					out = append(out, m)
				}
			}
		}
	}
	return out
}

// Classifier 提示符/事件分类器
type Classifier struct {
	matchers  []Matcher
	tailLines int
	tailBytes int
}

// NewClassifier 创建分类器；matchers 为空时使用默认表
func NewClassifier(matchers []Matcher) *Classifier {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Classifier{
		matchers:  MergeMatchers(matchers),
		tailLines: 3,
		tailBytes: 512,
	}
}

// WithTail 调整尾部窗口大小
func (c *Classifier) WithTail(lines, bytes int) *Classifier {
	cp := *c
	if lines > 0 {
		cp.tailLines = lines
	}
	if bytes > 0 {
		cp.tailBytes = bytes
	}
	return &cp
}

// Matchers 返回按优先级排序后的匹配表
func (c *Classifier) Matchers() []Matcher {
	return append([]Matcher(nil), c.matchers...)
}

// Tail 截取缓冲区尾部窗口
func (c *Classifier) Tail(buf string) string {
	if len(buf) > c.tailBytes {
		buf = buf[len(buf)-c.tailBytes:]
	}
	idx := len(buf)
	for n := 0; n < c.tailLines; n++ {
		i := strings.LastIndexByte(buf[:idx], '\n')
		if i < 0 {
			return buf
		}
		idx = i
	}
	return buf[idx+1:]
}

// Classify 对尾部窗口分类，返回优先级最高的事件
func (c *Classifier) Classify(buf string) Event {
	if buf == "" {
		return EventNone
	}
	tail := c.Tail(buf)
	for _, m := range c.matchers {
		if m.Pattern.MatchString(tail) {
			return m.Event
		}
	}
	return EventNone
}

// Matches 判断尾部窗口是否命中指定事件
func (c *Classifier) Matches(buf string, ev Event) bool {
	tail := c.Tail(buf)
	for _, m := range c.matchers {
		if m.Event == ev && m.Pattern.MatchString(tail) {
			return true
		}
	}
	return false
}

// StripPagination 去除分页提示残留；只剩空白的行整行删除
func (c *Classifier) StripPagination(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		cleaned := line
		hit := false
		for _, m := range c.matchers {
			if m.Event != EventPagination {
				continue
			}
			if m.Pattern.MatchString(cleaned) {
				cleaned = m.Pattern.ReplaceAllString(cleaned, "")
				hit = true
			}
		}
		if hit && strings.TrimSpace(cleaned) == "" {
			continue
		}
		out = append(out, cleaned)
	}
	return strings.Join(out, "\n")
}
