package cli

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectTimeout
	KindLoginTimeout
	KindEnableTimeout
	KindCommandTimeout
	KindLoginDenied
	KindEnableDenied
	KindCommandDenied
	KindConnectionClosed
	KindSessionNotFound
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindUnknown:          "Unknown",
	KindConnectTimeout:   "ConnectTimeout",
	KindLoginTimeout:     "LoginTimeout",
	KindEnableTimeout:    "EnableTimeout",
	KindCommandTimeout:   "CommandTimeout",
	KindLoginDenied:      "LoginDenied",
	KindEnableDenied:     "EnableDenied",
	KindCommandDenied:    "CommandDenied",
	KindConnectionClosed: "ConnectionClosed",
	KindSessionNotFound:  "SessionNotFound",
	KindConfiguration:    "ConfigurationError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Timeout 是否为等待超时类错误
func (k Kind) Timeout() bool {
	switch k {
	case KindConnectTimeout, KindLoginTimeout, KindEnableTimeout, KindCommandTimeout:
		return true
	}
	return false
}

// Denied 是否为设备拒绝类错误
func (k Kind) Denied() bool {
	switch k {
	case KindLoginDenied, KindEnableDenied, KindCommandDenied:
		return true
	}
	return false
}

// Error 会话操作错误
// Output 保存出错前已捕获的规范化输出，便于上层展示
type Error struct {
	Kind    Kind
	Op      string
	Target  string
	Command string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Target != "" {
		b.WriteString(" on ")
		b.WriteString(e.Target)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " (command %q)", e.Command)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按类别匹配，使 errors.Is(err, ErrCommandDenied) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// 类别哨兵
var (
	ErrConnectTimeout   = &Error{Kind: KindConnectTimeout}
	ErrLoginTimeout     = &Error{Kind: KindLoginTimeout}
	ErrEnableTimeout    = &Error{Kind: KindEnableTimeout}
	ErrCommandTimeout   = &Error{Kind: KindCommandTimeout}
	ErrLoginDenied      = &Error{Kind: KindLoginDenied}
	ErrEnableDenied     = &Error{Kind: KindEnableDenied}
	ErrCommandDenied    = &Error{Kind: KindCommandDenied}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrSessionNotFound  = &Error{Kind: KindSessionNotFound}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
)

// KindOf 提取错误类别，非 *Error 返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// OutputOf 提取错误携带的输出
func OutputOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Output
	}
	return ""
}

// ConfigError 构造配置类错误
func ConfigError(op string, format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}
