package cli

import (
	"regexp"
	"strconv"
	"strings"
)

// 权限级别范围
const (
	MinLevel     = 1
	MaxLevel     = 15
	DefaultLevel = 15
)

// ClampLevel 把级别限制在 [MinLevel, MaxLevel]
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

var firstIntRe = regexp.MustCompile(`\d+`)

// ParsePrivilege 从 "15 / full" 这类描述中取第一个整数并限制范围
func ParsePrivilege(s string) (int, bool) {
	m := firstIntRe.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return MaxLevel, true
	}
	return ClampLevel(n), true
}

// RoleLevel 角色到级别的映射项
type RoleLevel struct {
	Role  string `mapstructure:"role" yaml:"role" json:"role"`
	Level int    `mapstructure:"level" yaml:"level" json:"level"`
}

// DefaultRoleLevels 默认角色映射
func DefaultRoleLevels() []RoleLevel {
	return []RoleLevel{
		{Role: "OLT_VIEW", Level: 1},
		{Role: "OLT_ENGINEER", Level: 7},
		{Role: "OLT_ADMIN", Level: 15},
	}
}

// PrivilegePolicy 权限级别解析策略
type PrivilegePolicy struct {
	roles    []RoleLevel
	fallback int
}

// NewPrivilegePolicy 创建策略；roles 为空使用默认映射，fallback<=0 使用 DefaultLevel
func NewPrivilegePolicy(roles []RoleLevel, fallback int) *PrivilegePolicy {
	if len(roles) == 0 {
		roles = DefaultRoleLevels()
	}
	if fallback <= 0 {
		fallback = DefaultLevel
	}
	return &PrivilegePolicy{roles: append([]RoleLevel(nil), roles...), fallback: ClampLevel(fallback)}
}

// Level 解析目标级别：显式数值优先（并限制范围），其次角色映射，最后回退值
func (p *PrivilegePolicy) Level(role string, override int) int {
	if override > 0 {
		return ClampLevel(override)
	}
	key := strings.TrimSpace(role)
	for _, rl := range p.roles {
		if strings.EqualFold(rl.Role, key) {
			return ClampLevel(rl.Level)
		}
	}
	return p.fallback
}

// Roles 返回映射表副本
func (p *PrivilegePolicy) Roles() []RoleLevel {
	return append([]RoleLevel(nil), p.roles...)
}

// CandidateKind enable 候选密码类型
type CandidateKind string

const (
	CandidateLogin    CandidateKind = "login"
	CandidateEnable   CandidateKind = "enable"
	CandidateCombined CandidateKind = "combined"
)

// DefaultCandidateOrder 默认候选顺序：登录密码、专用 enable 密码、用户名+登录密码
func DefaultCandidateOrder() []CandidateKind {
	return []CandidateKind{CandidateLogin, CandidateEnable, CandidateCombined}
}

// ParseCandidateOrder 解析配置中的候选顺序
func ParseCandidateOrder(names []string) ([]CandidateKind, error) {
	if len(names) == 0 {
		return DefaultCandidateOrder(), nil
	}
	out := make([]CandidateKind, 0, len(names))
	for _, n := range names {
		k := CandidateKind(strings.ToLower(strings.TrimSpace(n)))
		switch k {
		case CandidateLogin, CandidateEnable, CandidateCombined:
			out = append(out, k)
		default:
			return nil, ConfigError("enable_candidates", "unknown candidate %q", n)
		}
	}
	return out, nil
}

// Credentials 登录与提权凭据
type Credentials struct {
	Principal    string
	Secret       string
	EnableSecret string
}

// EnableCandidates 按顺序生成候选密码，去重并跳过空值
func EnableCandidates(order []CandidateKind, c Credentials) []string {
	if len(order) == 0 {
		order = DefaultCandidateOrder()
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range order {
		var v string
		switch k {
		case CandidateLogin:
			v = c.Secret
		case CandidateEnable:
			v = c.EnableSecret
		case CandidateCombined:
			if c.Principal != "" && c.Secret != "" {
				v = c.Principal + c.Secret
			}
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
