package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrivilegePolicyLevel 测试角色映射、显式级别与回退值
func TestPrivilegePolicyLevel(t *testing.T) {
	p := NewPrivilegePolicy(nil, 0)
	assert.Equal(t, 1, p.Level("OLT_VIEW", 0))
	assert.Equal(t, 7, p.Level("olt_engineer", 0), "角色名不区分大小写")
	assert.Equal(t, 15, p.Level("OLT_ADMIN", 0))
	assert.Equal(t, 15, p.Level("UNKNOWN", 0), "未知角色使用默认级别")
	assert.Equal(t, 3, p.Level("OLT_ADMIN", 3), "显式级别优先")
	assert.Equal(t, 15, p.Level("OLT_VIEW", 99), "显式级别应限制在有效范围")

	custom := NewPrivilegePolicy([]RoleLevel{{Role: "NOC", Level: 5}}, 2)
	assert.Equal(t, 5, custom.Level("NOC", 0))
	assert.Equal(t, 2, custom.Level("OLT_ADMIN", 0))
	assert.Len(t, custom.Roles(), 1)
}

// TestParsePrivilege 测试从描述中提取级别
func TestParsePrivilege(t *testing.T) {
	lvl, ok := ParsePrivilege("15 / full")
	require.True(t, ok)
	assert.Equal(t, 15, lvl)

	lvl, ok = ParsePrivilege("level 0")
	require.True(t, ok)
	assert.Equal(t, 1, lvl)

	lvl, ok = ParsePrivilege("priv 40")
	require.True(t, ok)
	assert.Equal(t, 15, lvl)

	_, ok = ParsePrivilege("read-only")
	assert.False(t, ok)
}

// TestEnableCandidates 测试候选密码顺序、去重与跳过空值
func TestEnableCandidates(t *testing.T) {
	creds := Credentials{Principal: "alice", Secret: "pw1", EnableSecret: "en15"}
	assert.Equal(t, []string{"pw1", "en15", "alicepw1"}, EnableCandidates(nil, creds))

	order := []CandidateKind{CandidateEnable, CandidateLogin}
	assert.Equal(t, []string{"en15", "pw1"}, EnableCandidates(order, creds))

	same := Credentials{Principal: "bob", Secret: "x", EnableSecret: "x"}
	assert.Equal(t, []string{"x", "bobx"}, EnableCandidates(nil, same), "重复候选只提交一次")

	assert.Empty(t, EnableCandidates(nil, Credentials{}))
}

// TestParseCandidateOrder 测试配置中的候选顺序解析
func TestParseCandidateOrder(t *testing.T) {
	order, err := ParseCandidateOrder([]string{"Enable", " login "})
	require.NoError(t, err)
	assert.Equal(t, []CandidateKind{CandidateEnable, CandidateLogin}, order)

	order, err = ParseCandidateOrder(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCandidateOrder(), order)

	_, err = ParseCandidateOrder([]string{"token"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

// TestErrorKinds 测试错误类别匹配与提取
func TestErrorKinds(t *testing.T) {
	err := &Error{Kind: KindCommandDenied, Op: "execute", Target: "10.0.0.5:23", Command: "bogus-cmd", Output: "%Error 146"}
	wrapped := fmt.Errorf("batch: %w", err)

	assert.True(t, errors.Is(wrapped, ErrCommandDenied))
	assert.False(t, errors.Is(wrapped, ErrCommandTimeout))
	assert.Equal(t, KindCommandDenied, KindOf(wrapped))
	assert.Equal(t, "%Error 146", OutputOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), `CommandDenied during execute on 10.0.0.5:23 (command "bogus-cmd")`)

	assert.True(t, KindEnableTimeout.Timeout())
	assert.True(t, KindLoginDenied.Denied())
	assert.False(t, KindConnectionClosed.Denied())
	assert.Equal(t, "ConfigurationError", KindConfiguration.String())
}
