package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMachine(t *testing.T, dev *fakeOLT, level int, creds Credentials) *Machine {
	t.Helper()
	m := NewMachine(dev, "10.0.0.5", testOptions())
	require.NoError(t, m.Open(context.Background(), creds, level, 0))
	return m
}

var alice = Credentials{Principal: "alice", Secret: "pw1"}

// TestMachineLoginFlow 测试登录提示、用户名、密码到 ">" 提示符
func TestMachineLoginFlow(t *testing.T) {
	dev := newFakeOLT().withLoginBanner()
	m := NewMachine(dev, "10.0.0.5", testOptions())

	ev, err := m.Connect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, EventLoginPrompt, ev, "横幅中的 failed 不应被判为拒绝")

	require.NoError(t, m.Authenticate(context.Background(), alice, 0))
	assert.Equal(t, StateAuthenticated, m.State())
	assert.False(t, m.Privileged())
	assert.Equal(t, []string{"alice", "pw1"}, dev.sentLines())
}

// TestMachineEnableScenario 设备直接给出 ">"，角色级别 7：发送 enable 7 并用登录密码提权
func TestMachineEnableScenario(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[7] = "pw1"

	m := openMachine(t, dev, 7, alice)
	assert.Equal(t, StateReady, m.State())
	assert.True(t, m.Privileged())
	assert.Equal(t, 7, m.Level())
	assert.Equal(t, []string{"enable 7", "pw1"}, dev.sentLines(), "已就绪时不应再发送用户名")
}

// TestMachineEnableCandidateOrder 三个候选中只有第二个正确：恰好提交两次
func TestMachineEnableCandidateOrder(t *testing.T) {
	for _, drop := range []bool{false, true} {
		dev := newFakeOLT().withReadyPrompt()
		dev.enable[15] = "en15"
		dev.dropOnBadEnable = drop

		creds := Credentials{Principal: "alice", Secret: "pw1", EnableSecret: "en15"}
		m := openMachine(t, dev, 15, creds)

		assert.Equal(t, 2, dev.submissions(), "drop=%v", drop)
		assert.True(t, m.Privileged())
		assert.Equal(t, 15, m.Level())
		if drop {
			assert.Equal(t, []string{"enable 15", "pw1", "enable 15", "en15"}, dev.sentLines(), "回到 > 后应重新发送 enable")
		} else {
			assert.Equal(t, []string{"enable 15", "pw1", "en15"}, dev.sentLines())
		}
	}
}

// TestMachineEnableDenied 候选全部失败返回 EnableDenied
func TestMachineEnableDenied(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "secret"

	m := NewMachine(dev, "10.0.0.5", testOptions())
	err := m.Open(context.Background(), alice, 15, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnableDenied)
	assert.Equal(t, 2, dev.submissions(), "登录密码与组合形式各提交一次")
}

// TestMachineEnableNotConfigured 提权命令直接被拒绝
func TestMachineEnableNotConfigured(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	m := NewMachine(dev, "10.0.0.5", testOptions())
	err := m.Open(context.Background(), alice, 15, 0)
	assert.ErrorIs(t, err, ErrEnableDenied)
	assert.Equal(t, 0, dev.submissions())
}

// TestMachineSkipEscalation 目标为最低级别或已是特权提示符时不提权
func TestMachineSkipEscalation(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	m := openMachine(t, dev, 1, alice)
	assert.Equal(t, 1, m.Level())
	assert.Empty(t, dev.sentLines())

	priv := newFakeOLT()
	priv.mode = "user"
	priv.level = 15
	priv.emit("\r\nOLT#")
	m = openMachine(t, priv, 7, alice)
	assert.True(t, m.Privileged())
	assert.Equal(t, 7, m.Level())
	assert.Empty(t, priv.sentLines(), "已处于特权模式不应发送 enable")
}

// TestMachineLoginDenied 错误密码导致重新提示用户名
func TestMachineLoginDenied(t *testing.T) {
	dev := newFakeOLT().withLoginBanner()
	m := NewMachine(dev, "10.0.0.5", testOptions())
	err := m.Open(context.Background(), Credentials{Principal: "alice", Secret: "wrong"}, 15, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginDenied)
	assert.Equal(t, StateDenied, m.State())
	assert.Contains(t, OutputOf(err), "Login incorrect")
}

// TestMachineConnectTimeout 无任何输出时为 ConnectTimeout
func TestMachineConnectTimeout(t *testing.T) {
	dev := newFakeOLT()
	m := NewMachine(dev, "10.0.0.5", testOptions())
	_, err := m.Connect(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateTimedOut, m.State())

	noisy := newFakeOLT()
	noisy.emit("Trying 10.0.0.5...\r\nConnected to 10.0.0.5.\r\n")
	m = NewMachine(noisy, "10.0.0.5", testOptions())
	_, err = m.Connect(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLoginTimeout, "有输出但没有登录提示")
}

// TestMachineConnectClosed 对端立即关闭
func TestMachineConnectClosed(t *testing.T) {
	dev := newFakeOLT()
	dev.emit("telnet: Unable to connect to remote host: Connection refused\r\n")
	dev.hangup = true
	m := NewMachine(dev, "10.0.0.5", testOptions())
	_, err := m.Connect(context.Background(), 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, StateClosedUnexpectedly, m.State())
}

// TestMachineExecuteStripsEchoAndPrompt 输出不含回显命令与末尾提示符
func TestMachineExecuteStripsEchoAndPrompt(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.commands["show version"] = "ZXAN C300 V2.1.0\nUptime 10 days"
	m := openMachine(t, dev, 15, alice)

	out, err := m.Execute(context.Background(), "show version", 0)
	require.NoError(t, err)
	assert.Equal(t, "ZXAN C300 V2.1.0\nUptime 10 days", out)
	assert.NotContains(t, out, "show version")
	assert.NotContains(t, out, "OLT#")
	assert.Equal(t, StateReady, m.State())

	out, err = m.Execute(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

// TestMachinePagination 有限次分页后返回，分页提示不出现在输出中
func TestMachinePagination(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.pages["show running-config"] = []string{"line 1\r\nline 2", "line 3\r\nline 4", "line 5", "end"}
	m := openMachine(t, dev, 15, alice)

	started := time.Now()
	out, err := m.Execute(context.Background(), "show running-config", 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 4*testOptions().CommandTimeout, "分页循环应在有限时间内结束")
	assert.Equal(t, "line 1\nline 2\nline 3\nline 4\nline 5\nend", out)
	assert.Equal(t, 3, dev.rawCount(" "), "每个分页提示发送一次翻页键")
	assert.NotContains(t, out, "More")
}

// TestMachinePaginationLimit 超过翻页上限时中断并返回超时
func TestMachinePaginationLimit(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	pages := make([]string, 10)
	for i := range pages {
		pages[i] = "row"
	}
	dev.pages["show log"] = pages

	opts := testOptions()
	opts.MaxPages = 3
	m := NewMachine(dev, "10.0.0.5", opts)
	require.NoError(t, m.Open(context.Background(), alice, 15, 0))

	out, err := m.Execute(context.Background(), "show log", 0)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Contains(t, out, "row")
	assert.Equal(t, 1, dev.rawCount("\x03"))
}

// TestMachineCommandDenied 拒绝只影响本条命令，会话继续可用
func TestMachineCommandDenied(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.denied["debug all"] = true
	dev.commands["show clock"] = "12:00:00"
	m := openMachine(t, dev, 15, alice)

	out, err := m.Execute(context.Background(), "debug all", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandDenied)
	assert.Contains(t, out, "Command authorization failed")
	assert.Equal(t, out, OutputOf(err))

	out, err = m.Execute(context.Background(), "bogus-cmd", 0)
	assert.ErrorIs(t, err, ErrCommandDenied, "无效命令同样按拒绝处理")
	assert.Contains(t, out, "Invalid input")

	out, err = m.Execute(context.Background(), "show clock", 0)
	require.NoError(t, err)
	assert.Equal(t, "12:00:00", out)
}

// TestMachineCommandTimeout 超时只影响本条命令
func TestMachineCommandTimeout(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.silent["ping 10.0.0.1"] = true
	dev.commands["show clock"] = "12:00:00"
	m := openMachine(t, dev, 15, alice)

	_, err := m.Execute(context.Background(), "ping 10.0.0.1", 80*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, StateTimedOut, m.State())
	assert.False(t, dev.isClosed(), "交互会话超时不应关闭通道")

	// 设备稍后恢复提示符
	dev.mu.Lock()
	dev.emit("\r\nOLT#")
	dev.mu.Unlock()
	out, err := m.Execute(context.Background(), "show clock", 0)
	require.NoError(t, err)
	assert.Contains(t, out, "12:00:00")
}

// TestMachineConnectionClosedDuringExecute 执行中对端断开
func TestMachineConnectionClosedDuringExecute(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.hangupOn["reboot"] = true
	m := openMachine(t, dev, 15, alice)

	out, err := m.Execute(context.Background(), "reboot", 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Contains(t, out, "Connection closed")
	assert.Equal(t, StateClosedUnexpectedly, m.State())

	_, err = m.Execute(context.Background(), "show clock", 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestMachineHelp 帮助查询不换行发送，随后清行恢复提示符
func TestMachineHelp(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.help["show"] = "  version         Display version\n  running-config  Current configuration"
	dev.commands["show clock"] = "12:00:00"
	m := openMachine(t, dev, 15, alice)

	out, err := m.Help(context.Background(), "show ?")
	require.NoError(t, err)
	assert.Equal(t, "  version         Display version\n  running-config  Current configuration", out)
	assert.Equal(t, 1, dev.rawCount("show ?"))
	assert.Equal(t, 1, dev.rawCount("\x15"))
	assert.Equal(t, 0, dev.rawCount("\x03"), "清行成功后不发送中断")
	assert.Equal(t, StateReady, m.State())

	out, err = m.Execute(context.Background(), "show clock", 0)
	require.NoError(t, err)
	assert.Equal(t, "12:00:00", out)
	assert.True(t, IsHelpQuery("conf t ?  "))
	assert.False(t, IsHelpQuery("show ip"))
}

// TestMachineRaw 原始控制字节
func TestMachineRaw(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	m := openMachine(t, dev, 15, alice)

	out, err := m.Raw(context.Background(), 0x03)
	require.NoError(t, err)
	assert.Contains(t, out, "^C")
	assert.True(t, strings.HasSuffix(out, "OLT#"))
}

// TestMachineClose 注销后关闭通道，重复关闭无副作用
func TestMachineClose(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	m := openMachine(t, dev, 1, alice)

	m.Close()
	assert.True(t, dev.isClosed())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, []string{"exit"}, dev.sentLines())

	m.Close()
	assert.Equal(t, []string{"exit"}, dev.sentLines(), "重复关闭不应再次注销")
}

// TestMachineExecutePromptLikeChunk 输出行以 ">" 结尾且恰好是分块末尾：不是提示符，继续读到真正的提示符
func TestMachineExecutePromptLikeChunk(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	dev.enable[15] = "pw1"
	dev.chunked["show running-config"] = []string{
		"!<if-intf>",
		"\ninterface gpon-olt_1/1/1\n!</if-intf>",
	}
	dev.commands["show clock"] = "10:00:00 UTC Tue Oct 14 2026"
	m := openMachine(t, dev, 15, alice)

	out, err := m.Execute(context.Background(), "show running-config", 0)
	require.NoError(t, err)
	assert.Equal(t, "!<if-intf>\ninterface gpon-olt_1/1/1\n!</if-intf>", out)
	assert.True(t, m.Privileged(), "仍处于 # 提示符")
	assert.Equal(t, 15, m.Level())

	out, err = m.Execute(context.Background(), "show clock", 0)
	require.NoError(t, err)
	assert.Equal(t, "10:00:00 UTC Tue Oct 14 2026", out, "上一条命令的输出不应串到下一条")
}

// TestMachineZeroOptions 零值参数补齐默认值，关闭时仍然注销
func TestMachineZeroOptions(t *testing.T) {
	dev := newFakeOLT().withReadyPrompt()
	m := NewMachine(dev, "h", Options{})
	assert.Equal(t, "exit", m.Options().LogoutCommand)
	assert.Equal(t, DefaultOptions().EnableCommand, m.Options().EnableCommand)

	_, err := m.Connect(context.Background(), 0)
	require.NoError(t, err)
	m.Close()
	assert.Equal(t, []string{"exit"}, dev.sentLines())
}

// TestMachineEnableTemplate 提权命令模板
func TestMachineEnableTemplate(t *testing.T) {
	opts := testOptions()
	opts.EnableCommand = "super"
	m := NewMachine(newFakeOLT(), "h", opts)
	assert.Equal(t, "super", m.enableCommand(15))

	m = NewMachine(newFakeOLT(), "h", testOptions())
	assert.Equal(t, "enable 7", m.enableCommand(7))
}
