package integration

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/oltcli/oltcli/addone/profile/platforms/zte_c300"
	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/transport"
	"github.com/oltcli/oltcli/simulate"
)

// startOLT 启动一台 tcp 与一台 ssh 模拟设备
func startOLT(t *testing.T) *simulate.Manager {
	t.Helper()
	dt := simulate.ZTEDeviceType()
	dt.Commands = map[string]string{
		"show version": "ZXAN C300 Software Version V2.1.0",
		"show clock":   "10:00:00 UTC Tue Oct 14 2026",
	}
	dt.HangCommands = []string{`^show tech`}
	m, err := simulate.Start(&simulate.Config{
		Namespace: map[string]simulate.NamespaceConfig{
			"tcp": {Hostname: "OLT-TCP", DeviceType: "zte"},
			"ssh": {Protocol: "ssh", Hostname: "OLT-SSH", DeviceType: "zte"},
		},
		DeviceType: map[string]simulate.DeviceTypeConfig{"zte": dt},
		Users: map[string]simulate.UserConfig{
			"zte":   {Password: "zte", Level: 15},
			"alice": {Password: "pw1", Level: 15},
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func targetOf(t *testing.T, m *simulate.Manager, ns string, kind transport.Kind) transport.Target {
	t.Helper()
	addr, ok := m.Addr(ns)
	require.True(t, ok, "namespace %s 未启动", ns)
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return transport.Target{Kind: kind, Host: "127.0.0.1", Port: port}
}

func newEngine(t *testing.T) *service.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.CLI.Transport = "tcp"
	cfg.CLI.ConnectTimeout = 3 * time.Second
	cfg.CLI.LoginTimeout = 3 * time.Second
	cfg.CLI.EnableTimeout = 3 * time.Second
	cfg.CLI.CommandTimeout = 2 * time.Second
	cfg.CLI.DeniedGrace = 200 * time.Millisecond
	cfg.CLI.HelpWait = 300 * time.Millisecond
	cfg.CLI.LogoutWait = 200 * time.Millisecond
	cfg.Batch.Timeout = 3 * time.Second
	engine, err := service.NewEngine(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return engine
}

// TestEngineerSessionOverTransports 工程师角色经 enable 7 提权，tcp 与 ssh 行为一致
func TestEngineerSessionOverTransports(t *testing.T) {
	m := startOLT(t)
	engine := newEngine(t)
	ctx := context.Background()

	for _, tc := range []struct {
		ns       string
		kind     transport.Kind
		hostname string
	}{
		{"tcp", transport.KindTCP, "OLT-TCP"},
		{"ssh", transport.KindSSH, "OLT-SSH"},
	} {
		t.Run(tc.ns, func(t *testing.T) {
			reg := engine.Registry()
			res, err := reg.Create(ctx, cli.CreateRequest{
				Target:    targetOf(t, m, tc.ns, tc.kind),
				Principal: "alice",
				Secret:    "pw1",
				Role:      "OLT_ENGINEER",
				Level:     engine.Policy().Level("OLT_ENGINEER", 0),
			})
			require.NoError(t, err)
			assert.Equal(t, 7, res.Level, "OLT_ENGINEER 映射为 7 级")
			assert.Contains(t, res.Output, tc.hostname)

			out, err := reg.Send(ctx, res.ID, "show clock", 0)
			require.NoError(t, err)
			assert.Equal(t, "10:00:00 UTC Tue Oct 14 2026", out)

			require.NoError(t, reg.Close(res.ID))
			_, err = reg.Send(ctx, res.ID, "show clock", 0)
			assert.ErrorIs(t, err, cli.ErrSessionNotFound, "关闭后的会话不可再用")
		})
	}
}

// TestBatchContinuesAfterDenied 被拒绝的命令记录在案，批量继续执行
func TestBatchContinuesAfterDenied(t *testing.T) {
	m := startOLT(t)
	engine := newEngine(t)

	report, err := engine.Batch().Run(context.Background(), cli.BatchRequest{
		Target:    targetOf(t, m, "tcp", transport.KindTCP),
		Principal: "zte",
		Secret:    "zte",
		Level:     15,
		Commands:  []string{"show version", "bogus-cmd"},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.False(t, report.Results[0].Denied)
	assert.Contains(t, report.Results[0].Output, "ZXAN C300")
	assert.True(t, report.Results[1].Denied, "未知命令被设备拒绝")
	assert.Equal(t, 1, report.Denied())
	assert.Contains(t, report.Format(0, false), "[DENIED]")
}

// TestCommandTimeoutKeepsSession 命令超时后中断，会话仍可继续使用
func TestCommandTimeoutKeepsSession(t *testing.T) {
	m := startOLT(t)
	engine := newEngine(t)
	ctx := context.Background()
	reg := engine.Registry()

	res, err := reg.Create(ctx, cli.CreateRequest{
		Target:    targetOf(t, m, "tcp", transport.KindTCP),
		Principal: "zte",
		Secret:    "zte",
		Level:     15,
	})
	require.NoError(t, err)
	defer reg.Close(res.ID)

	_, err = reg.Send(ctx, res.ID, "show tech-support", 500*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, cli.KindCommandTimeout, cli.KindOf(err))

	_, err = reg.Get(res.ID)
	require.NoError(t, err, "超时不销毁会话")
	_, err = reg.Send(ctx, res.ID, `\x03`, 0)
	require.NoError(t, err)
	out, err := reg.Send(ctx, res.ID, "show clock", 0)
	require.NoError(t, err)
	assert.Equal(t, "10:00:00 UTC Tue Oct 14 2026", out)
}
