package profile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltcli/oltcli/addone/profile"
	_ "github.com/oltcli/oltcli/addone/profile/platforms/huawei_ma5800"
	_ "github.com/oltcli/oltcli/addone/profile/platforms/zte_c300"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/transport"
)

// TestRegistry 插件注册与回退
func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"default", "huawei_ma5800", "zte_c300"}, profile.Names())
	assert.Equal(t, "default", profile.Get("no-such-vendor").Name(), "未知厂商回退到 default")
	_, ok := profile.Lookup("no-such-vendor")
	assert.False(t, ok)
}

// TestVendorOptions 厂商模板转为状态机参数
func TestVendorOptions(t *testing.T) {
	zte, err := profile.Options(profile.Get("zte_c300"))
	require.NoError(t, err)
	assert.Equal(t, "enable %d", zte.EnableCommand)
	assert.Equal(t, cli.EventDenied, zte.Classifier.Classify("%Error 146: Command authorization failed."))
	assert.Equal(t, "write", profile.SaveCommand(profile.Get("zte_c300")))

	hw, err := profile.Options(profile.Get("huawei_ma5800"))
	require.NoError(t, err)
	assert.Equal(t, "quit", hw.LogoutCommand)
	assert.Equal(t, cli.EventPagination, hw.Classifier.Classify("  ---- More ( Press 'Q' to break ) ----"))
	assert.Equal(t, "save", profile.SaveCommand(profile.Get("huawei_ma5800")))

	def, err := profile.Options(profile.Get("default"))
	require.NoError(t, err)
	assert.Equal(t, cli.DefaultOptions().EnableCommand, def.EnableCommand)
}

// TestDialerCharset 厂商编码只填充未配置编码的通道
func TestDialerCharset(t *testing.T) {
	dc := transport.DialerConfig{}
	dc.TCP.Charset = "utf-8"

	hw := profile.DialerConfig(profile.Get("huawei_ma5800"), dc)
	assert.Equal(t, "gbk", hw.Telnet.Charset)
	assert.Equal(t, "gbk", hw.SSH.Charset)
	assert.Equal(t, "utf-8", hw.TCP.Charset, "显式配置优先")

	zte := profile.DialerConfig(profile.Get("zte_c300"), dc)
	assert.Empty(t, zte.Telnet.Charset)
}
