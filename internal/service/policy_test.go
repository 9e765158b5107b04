package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/crypto"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/model"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/transport"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	cfg := testCfg(t)
	db, err := database.Open(cfg.Database.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	box, err := crypto.New(key)
	require.NoError(t, err)
	return NewDirectory(db, box, config.Default().Policy())
}

func TestResolve(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	target, err := d.Resolve(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, transport.Target{Host: "10.0.0.5"}, target, "IPv4 地址原样使用")

	_, err = d.UpsertDevice(ctx, model.Device{Name: "olt-east", IP: "10.1.1.1", Port: 2323, Transport: "TCP"})
	require.NoError(t, err)
	target, err = d.Resolve(ctx, " olt-east ")
	require.NoError(t, err)
	assert.Equal(t, transport.KindTCP, target.Kind)
	assert.Equal(t, "10.1.1.1:2323", target.Address())

	_, err = d.Resolve(ctx, "olt-missing")
	assert.ErrorIs(t, err, cli.ErrConfiguration)
	_, err = d.Resolve(ctx, "10.0.0")
	assert.ErrorIs(t, err, cli.ErrConfiguration, "不完整的地址按名称查找")
	_, err = d.Resolve(ctx, "")
	assert.ErrorIs(t, err, cli.ErrConfiguration)
}

func TestPrincipalLevel(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertRole(ctx, model.Role{Name: "OLT_ENGINEER", Privilege: "7 / engineer"}))
	require.NoError(t, d.UpsertRole(ctx, model.Role{Name: "OLT_AUDIT", Privilege: "read only"}))
	for _, in := range []PrincipalInput{
		{Username: "bob", Role: "olt_engineer", Secret: "pw2"},
		{Username: "vic", Role: "OLT_VIEW", Secret: "pw3"},
		{Username: "aud", Role: "OLT_AUDIT", Secret: "pw4"},
		{Username: "old", Role: "OLT_ADMIN", Secret: "pw5", Status: model.PrincipalStatusDisabled},
	} {
		_, err := d.UpsertPrincipal(ctx, in)
		require.NoError(t, err)
	}

	info, err := d.Principal(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, PrincipalInfo{Name: "bob", Role: "olt_engineer", Level: 7}, *info, "账号与角色均不区分大小写")

	info, err = d.Principal(ctx, "vic")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Level, "角色表中没有的角色按默认映射")

	info, err = d.Principal(ctx, "aud")
	require.NoError(t, err)
	assert.Equal(t, cli.DefaultLevel, info.Level, "privilege 不含数字时取 15")

	_, err = d.Principal(ctx, "old")
	assert.ErrorIs(t, err, cli.ErrConfiguration, "停用账号")
	_, err = d.Principal(ctx, "nobody")
	assert.ErrorIs(t, err, cli.ErrConfiguration)
}

func TestPrincipalSecrets(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	created, err := d.UpsertPrincipal(ctx, PrincipalInput{Username: "bob", Role: "OLT_ENGINEER", Secret: "pw2", EnableSecret: "en2"})
	require.NoError(t, err)
	assert.True(t, created)

	var row model.Principal
	require.NoError(t, d.db.Where(&model.Principal{Username: "bob"}).First(&row).Error)
	assert.NotEqual(t, "pw2", row.Secret, "密码以密文保存")
	assert.NotEmpty(t, row.Secret)

	s, err := d.LoginSecret(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "pw2", s)
	s, err = d.EnableSecret(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "en2", s)

	// 只更新角色时保留原密码
	created, err = d.UpsertPrincipal(ctx, PrincipalInput{Username: "bob", Role: "OLT_ADMIN"})
	require.NoError(t, err)
	assert.False(t, created)
	s, err = d.LoginSecret(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "pw2", s)

	list, err := d.ListPrincipals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "OLT_ADMIN", list[0].Role)

	ok, err := d.DeletePrincipal(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.DeletePrincipal(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDevices(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.UpsertDevice(ctx, model.Device{Name: "olt-a", IP: "10.0.0.1"})
	require.NoError(t, err)
	_, err = d.UpsertDevice(ctx, model.Device{Name: "olt-b", IP: "10.0.0.2", Disabled: true})
	require.NoError(t, err)
	dev, err := d.UpsertDevice(ctx, model.Device{Name: "olt-a", IP: "10.0.0.9", Group: "east"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", dev.IP, "同名设备更新")
	assert.Equal(t, "east", dev.Group)

	all, err := d.ListDevices(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	enabled, err := d.ListDevices(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "olt-a", enabled[0].Name)

	_, err = d.UpsertDevice(ctx, model.Device{Name: "olt-c", IP: "10.0.0.3", Transport: "serial"})
	assert.ErrorIs(t, err, cli.ErrConfiguration)
	_, err = d.UpsertDevice(ctx, model.Device{Name: "olt-d"})
	assert.ErrorIs(t, err, cli.ErrConfiguration)

	ok, err := d.DeleteDevice(ctx, "olt-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsIPv4(t *testing.T) {
	assert.True(t, IsIPv4("192.168.1.1"))
	assert.False(t, IsIPv4("::1"))
	assert.False(t, IsIPv4("olt-1"))
	assert.False(t, IsIPv4("::ffff:10.0.0.1"))
}
