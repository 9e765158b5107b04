package service

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	_ "github.com/oltcli/oltcli/addone/profile/platforms/zte_c300"
	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/crypto"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/model"
	"github.com/oltcli/oltcli/simulate"
)

// testEnv 模拟 OLT + 临时数据库 + 引擎
type testEnv struct {
	cfg       *config.Config
	db        *gorm.DB
	dir       *Directory
	engine    *Engine
	terminal  *TerminalService
	provision *ProvisionService
	sim       *simulate.Manager
	port      int
	reportDir string
}

func simConfig() *simulate.Config {
	dt := simulate.ZTEDeviceType()
	dt.Commands = map[string]string{
		"show version": "ZXAN C300 Software Version V2.1.0",
		"show clock":   "10:00:00 UTC Tue Oct 14 2026",
	}
	dt.DeniedCommands = []string{`^debug `}
	return &simulate.Config{
		Namespace:  map[string]simulate.NamespaceConfig{"lab": {Port: 0, Hostname: "LAB-C300", DeviceType: "zte"}},
		DeviceType: map[string]simulate.DeviceTypeConfig{"zte": dt},
		Users: map[string]simulate.UserConfig{
			"zte":   {Password: "zte", Level: 15},
			"alice": {Password: "pw1", Level: 15},
			"bob":   {Password: "pw2", EnablePassword: "en2", Level: 7},
		},
	}
}

func testCfg(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.CLI.Transport = "tcp"
	cfg.CLI.ConnectTimeout = 3 * time.Second
	cfg.CLI.LoginTimeout = 3 * time.Second
	cfg.CLI.EnableTimeout = 3 * time.Second
	cfg.CLI.CommandTimeout = 3 * time.Second
	cfg.CLI.DeniedGrace = 200 * time.Millisecond
	cfg.CLI.HelpWait = 300 * time.Millisecond
	cfg.CLI.LogoutWait = 200 * time.Millisecond
	cfg.Batch.Timeout = 3 * time.Second
	cfg.Database.SQLite = config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "olt.db"), LogLevel: "silent"}
	cfg.Storage.Local.BaseDir = t.TempDir()
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sim, err := simulate.Start(simConfig())
	require.NoError(t, err)
	t.Cleanup(sim.Stop)
	addr, ok := sim.Addr("lab")
	require.True(t, ok)
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

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
	dir := NewDirectory(db, box, cfg.Policy())

	ctx := context.Background()
	_, err = dir.UpsertDevice(ctx, model.Device{Name: "olt-lab", IP: "127.0.0.1", Port: port, Transport: "tcp", Vendor: "zte_c300"})
	require.NoError(t, err)
	require.NoError(t, dir.UpsertRole(ctx, model.Role{Name: "OLT_ENGINEER", Privilege: "7 / engineer"}))
	_, err = dir.UpsertPrincipal(ctx, PrincipalInput{Username: "alice", Role: "OLT_ADMIN", Secret: "pw1"})
	require.NoError(t, err)
	_, err = dir.UpsertPrincipal(ctx, PrincipalInput{Username: "bob", Role: "OLT_ENGINEER", Secret: "pw2", EnableSecret: "en2"})
	require.NoError(t, err)

	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	admin := &config.AdminCredentials{User: "zte", Password: "zte", TelnetTimeout: 3}
	return &testEnv{
		cfg:      cfg,
		db:       db,
		dir:      dir,
		engine:   engine,
		terminal: NewTerminalService(engine, dir, dir, dir),
		provision: NewProvisionService(engine, ProvisionDeps{
			Targets:    dir,
			Principals: dir,
			Secrets:    dir,
			Devices:    dir,
			Store:      NewReportStore(cfg.Storage),
			DB:         db,
			Admin:      admin,
		}),
		sim:       sim,
		port:      port,
		reportDir: cfg.Storage.Local.BaseDir,
	}
}
