package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oltcli/oltcli/addone/profile"
	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/pkg/transport"
)

// Engine 会话引擎：拨号器、会话注册表与批量执行器
type Engine struct {
	config   *config.Config
	dialer   transport.Dialer
	options  cli.Options
	policy   *cli.PrivilegePolicy
	registry *cli.Registry
	batch    *cli.BatchExecutor

	mutex   sync.Mutex
	running bool
}

// NewEngine 根据配置创建引擎；dialer 为空时按配置创建
func NewEngine(cfg *config.Config, dialer transport.Dialer) (*Engine, error) {
	name := strings.TrimSpace(cfg.CLI.Vendor)
	if name == "" {
		name = "default"
	}
	plugin, ok := profile.Lookup(name)
	if !ok {
		return nil, cli.ConfigError("engine", "unknown vendor profile %q", name)
	}
	base, err := profile.Options(plugin)
	if err != nil {
		return nil, fmt.Errorf("vendor %s: %w", name, err)
	}
	if dialer == nil {
		dialer = transport.NewDialer(profile.DialerConfig(plugin, cfg.DialerConfig()))
	}
	opts, err := cfg.CLI.Apply(base)
	if err != nil {
		return nil, err
	}

	saveCommand := strings.TrimSpace(cfg.Batch.SaveCommand)
	if saveCommand == "" {
		saveCommand = profile.SaveCommand(plugin)
	}

	e := &Engine{
		config:  cfg,
		dialer:  dialer,
		options: opts,
		policy:  cfg.Policy(),
		registry: cli.NewRegistry(dialer, cli.RegistryOptions{
			IdleTimeout:   cfg.Session.IdleTimeout,
			SweepInterval: cfg.Session.SweepInterval,
			Machine:       opts,
		}),
		batch: cli.NewBatchExecutor(dialer, opts, saveCommand),
	}
	logger.WithField("vendor", name).WithField("transport", cfg.CLI.Transport).Info("engine initialized")
	return e, nil
}

// Start 启动空闲会话清理
func (e *Engine) Start(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.running {
		return nil
	}
	e.registry.Start()
	e.running = true
	return nil
}

// Stop 关闭全部交互会话
func (e *Engine) Stop(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.running = false
	return e.registry.Shutdown(ctx)
}

// Registry 会话注册表
func (e *Engine) Registry() *cli.Registry { return e.registry }

// Batch 批量执行器
func (e *Engine) Batch() *cli.BatchExecutor { return e.batch }

// Policy 权限级别策略
func (e *Engine) Policy() *cli.PrivilegePolicy { return e.policy }

// Options 状态机参数
func (e *Engine) Options() cli.Options { return e.options }

// Config 当前配置
func (e *Engine) Config() *config.Config { return e.config }

// GetStats 引擎统计
func (e *Engine) GetStats() map[string]interface{} {
	stats := e.registry.GetStats()
	stats["vendor"] = e.config.CLI.Vendor
	stats["transport"] = e.config.CLI.Transport
	return stats
}
