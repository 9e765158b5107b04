package service

import (
	"context"
	"strings"
	"time"

	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
)

// LoginRecorder 可选：记录登录时间
type LoginRecorder interface {
	TouchLogin(ctx context.Context, principal string, at time.Time) error
}

// TerminalService 交互会话服务
type TerminalService struct {
	engine     *Engine
	principals PrincipalSource
	targets    TargetResolver
	secrets    SecretSource
}

// NewTerminalService 创建交互会话服务
func NewTerminalService(engine *Engine, principals PrincipalSource, targets TargetResolver, secrets SecretSource) *TerminalService {
	return &TerminalService{engine: engine, principals: principals, targets: targets, secrets: secrets}
}

// CreateSessionRequest 建立会话请求
type CreateSessionRequest struct {
	Target    string `json:"target" binding:"required"`
	Principal string `json:"principal" binding:"required"`
	// Secret 为空时使用目录中保存的登录密码
	Secret string `json:"secret"`
	// Level 显式级别，优先于角色映射
	Level   int           `json:"level"`
	Timeout time.Duration `json:"-"`
}

// CreateSession 解析目标与账号级别后建立会话
func (s *TerminalService) CreateSession(ctx context.Context, req CreateSessionRequest) (*cli.CreateResult, error) {
	target, err := s.targets.Resolve(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	info, err := s.principals.Principal(ctx, req.Principal)
	if err != nil {
		return nil, err
	}
	level := info.Level
	if req.Level > 0 {
		level = cli.ClampLevel(req.Level)
	}

	secret := req.Secret
	if secret == "" && s.secrets != nil {
		if secret, err = s.secrets.LoginSecret(ctx, info.Name); err != nil {
			return nil, err
		}
	}
	if secret == "" {
		return nil, cli.ConfigError("create", "no secret for principal %q", info.Name)
	}
	var enableSecret string
	if s.secrets != nil {
		if enableSecret, err = s.secrets.EnableSecret(ctx, info.Name); err != nil {
			return nil, err
		}
	}

	res, err := s.engine.Registry().Create(ctx, cli.CreateRequest{
		Target:       target,
		Principal:    info.Name,
		Secret:       secret,
		EnableSecret: enableSecret,
		Role:         info.Role,
		Level:        level,
		Timeout:      req.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if rec, ok := s.principals.(LoginRecorder); ok {
		if terr := rec.TouchLogin(ctx, info.Name, time.Now()); terr != nil {
			logger.WithField("principal", info.Name).Warnf("record login failed: %v", terr)
		}
	}
	return res, nil
}

// SendLine 在会话上执行一行输入
func (s *TerminalService) SendLine(ctx context.Context, id, line string, timeout time.Duration) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", cli.ErrSessionNotFound
	}
	return s.engine.Registry().Send(ctx, id, line, timeout)
}

// CloseSession 关闭会话；不存在的 id 视为成功
func (s *TerminalService) CloseSession(id string) error {
	return s.engine.Registry().Close(strings.TrimSpace(id))
}

// Get 会话信息
func (s *TerminalService) Get(id string) (*cli.SessionInfo, error) {
	return s.engine.Registry().Get(strings.TrimSpace(id))
}

// List 全部会话
func (s *TerminalService) List() []cli.SessionInfo {
	return s.engine.Registry().List()
}

// GetStats 会话统计
func (s *TerminalService) GetStats() map[string]interface{} {
	return s.engine.GetStats()
}
