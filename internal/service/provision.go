package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/model"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
)

// DeviceLister 列出可下发的设备
type DeviceLister interface {
	ListDevices(ctx context.Context, onlyEnabled bool) ([]model.Device, error)
}

// ProvisionService 批量下发服务：任意命令、AAA 引导与账号开通/删除
type ProvisionService struct {
	engine     *Engine
	targets    TargetResolver
	principals PrincipalSource
	secrets    SecretSource
	devices    DeviceLister
	store      ReportStore
	db         *gorm.DB
	admin      *config.AdminCredentials
}

// ProvisionDeps 可选依赖；为空的项对应功能降级
type ProvisionDeps struct {
	Targets    TargetResolver
	Principals PrincipalSource
	Secrets    SecretSource
	Devices    DeviceLister
	Store      ReportStore
	DB         *gorm.DB
	Admin      *config.AdminCredentials
}

// NewProvisionService 创建批量下发服务
func NewProvisionService(engine *Engine, deps ProvisionDeps) *ProvisionService {
	return &ProvisionService{
		engine:     engine,
		targets:    deps.Targets,
		principals: deps.Principals,
		secrets:    deps.Secrets,
		devices:    deps.Devices,
		store:      deps.Store,
		db:         deps.DB,
		admin:      deps.Admin,
	}
}

// RunBatchRequest 批量执行请求
type RunBatchRequest struct {
	Target string `json:"target" binding:"required"`
	// Principal 为空时使用环境变量中的管理员账号，级别 15
	Principal string   `json:"principal"`
	Secret    string   `json:"secret"`
	Commands  []string `json:"commands"`
	Save      bool     `json:"save"`
	DryRun    bool     `json:"dry_run"`
	Debug     bool     `json:"debug"`
	Kind      string   `json:"-"`
}

// RunBatchResult 批量执行结果
type RunBatchResult struct {
	JobID  string        `json:"job_id,omitempty"`
	Text   string        `json:"text"`
	Report *cli.Report   `json:"report,omitempty"`
	Stored *StoredObject `json:"stored,omitempty"`
}

// batchCreds 执行账号
type batchCreds struct {
	principal    string
	secret       string
	enableSecret string
	level        int
}

func (s *ProvisionService) credentials(ctx context.Context, req RunBatchRequest) (batchCreds, error) {
	if strings.TrimSpace(req.Principal) == "" {
		if s.admin == nil {
			return batchCreds{}, cli.ConfigError("batch", "admin credentials are not configured")
		}
		c := batchCreds{
			principal:    s.admin.User,
			secret:       s.admin.Password,
			enableSecret: s.admin.EnableSecret(),
			level:        cli.MaxLevel,
		}
		if !req.DryRun {
			if err := s.admin.Require(); err != nil {
				return batchCreds{}, cli.ConfigError("batch", "%v", err)
			}
		}
		return c, nil
	}

	c := batchCreds{principal: strings.TrimSpace(req.Principal), secret: req.Secret, level: cli.MaxLevel}
	if s.principals != nil {
		info, err := s.principals.Principal(ctx, c.principal)
		if err != nil {
			return batchCreds{}, err
		}
		c.principal = info.Name
		c.level = info.Level
	}
	if s.secrets != nil && !req.DryRun {
		var err error
		if c.secret == "" {
			if c.secret, err = s.secrets.LoginSecret(ctx, c.principal); err != nil {
				return batchCreds{}, err
			}
		}
		if c.enableSecret, err = s.secrets.EnableSecret(ctx, c.principal); err != nil {
			return batchCreds{}, err
		}
	}
	if c.secret == "" && !req.DryRun {
		return batchCreds{}, cli.ConfigError("batch", "no secret for principal %q", c.principal)
	}
	return c, nil
}

func (s *ProvisionService) timeout() time.Duration {
	if s.admin != nil && s.admin.TelnetTimeout > 0 {
		return s.admin.Timeout()
	}
	return s.engine.Config().Batch.Timeout
}

// RunBatch 解析目标与账号，执行命令并记录任务与报告
func (s *ProvisionService) RunBatch(ctx context.Context, req RunBatchRequest) (*RunBatchResult, error) {
	if s.targets == nil {
		return nil, cli.ConfigError("batch", "target resolver is not configured")
	}
	target, err := s.targets.Resolve(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials(ctx, req)
	if err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = model.JobKindRun
	}
	cfg := s.engine.Config().Batch
	debug := req.Debug || cfg.Debug

	job := &model.BatchJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    strings.TrimSpace(req.Target),
		Principal: creds.principal,
		Commands:  strings.Join(s.engine.Batch().Plan(req.Commands, req.Save), "\n"),
		DryRun:    req.DryRun,
		Save:      req.Save,
		Status:    model.JobStatusRunning,
		StartTime: time.Now(),
	}
	s.recordJob(ctx, job, true)

	report, runErr := s.engine.Batch().Run(ctx, cli.BatchRequest{
		Target:       target,
		Name:         job.Target,
		Principal:    creds.principal,
		Secret:       creds.secret,
		EnableSecret: creds.enableSecret,
		Level:        creds.level,
		Commands:     req.Commands,
		Save:         req.Save,
		DryRun:       req.DryRun,
		Debug:        debug,
		Timeout:      s.timeout(),
	})

	result := &RunBatchResult{JobID: job.ID, Report: report}
	if report != nil {
		result.Text = report.Format(cfg.MaxReportChars, debug)
		job.Denied = report.Denied()
	}

	job.EndTime = time.Now()
	job.Duration = job.EndTime.Sub(job.StartTime).Milliseconds()
	switch {
	case req.DryRun && runErr == nil:
		job.Status = model.JobStatusDryRun
	case runErr != nil:
		job.Status = model.JobStatusFailed
		job.ErrorMsg = runErr.Error()
	default:
		job.Status = model.JobStatusSuccess
	}

	if report != nil && !req.DryRun && s.store != nil {
		obj, serr := s.store.Put(ctx, ReportMeta{JobID: job.ID, Kind: kind, Target: job.Target, Started: job.StartTime}, report.Format(0, debug))
		if serr != nil {
			logger.WithField("job_id", job.ID).Warnf("store report: %v", serr)
		}
		if obj.URI != "" {
			result.Stored = &obj
			job.ReportURI = obj.URI
		}
	}
	s.recordJob(ctx, job, false)

	log := logger.WithField("job_id", job.ID).WithField("kind", kind).WithField("target", job.Target)
	if runErr != nil {
		log.Warnf("batch failed: %v", runErr)
		return result, runErr
	}
	log.WithField("status", job.Status).Info("batch completed")
	return result, nil
}

func (s *ProvisionService) recordJob(ctx context.Context, job *model.BatchJob, create bool) {
	if s.db == nil {
		return
	}
	err := database.WithRetry(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if create {
			return tx.Create(job).Error
		}
		return tx.Save(job).Error
	}, 3, 0)
	if err != nil {
		logger.WithField("job_id", job.ID).Warnf("record job: %v", err)
	}
}

// ProvisionOptions 下发公共选项
type ProvisionOptions struct {
	Save   bool `json:"save"`
	DryRun bool `json:"dry_run"`
	Debug  bool `json:"debug"`
}

func (s *ProvisionService) provisionConfig() config.ProvisionConfig {
	p := s.engine.Config().Provision
	if s.admin != nil {
		p = s.admin.Overlay(p)
	}
	return p
}

// Bootstrap 在 OLT 上建立 AAA 模板与 system-user 绑定
func (s *ProvisionService) Bootstrap(ctx context.Context, target string, opts ProvisionOptions) (*RunBatchResult, error) {
	return s.RunBatch(ctx, RunBatchRequest{
		Target:   target,
		Commands: BootstrapCommands(s.provisionConfig()),
		Save:     opts.Save,
		DryRun:   opts.DryRun,
		Debug:    opts.Debug,
		Kind:     model.JobKindBootstrap,
	})
}

// Provision 在 OLT 上开通账号；role 为空时取目录中的角色
func (s *ProvisionService) Provision(ctx context.Context, target, username, role string, opts ProvisionOptions) (*RunBatchResult, error) {
	username = strings.TrimSpace(username)
	if !validUsername(username) {
		return nil, cli.ConfigError("provision", "invalid username %q", username)
	}
	role = strings.TrimSpace(role)
	if role == "" && s.principals != nil {
		info, err := s.principals.Principal(ctx, username)
		if err != nil {
			return nil, err
		}
		role = info.Role
	}
	return s.RunBatch(ctx, RunBatchRequest{
		Target:   target,
		Commands: ProvisionCommands(s.provisionConfig(), username, role),
		Save:     opts.Save,
		DryRun:   opts.DryRun,
		Debug:    opts.Debug,
		Kind:     model.JobKindProvision,
	})
}

// Deprovision 删除 OLT 账号；拒绝删除管理员账号
func (s *ProvisionService) Deprovision(ctx context.Context, target, username string, opts ProvisionOptions) (*RunBatchResult, error) {
	username = strings.TrimSpace(username)
	if !validUsername(username) {
		return nil, cli.ConfigError("deprovision", "invalid username %q", username)
	}
	if s.admin != nil && strings.EqualFold(username, s.admin.User) {
		return nil, cli.ConfigError("deprovision", "refusing to delete admin user %q", username)
	}
	return s.RunBatch(ctx, RunBatchRequest{
		Target:   target,
		Commands: DeprovisionCommands(username),
		Save:     opts.Save,
		DryRun:   opts.DryRun,
		Debug:    opts.Debug,
		Kind:     model.JobKindDeprovision,
	})
}

// ProvisionAllRequest 多台 OLT 开通同一账号
type ProvisionAllRequest struct {
	// Targets 为空时下发到全部启用的设备
	Targets  []string `json:"targets"`
	Username string   `json:"username" binding:"required"`
	Role     string   `json:"role"`
	ProvisionOptions
}

// DeviceOutcome 单台设备结果
type DeviceOutcome struct {
	Target string `json:"target"`
	JobID  string `json:"job_id,omitempty"`
	OK     bool   `json:"ok"`
	Denied int    `json:"denied"`
	Kind   string `json:"error_kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProvisionAll 并发下发，单台失败不影响其他设备
func (s *ProvisionService) ProvisionAll(ctx context.Context, req ProvisionAllRequest) ([]DeviceOutcome, error) {
	targets := req.Targets
	if len(targets) == 0 {
		if s.devices == nil {
			return nil, cli.ConfigError("provision", "no targets given")
		}
		devs, err := s.devices.ListDevices(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devs {
			targets = append(targets, d.Name)
		}
	}
	if len(targets) == 0 {
		return nil, cli.ConfigError("provision", "no enabled devices")
	}

	limit := s.engine.Config().Batch.Concurrency
	if limit <= 0 {
		limit = 1
	}
	out := make([]DeviceOutcome, len(targets))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			res, err := s.Provision(gctx, t, req.Username, req.Role, req.ProvisionOptions)
			o := DeviceOutcome{Target: t, OK: err == nil}
			if res != nil {
				o.JobID = res.JobID
				if res.Report != nil {
					o.Denied = res.Report.Denied()
				}
			}
			if err != nil {
				o.Kind = cli.KindOf(err).String()
				o.Error = err.Error()
			}
			mu.Lock()
			out[i] = o
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// ListJobs 最近的任务记录
func (s *ProvisionService) ListJobs(ctx context.Context, limit int) ([]model.BatchJob, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []model.BatchJob
	if err := s.db.WithContext(ctx).Order("start_time desc").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ErrJobNotFound 任务不存在
var ErrJobNotFound = errors.New("job not found")

// GetJob 查询任务记录
func (s *ProvisionService) GetJob(ctx context.Context, id string) (*model.BatchJob, error) {
	id = strings.TrimSpace(id)
	if s.db == nil || id == "" {
		return nil, ErrJobNotFound
	}
	var job model.BatchJob
	err := s.db.WithContext(ctx).Where(&model.BatchJob{ID: id}).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
