package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oltcli/oltcli/internal/crypto"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/model"
	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/transport"
)

// PrincipalInfo 账号解析结果
type PrincipalInfo struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Level int    `json:"level"`
}

// PrincipalSource 账号到角色与级别的解析
type PrincipalSource interface {
	Principal(ctx context.Context, name string) (*PrincipalInfo, error)
}

// TargetResolver 设备名称或地址解析为连接目标
type TargetResolver interface {
	Resolve(ctx context.Context, nameOrAddr string) (transport.Target, error)
}

// SecretSource 账号密码来源
type SecretSource interface {
	LoginSecret(ctx context.Context, principal string) (string, error)
	EnableSecret(ctx context.Context, principal string) (string, error)
}

// Directory 基于 SQLite 的设备、角色与账号目录
type Directory struct {
	db     *gorm.DB
	box    *crypto.Box
	policy *cli.PrivilegePolicy
}

// NewDirectory 创建目录；policy 用于角色表中不存在的角色
func NewDirectory(db *gorm.DB, box *crypto.Box, policy *cli.PrivilegePolicy) *Directory {
	if policy == nil {
		policy = cli.NewPrivilegePolicy(nil, 0)
	}
	return &Directory{db: db, box: box, policy: policy}
}

// IsIPv4 点分十进制 IPv4 地址直接作为目标
func IsIPv4(s string) bool {
	if strings.Contains(s, ":") {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// Resolve 地址原样接受；名称按设备表查找
func (d *Directory) Resolve(ctx context.Context, nameOrAddr string) (transport.Target, error) {
	key := strings.TrimSpace(nameOrAddr)
	if key == "" {
		return transport.Target{}, cli.ConfigError("resolve", "device is required")
	}
	if IsIPv4(key) {
		return transport.Target{Host: key}, nil
	}
	var dev model.Device
	err := d.db.WithContext(ctx).Where(&model.Device{Name: key}).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transport.Target{}, cli.ConfigError("resolve", "device %q not found", key)
	}
	if err != nil {
		return transport.Target{}, fmt.Errorf("query device: %w", err)
	}
	if strings.TrimSpace(dev.IP) == "" {
		return transport.Target{}, cli.ConfigError("resolve", "device %q has no address", key)
	}
	return deviceTarget(dev), nil
}

func deviceTarget(dev model.Device) transport.Target {
	return transport.Target{
		Kind: transport.Kind(strings.ToLower(strings.TrimSpace(dev.Transport))),
		Host: strings.TrimSpace(dev.IP),
		Port: dev.Port,
	}
}

// Principal 按账号查找角色，级别取角色表的 privilege，否则按默认映射
func (d *Directory) Principal(ctx context.Context, name string) (*PrincipalInfo, error) {
	p, err := d.findPrincipal(ctx, name)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(p.Status, model.PrincipalStatusDisabled) {
		return nil, cli.ConfigError("principal", "principal %q is disabled", p.Username)
	}
	level, err := d.roleLevel(ctx, p.Role)
	if err != nil {
		return nil, err
	}
	return &PrincipalInfo{Name: p.Username, Role: p.Role, Level: level}, nil
}

func (d *Directory) findPrincipal(ctx context.Context, name string) (*model.Principal, error) {
	key := strings.TrimSpace(name)
	if key == "" {
		return nil, cli.ConfigError("principal", "principal is required")
	}
	var p model.Principal
	err := d.db.WithContext(ctx).Where("LOWER(username) = ?", strings.ToLower(key)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, cli.ConfigError("principal", "principal %q not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("query principal: %w", err)
	}
	return &p, nil
}

func (d *Directory) roleLevel(ctx context.Context, role string) (int, error) {
	var r model.Role
	err := d.db.WithContext(ctx).Where("UPPER(name) = ?", strings.ToUpper(strings.TrimSpace(role))).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.policy.Level(role, 0), nil
	}
	if err != nil {
		return 0, fmt.Errorf("query role: %w", err)
	}
	if level, ok := cli.ParsePrivilege(r.Privilege); ok {
		return level, nil
	}
	return cli.DefaultLevel, nil
}

// LoginSecret 解密保存的登录密码
func (d *Directory) LoginSecret(ctx context.Context, principal string) (string, error) {
	p, err := d.findPrincipal(ctx, principal)
	if err != nil {
		return "", err
	}
	return d.decrypt(p.Secret)
}

// EnableSecret 解密保存的 enable 密码，可为空
func (d *Directory) EnableSecret(ctx context.Context, principal string) (string, error) {
	p, err := d.findPrincipal(ctx, principal)
	if err != nil {
		return "", err
	}
	return d.decrypt(p.EnableSecret)
}

func (d *Directory) decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	if d.box == nil {
		return "", cli.ConfigError("secret", "secret storage is not configured")
	}
	s, err := d.box.Decrypt(token)
	if err != nil {
		return "", cli.ConfigError("secret", "stored secret cannot be decrypted: %v", err)
	}
	return s, nil
}

// TouchLogin 记录最近登录时间
func (d *Directory) TouchLogin(ctx context.Context, principal string, at time.Time) error {
	return database.WithRetry(d.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Model(&model.Principal{}).
			Where("LOWER(username) = ?", strings.ToLower(strings.TrimSpace(principal))).
			Update("last_login", at).Error
	}, 3, 0)
}

// PrincipalInput 账号写入参数；Secret/EnableSecret 为空时保留原值
type PrincipalInput struct {
	Username     string `json:"username" binding:"required"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	Secret       string `json:"secret"`
	EnableSecret string `json:"enable_secret"`
}

// UpsertPrincipal 新建或更新账号，返回是否新建
func (d *Directory) UpsertPrincipal(ctx context.Context, in PrincipalInput) (bool, error) {
	name := strings.TrimSpace(in.Username)
	if name == "" {
		return false, cli.ConfigError("principal", "username is required")
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = "OLT_VIEW"
	}
	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = model.PrincipalStatusActive
	}

	created := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.Principal
		err := tx.Where(&model.Principal{Username: name}).First(&p).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			p = model.Principal{Username: name}
		case err != nil:
			return err
		}
		p.Role = role
		p.Status = status
		if in.Secret != "" {
			if p.Secret, err = d.encrypt(in.Secret); err != nil {
				return err
			}
		}
		if in.EnableSecret != "" {
			if p.EnableSecret, err = d.encrypt(in.EnableSecret); err != nil {
				return err
			}
		}
		return tx.Save(&p).Error
	})
	if err != nil {
		return false, fmt.Errorf("save principal: %w", err)
	}
	return created, nil
}

func (d *Directory) encrypt(plain string) (string, error) {
	if d.box == nil {
		return "", cli.ConfigError("secret", "secret storage is not configured")
	}
	return d.box.Encrypt(plain)
}

// ListPrincipals 账号列表（不含密码）
func (d *Directory) ListPrincipals(ctx context.Context) ([]model.Principal, error) {
	var out []model.Principal
	if err := d.db.WithContext(ctx).Order("username").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePrincipal 删除账号，返回是否存在
func (d *Directory) DeletePrincipal(ctx context.Context, username string) (bool, error) {
	res := d.db.WithContext(ctx).Where(&model.Principal{Username: strings.TrimSpace(username)}).Delete(&model.Principal{})
	return res.RowsAffected > 0, res.Error
}

// UpsertRole 新建或更新角色
func (d *Directory) UpsertRole(ctx context.Context, role model.Role) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return cli.ConfigError("role", "role name is required")
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"privilege", "description", "updated_at"}),
	}).Create(&role).Error
}

// ListRoles 角色列表
func (d *Directory) ListRoles(ctx context.Context) ([]model.Role, error) {
	var out []model.Role
	if err := d.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertDevice 按名称新建或更新设备
func (d *Directory) UpsertDevice(ctx context.Context, dev model.Device) (*model.Device, error) {
	dev.Name = strings.TrimSpace(dev.Name)
	dev.IP = strings.TrimSpace(dev.IP)
	if dev.Name == "" || dev.IP == "" {
		return nil, cli.ConfigError("device", "device name and ip are required")
	}
	switch transport.Kind(strings.ToLower(dev.Transport)) {
	case "", transport.KindTelnet, transport.KindSSH, transport.KindTCP:
	default:
		return nil, cli.ConfigError("device", "unsupported transport %q", dev.Transport)
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"ip", "port", "transport", "vendor", "device_group", "description", "disabled", "updated_at"}),
	}).Create(&dev).Error
	if err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}
	var saved model.Device
	if err := d.db.WithContext(ctx).Where(&model.Device{Name: dev.Name}).First(&saved).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

// ListDevices 设备列表；onlyEnabled 时过滤停用设备
func (d *Directory) ListDevices(ctx context.Context, onlyEnabled bool) ([]model.Device, error) {
	q := d.db.WithContext(ctx).Order("name")
	if onlyEnabled {
		q = q.Where("disabled = ?", false)
	}
	var out []model.Device
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDevice 删除设备，返回是否存在
func (d *Directory) DeleteDevice(ctx context.Context, name string) (bool, error) {
	res := d.db.WithContext(ctx).Where(&model.Device{Name: strings.TrimSpace(name)}).Delete(&model.Device{})
	return res.RowsAffected > 0, res.Error
}
