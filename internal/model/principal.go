package model

import "time"

// Role 角色及其 enable 级别
// Privilege 保存原始描述（如 "15" 或 "7 / engineer"），取第一个整数
type Role struct {
	Name        string    `json:"name" gorm:"primaryKey;type:varchar(64)"`
	Privilege   string    `json:"privilege" gorm:"type:varchar(32);not null;default:'15'"`
	Description string    `json:"description" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Role) TableName() string {
	return "roles"
}

// Principal 登录账号
// 密码以 fernet 密文保存，接口返回时不输出
type Principal struct {
	Username     string     `json:"username" gorm:"primaryKey;type:varchar(64)"`
	Role         string     `json:"role" gorm:"type:varchar(64);not null;default:'OLT_VIEW'"`
	Status       string     `json:"status" gorm:"type:varchar(16);not null;default:'Active'"`
	Secret       string     `json:"-" gorm:"type:text"`
	EnableSecret string     `json:"-" gorm:"type:text"`
	LastLogin    *time.Time `json:"last_login"`
	CreatedAt    time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Principal) TableName() string {
	return "principals"
}

// 账号状态
const (
	PrincipalStatusActive   = "Active"
	PrincipalStatusDisabled = "Disabled"
)
