package model

import "time"

// Device OLT 设备目录
// 表名：devices
// name 为唯一键，交互与批量请求可按名称或 IPv4 地址指定目标
type Device struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string    `json:"name" gorm:"type:varchar(128);uniqueIndex;not null"`
	IP          string    `json:"ip" gorm:"type:varchar(64);not null;index"`
	Port        int       `json:"port" gorm:"not null;default:0"`
	Transport   string    `json:"transport" gorm:"type:varchar(16)"` // telnet|ssh|tcp，空为全局默认
	Vendor      string    `json:"vendor" gorm:"type:varchar(64)"`
	Group       string    `json:"group" gorm:"column:device_group;type:varchar(64);index"`
	Description string    `json:"description" gorm:"type:varchar(255)"`
	Disabled    bool      `json:"disabled" gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Device) TableName() string {
	return "devices"
}
