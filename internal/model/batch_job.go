package model

import "time"

// BatchJob 批量下发记录
type BatchJob struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Kind      string    `json:"kind" gorm:"type:varchar(32);not null;index"`
	Target    string    `json:"target" gorm:"type:varchar(128);not null;index"`
	Principal string    `json:"principal" gorm:"type:varchar(64)"`
	Commands  string    `json:"commands" gorm:"type:text;not null"`
	DryRun    bool      `json:"dry_run"`
	Save      bool      `json:"save"`
	Status    string    `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`
	Denied    int       `json:"denied"`
	ReportURI string    `json:"report_uri" gorm:"type:varchar(512)"`
	ErrorMsg  string    `json:"error_msg" gorm:"type:text"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (BatchJob) TableName() string {
	return "batch_jobs"
}

// JobStatus 任务状态枚举
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusDryRun  = "dry_run"
)

// JobKind 任务类型枚举
const (
	JobKindRun         = "run"
	JobKindBootstrap   = "bootstrap"
	JobKindProvision   = "provision"
	JobKindDeprovision = "deprovision"
)
