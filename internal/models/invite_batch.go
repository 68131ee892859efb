package models

import (
	"time"

	"gorm.io/datatypes"
)

// 批次状态常量
const (
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusCancelled  = "cancelled"
)

// InviteBatch 批量邀请批次
// 不变式：SuccessCount + FailedCount <= TotalCount；
// 进入completed/failed/cancelled后计数冻结
type InviteBatch struct {
	BaseModel
	BatchID  string `gorm:"size:36;not null;uniqueIndex" json:"batch_id"`
	TenantID uint   `gorm:"not null;index" json:"tenant_id"`

	TotalCount   int `gorm:"not null" json:"total_count"`
	SuccessCount int `gorm:"default:0" json:"success_count"`
	FailedCount  int `gorm:"default:0" json:"failed_count"`

	Status string `gorm:"size:20;not null;default:'processing';index" json:"status"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedBy   uint       `json:"created_by"`

	// 关联
	Errors []BatchErrorEntry `gorm:"foreignKey:BatchID;references:BatchID" json:"errors,omitempty"`
}

// TableName 指定表名
func (InviteBatch) TableName() string {
	return "invite_batches"
}

// IsFinalized 批次是否已结束
func (b *InviteBatch) IsFinalized() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// BatchErrorEntry 批次错误日志（追加式，按ID有序）
type BatchErrorEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	BatchID   string    `gorm:"size:36;not null;index" json:"batch_id"`
	Email     string    `gorm:"size:200;not null" json:"email"`
	Error     string    `gorm:"type:text" json:"error"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

// TableName 指定表名
func (BatchErrorEntry) TableName() string {
	return "invite_batch_errors"
}
