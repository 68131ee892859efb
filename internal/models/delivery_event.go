package models

import (
	"time"

	"gorm.io/datatypes"
)

// 投递事件类型常量
const (
	EventTypeSent        = "sent"
	EventTypeViewed      = "viewed"
	EventTypeAccepted    = "accepted"
	EventTypeExpired     = "expired"
	EventTypeCancelled   = "cancelled"
	EventTypeRetryFailed = "retry_failed"
)

// DeliveryEvent 邀请投递事件（仅追加，不修改不删除）
// 一条邀请按时间顺序累积完整的事件轨迹
type DeliveryEvent struct {
	ID           uint              `gorm:"primarykey" json:"id"`
	InvitationID uint              `gorm:"not null;index" json:"invitation_id"`
	TenantID     uint              `gorm:"not null;index" json:"tenant_id"`
	EventType    string            `gorm:"size:20;not null;index" json:"event_type"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb" json:"payload,omitempty"`
	Timestamp    time.Time         `gorm:"not null;index" json:"timestamp"`
}

// TableName 指定表名
func (DeliveryEvent) TableName() string {
	return "delivery_events"
}
