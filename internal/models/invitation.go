package models

import (
	"time"

	"gorm.io/datatypes"
)

// 邀请状态常量
// 状态机：pending → sent → viewed → accepted（viewed可跳过）
// pending/sent/viewed 均可流转到 expired（访问时惰性检查）或 cancelled（管理员操作）
// accepted/expired/cancelled 为终态，不允许再流转
const (
	InvitationStatusPending   = "pending"
	InvitationStatusSent      = "sent"
	InvitationStatusViewed    = "viewed"
	InvitationStatusAccepted  = "accepted"
	InvitationStatusExpired   = "expired"
	InvitationStatusCancelled = "cancelled"
)

// 投递渠道常量
const (
	ChannelEmail = "email" // 邮件投递
	ChannelCode  = "code"  // 邀请码（由创建方线下分发）
	ChannelInApp = "inapp" // 应用内通知
)

// 目标角色常量
const (
	RolePlayer = "player"
	RoleParent = "parent"
	RoleCoach  = "coach"
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
)

// Invitation 邀请记录
// Metadata约定键：email渠道可携带 team_id/season；code渠道可携带 redeem_limit；
// inapp渠道可携带 notify_user_id。未约定的键由创建方自行负责读写一致
type Invitation struct {
	BaseModel
	TenantID uint    `gorm:"not null;index" json:"tenant_id"`
	BatchID  *string `gorm:"size:36;index" json:"batch_id,omitempty"` // 所属批次（独立邀请为空）

	Token   string `gorm:"size:64;not null;uniqueIndex" json:"token"`        // 邀请令牌
	Channel string `gorm:"size:20;not null;default:'email'" json:"channel"`  // email/code/inapp
	Email   string `gorm:"size:200;not null;index" json:"email"`             // 收件人邮箱
	Name    string `gorm:"size:100" json:"name,omitempty"`                   // 收件人显示名
	Role    string `gorm:"size:50;not null" json:"role"`                     // 目标角色
	Message string `gorm:"size:500" json:"message,omitempty"`                // 邀请留言

	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	Status string `gorm:"size:20;not null;default:'pending';index" json:"status"`

	SentAt     *time.Time `json:"sent_at,omitempty"`
	ViewedAt   *time.Time `json:"viewed_at,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`

	CreatedBy uint `json:"created_by"`
}

// TableName 指定表名
func (Invitation) TableName() string {
	return "invitations"
}

// InvitationActiveStatuses 非终态状态集合（状态流转守卫用）
var InvitationActiveStatuses = []string{
	InvitationStatusPending,
	InvitationStatusSent,
	InvitationStatusViewed,
}

// 各状态允许的后继状态
var invitationTransitions = map[string][]string{
	InvitationStatusPending: {InvitationStatusSent, InvitationStatusViewed, InvitationStatusAccepted, InvitationStatusExpired, InvitationStatusCancelled},
	InvitationStatusSent:    {InvitationStatusViewed, InvitationStatusAccepted, InvitationStatusExpired, InvitationStatusCancelled},
	InvitationStatusViewed:  {InvitationStatusAccepted, InvitationStatusExpired, InvitationStatusCancelled},
}

// IsTerminal 是否已进入终态
func (inv *Invitation) IsTerminal() bool {
	switch inv.Status {
	case InvitationStatusAccepted, InvitationStatusExpired, InvitationStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo 检查状态流转是否合法
func (inv *Invitation) CanTransitionTo(target string) bool {
	for _, next := range invitationTransitions[inv.Status] {
		if next == target {
			return true
		}
	}
	return false
}

// IsExpiredNow 是否已超过有效期（不检查状态）
func (inv *Invitation) IsExpiredNow() bool {
	return time.Now().After(inv.ExpiresAt)
}

// ValidChannel 检查渠道是否受支持
func ValidChannel(channel string) bool {
	switch channel {
	case ChannelEmail, ChannelCode, ChannelInApp:
		return true
	}
	return false
}

// ValidRole 检查目标角色是否受支持
func ValidRole(role string) bool {
	switch role {
	case RolePlayer, RoleParent, RoleCoach, RoleStaff, RoleAdmin:
		return true
	}
	return false
}
