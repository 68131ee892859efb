package services

import (
	"strings"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/repository"
	apperrors "github.com/ajbcloud/FutsalCulture-sub001/pkg/errors"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/token"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// InvitationService 邀请生命周期服务
// 负责状态机校验、惰性过期检查和接受/取消/更新操作
type InvitationService struct {
	store      repository.InvitationStore
	events     *EventService
	log        *logrus.Logger
	expireDays int
}

// NewInvitationService 创建邀请生命周期服务
func NewInvitationService(store repository.InvitationStore, events *EventService, expireDays int) *InvitationService {
	if expireDays <= 0 {
		expireDays = 7
	}
	return &InvitationService{
		store:      store,
		events:     events,
		log:        logger.GetLogger(),
		expireDays: expireDays,
	}
}

// CreateInvitationRequest 创建邀请请求
type CreateInvitationRequest struct {
	Email      string                 `json:"email" binding:"required,email"`
	Name       string                 `json:"name"`
	Role       string                 `json:"role" binding:"required"`
	Channel    string                 `json:"channel"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata"`
	ExpireDays int                    `json:"expire_days"` // 0表示使用默认有效期
}

// AcceptProfile 接受邀请时提交的个人资料
// 账号创建/绑定由外部协作方回调完成，本服务只负责状态流转
type AcceptProfile struct {
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone"`
}

// BindFunc 接受邀请时的账号绑定回调
type BindFunc func(inv *models.Invitation, profile *AcceptProfile) error

// BuildInvitation 构造一条待持久化的邀请（分配令牌，状态pending）
func (s *InvitationService) BuildInvitation(tenantID, createdBy uint, batchID *string, req *CreateInvitationRequest) (*models.Invitation, error) {
	channel := req.Channel
	if channel == "" {
		channel = models.ChannelEmail
	}
	if !models.ValidChannel(channel) {
		return nil, apperrors.NewValidation("不支持的投递渠道: " + channel)
	}
	if !models.ValidRole(req.Role) {
		return nil, apperrors.NewValidation("不支持的目标角色: " + req.Role)
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		return nil, apperrors.NewValidation("收件人邮箱不能为空")
	}

	inviteToken, err := token.Generate()
	if err != nil {
		return nil, err
	}

	expireDays := req.ExpireDays
	if expireDays <= 0 {
		expireDays = s.expireDays
	}

	inv := &models.Invitation{
		TenantID:  tenantID,
		BatchID:   batchID,
		Token:     inviteToken,
		Channel:   channel,
		Email:     email,
		Name:      req.Name,
		Role:      req.Role,
		Message:   req.Message,
		Status:    models.InvitationStatusPending,
		ExpiresAt: time.Now().Add(time.Duration(expireDays) * 24 * time.Hour),
		CreatedBy: createdBy,
	}
	if req.Metadata != nil {
		inv.Metadata = datatypes.JSONMap(req.Metadata)
	}

	return inv, nil
}

// Create 创建独立邀请
func (s *InvitationService) Create(tenantID, createdBy uint, req *CreateInvitationRequest) (*models.Invitation, error) {
	inv, err := s.BuildInvitation(tenantID, createdBy, nil, req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(inv); err != nil {
		s.log.Errorf("创建邀请失败: %v", err)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"invitation_id": inv.ID,
		"tenant_id":     tenantID,
		"channel":       inv.Channel,
	}).Info("邀请已创建")

	return inv, nil
}

// finalizedError 按终态返回对应的业务错误
func finalizedError(status string) error {
	if status == models.InvitationStatusExpired {
		return apperrors.NewExpired()
	}
	return apperrors.NewAlreadyFinalized(status)
}

// ensureUsable 检查邀请是否仍可操作
// 已过期但未标记的邀请在此惰性流转到expired（守卫更新，至多一方生效），随后返回Expired错误
func (s *InvitationService) ensureUsable(inv *models.Invitation) error {
	switch inv.Status {
	case models.InvitationStatusAccepted, models.InvitationStatusCancelled:
		return apperrors.NewAlreadyFinalized(inv.Status)
	case models.InvitationStatusExpired:
		return apperrors.NewExpired()
	}

	if inv.IsExpiredNow() {
		applied, err := s.store.UpdateStatus(inv.ID, models.InvitationActiveStatuses, models.InvitationStatusExpired, nil)
		if err != nil {
			return err
		}
		if !applied {
			// 竞争失败：其他写入方已先行流转，以数据库最新状态为准
			fresh, err := s.store.GetByID(inv.ID)
			if err != nil {
				return err
			}
			inv.Status = fresh.Status
			return finalizedError(fresh.Status)
		}
		inv.Status = models.InvitationStatusExpired
		s.events.Record(inv.ID, inv.TenantID, models.EventTypeExpired, map[string]interface{}{
			"expires_at": inv.ExpiresAt,
		})
		return apperrors.NewExpired()
	}

	return nil
}

// Validate 按令牌校验邀请
func (s *InvitationService) Validate(tokenStr string) (*models.Invitation, error) {
	inv, err := s.store.GetByToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsable(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// MarkViewed 标记邀请已被查看，重复调用幂等
func (s *InvitationService) MarkViewed(tokenStr string) (*models.Invitation, error) {
	inv, err := s.store.GetByToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsable(inv); err != nil {
		return nil, err
	}

	// 已是viewed则幂等返回，不重复记录事件
	if inv.Status == models.InvitationStatusViewed {
		return inv, nil
	}

	if !inv.CanTransitionTo(models.InvitationStatusViewed) {
		return nil, apperrors.NewAlreadyFinalized(inv.Status)
	}

	now := time.Now()
	applied, err := s.store.UpdateStatus(inv.ID,
		[]string{models.InvitationStatusPending, models.InvitationStatusSent},
		models.InvitationStatusViewed, map[string]interface{}{
			"viewed_at": &now,
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		// 竞争失败：按数据库最新状态处理，并发标记viewed仍幂等
		fresh, err := s.store.GetByID(inv.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == models.InvitationStatusViewed {
			return fresh, nil
		}
		return nil, finalizedError(fresh.Status)
	}
	inv.Status = models.InvitationStatusViewed
	inv.ViewedAt = &now

	s.events.Record(inv.ID, inv.TenantID, models.EventTypeViewed, nil)

	return inv, nil
}

// Accept 接受邀请
// bind回调负责账号创建/绑定，回调失败时不发生状态流转
func (s *InvitationService) Accept(tokenStr string, profile *AcceptProfile, bind BindFunc) (*models.Invitation, error) {
	inv, err := s.store.GetByToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsable(inv); err != nil {
		return nil, err
	}

	if !inv.CanTransitionTo(models.InvitationStatusAccepted) {
		return nil, apperrors.NewAlreadyFinalized(inv.Status)
	}

	// 先以守卫更新占住accepted，确保并发接受只有一方执行绑定回调
	prior := inv.Status
	now := time.Now()
	applied, err := s.store.UpdateStatus(inv.ID, models.InvitationActiveStatuses,
		models.InvitationStatusAccepted, map[string]interface{}{
			"accepted_at": &now,
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		fresh, err := s.store.GetByID(inv.ID)
		if err != nil {
			return nil, err
		}
		return nil, finalizedError(fresh.Status)
	}

	if bind != nil {
		if err := bind(inv, profile); err != nil {
			// 绑定失败回滚状态，邀请可重新接受
			if _, rbErr := s.store.UpdateStatus(inv.ID,
				[]string{models.InvitationStatusAccepted}, prior,
				map[string]interface{}{"accepted_at": nil}); rbErr != nil {
				s.log.Errorf("回滚邀请状态失败: %v", rbErr)
			}
			return nil, err
		}
	}

	inv.Status = models.InvitationStatusAccepted
	inv.AcceptedAt = &now

	payload := map[string]interface{}{"email": inv.Email, "role": inv.Role}
	if profile != nil {
		payload["name"] = profile.Name
	}
	s.events.Record(inv.ID, inv.TenantID, models.EventTypeAccepted, payload)

	s.log.WithFields(logrus.Fields{
		"invitation_id": inv.ID,
		"tenant_id":     inv.TenantID,
	}).Info("邀请已接受")

	return inv, nil
}

// Cancel 取消邀请（管理员操作）
func (s *InvitationService) Cancel(id uint, actor uint) (*models.Invitation, error) {
	inv, err := s.store.GetByID(id)
	if err != nil {
		return nil, err
	}

	if inv.IsTerminal() {
		return nil, apperrors.NewAlreadyFinalized(inv.Status)
	}

	applied, err := s.store.UpdateStatus(inv.ID, models.InvitationActiveStatuses,
		models.InvitationStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		fresh, err := s.store.GetByID(inv.ID)
		if err != nil {
			return nil, err
		}
		return nil, finalizedError(fresh.Status)
	}
	inv.Status = models.InvitationStatusCancelled

	s.events.Record(inv.ID, inv.TenantID, models.EventTypeCancelled, map[string]interface{}{
		"cancelled_by": actor,
	})

	return inv, nil
}

// UpdateMetadata 合并更新元数据和留言，仅限非终态邀请，不改变状态
func (s *InvitationService) UpdateMetadata(id uint, patch map[string]interface{}, message *string) (*models.Invitation, error) {
	inv, err := s.store.GetByID(id)
	if err != nil {
		return nil, err
	}

	if inv.IsTerminal() {
		return nil, apperrors.NewAlreadyFinalized(inv.Status)
	}

	updates := make(map[string]interface{})
	if len(patch) > 0 {
		merged := make(map[string]interface{}, len(inv.Metadata)+len(patch))
		for k, v := range inv.Metadata {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		updates["metadata"] = datatypes.JSONMap(merged)
		inv.Metadata = datatypes.JSONMap(merged)
	}
	if message != nil {
		updates["message"] = *message
		inv.Message = *message
	}

	if len(updates) == 0 {
		return inv, nil
	}

	if err := s.store.UpdateFields(id, updates); err != nil {
		return nil, err
	}

	return inv, nil
}

// GetByID 按ID查询邀请
func (s *InvitationService) GetByID(id uint) (*models.Invitation, error) {
	return s.store.GetByID(id)
}

// ListByTenant 查询租户的邀请列表
func (s *InvitationService) ListByTenant(tenantID uint, status string, offset, limit int) ([]models.Invitation, int64, error) {
	return s.store.ListByTenant(tenantID, status, offset, limit)
}

// InvitationSummary 邀请概要（令牌校验接口返回，供邀请页面展示）
type InvitationSummary struct {
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message,omitempty"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ToSummary 转换为概要格式
func ToSummary(inv *models.Invitation) *InvitationSummary {
	return &InvitationSummary{
		Email:     inv.Email,
		Name:      inv.Name,
		Role:      inv.Role,
		Channel:   inv.Channel,
		Message:   inv.Message,
		Status:    inv.Status,
		ExpiresAt: inv.ExpiresAt,
	}
}
