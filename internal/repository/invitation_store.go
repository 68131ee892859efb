package repository

import (
	"errors"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	apperrors "github.com/ajbcloud/FutsalCulture-sub001/pkg/errors"

	"gorm.io/gorm"
)

// InvitationStore 邀请存储接口
// 所有访问按主键或令牌单行进行，不需要跨行加锁；
// 状态流转必须带前置状态守卫，调用方按"是否生效"处理并发竞争
type InvitationStore interface {
	Insert(inv *models.Invitation) error
	GetByToken(token string) (*models.Invitation, error)
	GetByID(id uint) (*models.Invitation, error)
	// UpdateStatus 单语句条件更新：仅当当前状态在from集合内才流转到status，
	// 返回本次更新是否生效。timestamps携带随状态落库的时间戳字段
	UpdateStatus(id uint, from []string, status string, timestamps map[string]interface{}) (bool, error)
	// UpdateFields 更新元数据等非状态字段
	UpdateFields(id uint, updates map[string]interface{}) error
	ListByBatch(batchID string) ([]models.Invitation, error)
	// ListPendingByBatchEmails 查询批次内仍为pending且邮箱命中的邀请（重试用）
	ListPendingByBatchEmails(batchID string, emails []string) ([]models.Invitation, error)
	ListByTenant(tenantID uint, status string, offset, limit int) ([]models.Invitation, int64, error)
}

// gormInvitationStore 基于gorm的邀请存储实现
type gormInvitationStore struct {
	db *gorm.DB
}

// NewInvitationStore 创建邀请存储
func NewInvitationStore(db *gorm.DB) InvitationStore {
	return &gormInvitationStore{db: db}
}

func (s *gormInvitationStore) Insert(inv *models.Invitation) error {
	return s.db.Create(inv).Error
}

func (s *gormInvitationStore) GetByToken(token string) (*models.Invitation, error) {
	var inv models.Invitation
	err := s.db.Where("token = ?", token).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("邀请不存在")
		}
		return nil, err
	}
	return &inv, nil
}

func (s *gormInvitationStore) GetByID(id uint) (*models.Invitation, error) {
	var inv models.Invitation
	err := s.db.First(&inv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("邀请不存在")
		}
		return nil, err
	}
	return &inv, nil
}

func (s *gormInvitationStore) UpdateStatus(id uint, from []string, status string, timestamps map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": status}
	for field, value := range timestamps {
		updates[field] = value
	}

	// 状态守卫和更新在同一条语句内完成，并发流转只有一方生效
	result := s.db.Model(&models.Invitation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *gormInvitationStore) UpdateFields(id uint, updates map[string]interface{}) error {
	result := s.db.Model(&models.Invitation{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFound("邀请不存在")
	}
	return nil
}

func (s *gormInvitationStore) ListByBatch(batchID string) ([]models.Invitation, error) {
	var invitations []models.Invitation
	err := s.db.Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&invitations).Error
	return invitations, err
}

func (s *gormInvitationStore) ListPendingByBatchEmails(batchID string, emails []string) ([]models.Invitation, error) {
	var invitations []models.Invitation
	err := s.db.Where("batch_id = ? AND status = ? AND email IN ?",
		batchID, models.InvitationStatusPending, emails).
		Order("id ASC").
		Find(&invitations).Error
	return invitations, err
}

func (s *gormInvitationStore) ListByTenant(tenantID uint, status string, offset, limit int) ([]models.Invitation, int64, error) {
	query := s.db.Model(&models.Invitation{}).Where("tenant_id = ?", tenantID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var invitations []models.Invitation
	err := query.Offset(offset).Limit(limit).
		Order("created_at DESC").
		Find(&invitations).Error
	if err != nil {
		return nil, 0, err
	}

	return invitations, total, nil
}
