package repository

import (
	"errors"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	apperrors "github.com/ajbcloud/FutsalCulture-sub001/pkg/errors"

	"gorm.io/gorm"
)

// BatchStore 批次存储接口
// 计数更新必须为单语句原子自增，避免并发块同时完成时丢失更新
type BatchStore interface {
	// CreateWithInvitations 在同一事务内创建批次和全部邀请行（全有或全无）
	CreateWithInvitations(batch *models.InviteBatch, invitations []*models.Invitation) error
	GetByBatchID(batchID string) (*models.InviteBatch, error)
	AppendErrorLog(entry *models.BatchErrorEntry) error
	AddCounts(batchID string, successDelta, failedDelta int) error
	// Finalize 将processing批次置为终态，返回本次调用是否生效（恰好一次保障）
	Finalize(batchID, status string) (bool, error)
	// ResetForRetry 重试前重置记账：回退失败计数、清除对应错误日志、批次回到processing
	ResetForRetry(batchID string, failedDelta int, emails []string) error
	// ListProcessing 查询所有processing批次（启动恢复用）
	ListProcessing() ([]models.InviteBatch, error)
}

// gormBatchStore 基于gorm的批次存储实现
type gormBatchStore struct {
	db *gorm.DB
}

// NewBatchStore 创建批次存储
func NewBatchStore(db *gorm.DB) BatchStore {
	return &gormBatchStore{db: db}
}

func (s *gormBatchStore) CreateWithInvitations(batch *models.InviteBatch, invitations []*models.Invitation) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		for _, inv := range invitations {
			if err := tx.Create(inv).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormBatchStore) GetByBatchID(batchID string) (*models.InviteBatch, error) {
	var batch models.InviteBatch
	err := s.db.Where("batch_id = ?", batchID).
		Preload("Errors", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("批次不存在")
		}
		return nil, err
	}
	return &batch, nil
}

func (s *gormBatchStore) AppendErrorLog(entry *models.BatchErrorEntry) error {
	return s.db.Create(entry).Error
}

func (s *gormBatchStore) AddCounts(batchID string, successDelta, failedDelta int) error {
	if successDelta == 0 && failedDelta == 0 {
		return nil
	}
	return s.db.Model(&models.InviteBatch{}).
		Where("batch_id = ?", batchID).
		Updates(map[string]interface{}{
			"success_count": gorm.Expr("success_count + ?", successDelta),
			"failed_count":  gorm.Expr("failed_count + ?", failedDelta),
		}).Error
}

func (s *gormBatchStore) Finalize(batchID, status string) (bool, error) {
	now := time.Now()
	// 仅允许从processing流转，保证终态化恰好发生一次
	result := s.db.Model(&models.InviteBatch{}).
		Where("batch_id = ? AND status = ?", batchID, models.BatchStatusProcessing).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": &now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *gormBatchStore) ResetForRetry(batchID string, failedDelta int, emails []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.InviteBatch{}).
			Where("batch_id = ?", batchID).
			Updates(map[string]interface{}{
				"status":       models.BatchStatusProcessing,
				"failed_count": gorm.Expr("failed_count - ?", failedDelta),
				"completed_at": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.NewNotFound("批次不存在")
		}

		if len(emails) > 0 {
			if err := tx.Where("batch_id = ? AND email IN ?", batchID, emails).
				Delete(&models.BatchErrorEntry{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormBatchStore) ListProcessing() ([]models.InviteBatch, error) {
	var batches []models.InviteBatch
	err := s.db.Where("status = ?", models.BatchStatusProcessing).Find(&batches).Error
	return batches, err
}
