package repository

import (
	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"

	"gorm.io/gorm"
)

// EventStore 投递事件存储接口（仅追加）
type EventStore interface {
	Append(event *models.DeliveryEvent) error
	ListByInvitation(invitationID uint) ([]models.DeliveryEvent, error)
}

// gormEventStore 基于gorm的事件存储实现
type gormEventStore struct {
	db *gorm.DB
}

// NewEventStore 创建事件存储
func NewEventStore(db *gorm.DB) EventStore {
	return &gormEventStore{db: db}
}

func (s *gormEventStore) Append(event *models.DeliveryEvent) error {
	return s.db.Create(event).Error
}

func (s *gormEventStore) ListByInvitation(invitationID uint) ([]models.DeliveryEvent, error) {
	var events []models.DeliveryEvent
	err := s.db.Where("invitation_id = ?", invitationID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
