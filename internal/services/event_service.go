package services

import (
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/repository"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// EventService 投递事件记录服务
// 事件仅追加，记录失败只打日志，不阻断主流程
type EventService struct {
	store   repository.EventStore
	tracker *queue.ProgressTracker // 可为nil，Redis不可用时降级
	log     *logrus.Logger
}

// NewEventService 创建事件记录服务
func NewEventService(store repository.EventStore, tracker *queue.ProgressTracker) *EventService {
	return &EventService{
		store:   store,
		tracker: tracker,
		log:     logger.GetLogger(),
	}
}

// Record 记录一条投递事件
func (s *EventService) Record(invitationID, tenantID uint, eventType string, payload map[string]interface{}) {
	event := &models.DeliveryEvent{
		InvitationID: invitationID,
		TenantID:     tenantID,
		EventType:    eventType,
		Timestamp:    time.Now(),
	}
	if payload != nil {
		event.Payload = datatypes.JSONMap(payload)
	}

	if err := s.store.Append(event); err != nil {
		s.log.WithFields(logrus.Fields{
			"invitation_id": invitationID,
			"event_type":    eventType,
		}).Errorf("记录投递事件失败: %v", err)
		return
	}

	// 同步推送到全局事件频道，失败不影响主流程
	if s.tracker != nil {
		if err := s.tracker.PublishEvent(event); err != nil {
			s.log.Debugf("发布投递事件失败: %v", err)
		}
	}
}

// ListByInvitation 查询邀请的事件轨迹
func (s *EventService) ListByInvitation(invitationID uint) ([]models.DeliveryEvent, error) {
	return s.store.ListByInvitation(invitationID)
}
