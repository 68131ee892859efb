package services

import (
	"strings"
	"sync"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/repository"
	apperrors "github.com/ajbcloud/FutsalCulture-sub001/pkg/errors"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/mailer"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/queue"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// 单项投递结果
const (
	outcomeSent = iota
	outcomeFailed
	outcomeAbandoned // 取消后放弃，不计入成功或失败
)

// DispatchConfig 批量投递配置
type DispatchConfig struct {
	Concurrency   int           // 分块大小（块内并发投递）
	MaxAttempts   int           // 单个收件人最大尝试次数
	BaseDelay     time.Duration // 重试基础延迟，实际延迟 = BaseDelay * 尝试次数
	MaxBatchSize  int           // 单批最大收件人数
	AcceptBaseURL string        // 邀请接受页面基础URL
}

// 填充默认值
func (c *DispatchConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
}

// BatchDispatchService 批量邀请投递服务
// 负责批次创建、分块并发投递、按项重试退避、进度聚合与取消
type BatchDispatchService struct {
	invStore    repository.InvitationStore
	batchStore  repository.BatchStore
	invitations *InvitationService
	events      *EventService
	sender      mailer.Sender
	tracker     *queue.ProgressTracker // 可为nil
	registry    *BatchRegistry
	validate    *validator.Validate
	log         *logrus.Logger
	cfg         DispatchConfig
}

// NewBatchDispatchService 创建批量投递服务
func NewBatchDispatchService(
	invStore repository.InvitationStore,
	batchStore repository.BatchStore,
	invitations *InvitationService,
	events *EventService,
	sender mailer.Sender,
	tracker *queue.ProgressTracker,
	registry *BatchRegistry,
	cfg DispatchConfig,
) *BatchDispatchService {
	cfg.applyDefaults()
	return &BatchDispatchService{
		invStore:    invStore,
		batchStore:  batchStore,
		invitations: invitations,
		events:      events,
		sender:      sender,
		tracker:     tracker,
		registry:    registry,
		validate:    validator.New(),
		log:         logger.GetLogger(),
		cfg:         cfg,
	}
}

// BatchRecipient 批次收件人
type BatchRecipient struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
}

// CreateBatchRequest 创建批次请求
type CreateBatchRequest struct {
	Recipients []BatchRecipient       `json:"recipients" validate:"required,min=1,dive"`
	Role       string                 `json:"role" validate:"required"`
	Channel    string                 `json:"channel"`
	Message    string                 `json:"message"`
	ExpireDays int                    `json:"expire_days"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// BatchProgress 批次进度快照
// 恒有 Completed = Successful + Failed；processing时 InProgress = Total - Completed，
// 批次结束后 InProgress = 0（被取消放弃的邀请不计入失败）
type BatchProgress struct {
	BatchID    string                   `json:"batch_id"`
	Total      int                      `json:"total"`
	Completed  int                      `json:"completed"`
	Successful int                      `json:"successful"`
	Failed     int                      `json:"failed"`
	InProgress int                      `json:"in_progress"`
	Status     string                   `json:"status"`
	Errors     []models.BatchErrorEntry `json:"errors"`
}

// validateRequest 校验批次请求，任何持久化动作之前完成
func (s *BatchDispatchService) validateRequest(req *CreateBatchRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperrors.NewValidation("收件人列表校验失败: " + err.Error())
	}
	if len(req.Recipients) > s.cfg.MaxBatchSize {
		return apperrors.NewValidation("收件人数量超过上限")
	}

	channel := req.Channel
	if channel == "" {
		channel = models.ChannelEmail
	}
	if !models.ValidChannel(channel) {
		return apperrors.NewValidation("不支持的投递渠道: " + channel)
	}
	if !models.ValidRole(req.Role) {
		return apperrors.NewValidation("不支持的目标角色: " + req.Role)
	}

	// 同批次内邮箱不允许重复
	seen := make(map[string]struct{}, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		email := strings.ToLower(strings.TrimSpace(rcpt.Email))
		if _, dup := seen[email]; dup {
			return apperrors.NewValidation("收件人邮箱重复: " + email)
		}
		seen[email] = struct{}{}
	}

	return nil
}

// Submit 提交批次
// 同步创建批次和全部邀请行（全有或全无），异步执行投递，立即返回
func (s *BatchDispatchService) Submit(tenantID, createdBy uint, req *CreateBatchRequest) (*models.InviteBatch, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	batchID := uuid.New().String()

	// 构造全部邀请行，令牌分配失败则整体中止
	invitations := make([]*models.Invitation, 0, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		inv, err := s.invitations.BuildInvitation(tenantID, createdBy, &batchID, &CreateInvitationRequest{
			Email:      rcpt.Email,
			Name:       rcpt.Name,
			Role:       req.Role,
			Channel:    req.Channel,
			Message:    req.Message,
			Metadata:   req.Metadata,
			ExpireDays: req.ExpireDays,
		})
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}

	batch := &models.InviteBatch{
		BatchID:    batchID,
		TenantID:   tenantID,
		TotalCount: len(invitations),
		Status:     models.BatchStatusProcessing,
		CreatedBy:  createdBy,
	}
	if req.Metadata != nil {
		batch.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.batchStore.CreateWithInvitations(batch, invitations); err != nil {
		s.log.Errorf("创建批次失败: %v", err)
		return nil, err
	}

	clubName, _ := req.Metadata["club_name"].(string)
	job := newBatchJob(batchID, tenantID, len(invitations), 0, 0, clubName)
	s.registry.Register(job)

	s.log.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"tenant_id": tenantID,
		"total":     len(invitations),
	}).Info("批次已创建，开始异步投递")

	go s.run(job, invitations)

	return batch, nil
}

// run 批次投递主循环
// 分块顺序处理，块内并发，上一块全部落定后才开始下一块
func (s *BatchDispatchService) run(job *batchJob, invitations []*models.Invitation) {
	chunkSize := s.cfg.Concurrency

	for start := 0; start < len(invitations); start += chunkSize {
		if job.cancelled() {
			break
		}

		end := start + chunkSize
		if end > len(invitations) {
			end = len(invitations)
		}
		chunk := invitations[start:end]

		results := make([]int, len(chunk))
		var wg sync.WaitGroup
		for i := range chunk {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.dispatchOne(job, chunk[i])
			}(i)
		}
		wg.Wait()

		// 块结束后原子更新批次计数
		successDelta, failedDelta := 0, 0
		for _, outcome := range results {
			switch outcome {
			case outcomeSent:
				successDelta++
			case outcomeFailed:
				failedDelta++
			}
		}
		if err := s.batchStore.AddCounts(job.batchID, successDelta, failedDelta); err != nil {
			s.log.Errorf("更新批次计数失败: %v", err)
		}

		s.publishProgress(job)
	}

	s.finalize(job)
}

// dispatchOne 单个收件人的投递重试循环
// 每次尝试前检查取消信号；取消后放弃，邀请保持pending且不计入任何桶
func (s *BatchDispatchService) dispatchOne(job *batchJob, inv *models.Invitation) int {
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if job.cancelled() {
			return outcomeAbandoned
		}

		err := s.deliver(job, inv)
		if err == nil {
			now := time.Now()
			applied, uerr := s.invStore.UpdateStatus(inv.ID,
				[]string{models.InvitationStatusPending}, models.InvitationStatusSent,
				map[string]interface{}{
					"sent_at": &now,
				})
			if uerr != nil {
				s.log.Errorf("更新邀请状态失败: %v", uerr)
			}
			// 投递期间邀请已被取消或流转到其他状态：终态保持不变，不计入任何桶
			if !applied {
				s.log.WithFields(logrus.Fields{
					"batch_id": job.batchID,
					"email":    inv.Email,
				}).Warn("邀请在投递期间已流转，跳过成功记账")
				return outcomeAbandoned
			}
			s.events.Record(inv.ID, inv.TenantID, models.EventTypeSent, map[string]interface{}{
				"channel": inv.Channel,
				"attempt": attempt,
			})
			job.addSuccess()
			return outcomeSent
		}

		lastErr = err
		s.log.WithFields(logrus.Fields{
			"batch_id": job.batchID,
			"email":    inv.Email,
			"attempt":  attempt,
		}).Warnf("邀请投递失败: %v", err)

		// 退避等待，期间响应取消信号；其他并发项不受本项退避影响
		if attempt < s.cfg.MaxAttempts {
			select {
			case <-job.ctx.Done():
				return outcomeAbandoned
			case <-time.After(s.cfg.BaseDelay * time.Duration(attempt)):
			}
		}
	}

	// 尝试次数耗尽：批次记失败，邀请本身保持pending以便后续重试
	job.addFailed()

	entry := &models.BatchErrorEntry{
		BatchID:   job.batchID,
		Email:     inv.Email,
		Error:     lastErr.Error(),
		Attempts:  s.cfg.MaxAttempts,
		Timestamp: time.Now(),
	}
	if err := s.batchStore.AppendErrorLog(entry); err != nil {
		s.log.Errorf("追加批次错误日志失败: %v", err)
	}

	s.events.Record(inv.ID, inv.TenantID, models.EventTypeRetryFailed, map[string]interface{}{
		"error":    lastErr.Error(),
		"attempts": s.cfg.MaxAttempts,
	})

	return outcomeFailed
}

// deliver 按渠道执行一次投递尝试
// code和inapp渠道没有出站发送动作，令牌由创建方或应用内通知面消费
func (s *BatchDispatchService) deliver(job *batchJob, inv *models.Invitation) error {
	switch inv.Channel {
	case models.ChannelEmail:
		msg := mailer.RenderInvite(job.clubName, inv.Name, inv.Role, inv.Message, inv.Token, s.cfg.AcceptBaseURL)
		return s.sender.Send(job.ctx, inv.Email, msg)
	default:
		return nil
	}
}

// finalize 批次终态化，恰好执行一次
// 仅当零成功且至少一次失败时为failed；收到取消信号为cancelled；否则completed
func (s *BatchDispatchService) finalize(job *batchJob) {
	successful, failed, _, _ := job.snapshot()

	status := models.BatchStatusCompleted
	if job.cancelled() {
		status = models.BatchStatusCancelled
	} else if successful == 0 && failed > 0 {
		status = models.BatchStatusFailed
	}

	applied, err := s.batchStore.Finalize(job.batchID, status)
	if err != nil {
		s.log.Errorf("批次终态化失败: %v", err)
	}
	job.markFinished(status)

	if applied {
		s.log.WithFields(logrus.Fields{
			"batch_id":   job.batchID,
			"status":     status,
			"successful": successful,
			"failed":     failed,
		}).Info("批次投递结束")
	}

	s.publishProgress(job)
}

// publishProgress 将进度快照写入Redis镜像并发布到批次频道
// Redis不可用时静默降级，数据库仍为权威状态
func (s *BatchDispatchService) publishProgress(job *batchJob) {
	if s.tracker == nil {
		return
	}

	successful, failed, status, _ := job.snapshot()
	completed := successful + failed
	inProgress := 0
	if status == models.BatchStatusProcessing {
		inProgress = job.total - completed
	}

	snapshot := map[string]interface{}{
		"batch_id":    job.batchID,
		"total":       job.total,
		"completed":   completed,
		"successful":  successful,
		"failed":      failed,
		"in_progress": inProgress,
		"status":      status,
	}

	if err := s.tracker.SetProgress(job.batchID, snapshot); err != nil {
		s.log.Debugf("写入批次进度镜像失败: %v", err)
	}
	if err := s.tracker.PublishProgress(job.batchID, snapshot); err != nil {
		s.log.Debugf("发布批次进度失败: %v", err)
	}
}

// Progress 查询批次进度快照，处理中和已结束的批次都可随时查询
func (s *BatchDispatchService) Progress(batchID string) (*BatchProgress, error) {
	batch, err := s.batchStore.GetByBatchID(batchID)
	if err != nil {
		return nil, err
	}

	progress := &BatchProgress{
		BatchID: batchID,
		Total:   batch.TotalCount,
		Errors:  batch.Errors,
	}
	if progress.Errors == nil {
		progress.Errors = []models.BatchErrorEntry{}
	}

	// 在途批次从内存任务读取实时计数，否则使用数据库计数
	if job, ok := s.registry.Get(batchID); ok {
		successful, failed, status, _ := job.snapshot()
		progress.Successful = successful
		progress.Failed = failed
		progress.Status = status
	} else {
		progress.Successful = batch.SuccessCount
		progress.Failed = batch.FailedCount
		progress.Status = batch.Status
	}

	progress.Completed = progress.Successful + progress.Failed
	if progress.Status == models.BatchStatusProcessing {
		progress.InProgress = progress.Total - progress.Completed
	}

	return progress, nil
}

// Cancel 取消批次（协作式：停止调度新的投递尝试，不中断在途网络调用）
func (s *BatchDispatchService) Cancel(batchID string) error {
	if job, ok := s.registry.Get(batchID); ok {
		_, _, status, _ := job.snapshot()
		if status != models.BatchStatusProcessing {
			return apperrors.NewBatchFinalized(status)
		}
		job.cancel()
		s.log.WithField("batch_id", batchID).Info("批次收到取消信号")
		return nil
	}

	// 注册表无条目：重启后遗留的processing批次直接在数据库终态化
	batch, err := s.batchStore.GetByBatchID(batchID)
	if err != nil {
		return err
	}
	if batch.IsFinalized() {
		return apperrors.NewBatchFinalized(batch.Status)
	}

	if _, err := s.batchStore.Finalize(batchID, models.BatchStatusCancelled); err != nil {
		return err
	}
	return nil
}

// RetryFailed 重试批次内所有投递失败的邀请，每项获得全新的尝试预算
func (s *BatchDispatchService) RetryFailed(batchID string) (int, error) {
	if job, ok := s.registry.Get(batchID); ok {
		if _, _, status, _ := job.snapshot(); status == models.BatchStatusProcessing {
			return 0, apperrors.NewValidation("批次仍在处理中，无法重试")
		}
	}

	batch, err := s.batchStore.GetByBatchID(batchID)
	if err != nil {
		return 0, err
	}
	if batch.Status == models.BatchStatusProcessing {
		return 0, apperrors.NewValidation("批次仍在处理中，无法重试")
	}
	if len(batch.Errors) == 0 {
		return 0, nil
	}

	// 错误日志中的收件人里，仍为pending的邀请才可重试
	emails := make([]string, 0, len(batch.Errors))
	seen := make(map[string]struct{}, len(batch.Errors))
	for _, entry := range batch.Errors {
		if _, dup := seen[entry.Email]; dup {
			continue
		}
		seen[entry.Email] = struct{}{}
		emails = append(emails, entry.Email)
	}

	invitations, err := s.invStore.ListPendingByBatchEmails(batchID, emails)
	if err != nil {
		return 0, err
	}
	if len(invitations) == 0 {
		return 0, nil
	}

	retryEmails := make([]string, 0, len(invitations))
	retryList := make([]*models.Invitation, 0, len(invitations))
	for i := range invitations {
		retryEmails = append(retryEmails, invitations[i].Email)
		retryList = append(retryList, &invitations[i])
	}

	// 回退失败记账并将批次重新置为processing
	if err := s.batchStore.ResetForRetry(batchID, len(retryList), retryEmails); err != nil {
		return 0, err
	}

	clubName, _ := batch.Metadata["club_name"].(string)
	job := newBatchJob(batchID, batch.TenantID, batch.TotalCount,
		batch.SuccessCount, batch.FailedCount-len(retryList), clubName)
	s.registry.Register(job)

	s.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"retried":  len(retryList),
	}).Info("批次失败项开始重试")

	go s.run(job, retryList)

	return len(retryList), nil
}

// RecoverStale 启动时处理遗留的processing批次
// 内存任务随进程丢失，只能按数据库状态尽力恢复：直接终态化为failed并记录原因
func (s *BatchDispatchService) RecoverStale() error {
	batches, err := s.batchStore.ListProcessing()
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if _, ok := s.registry.Get(batch.BatchID); ok {
			continue
		}

		entry := &models.BatchErrorEntry{
			BatchID:   batch.BatchID,
			Email:     "",
			Error:     "服务重启导致批次中断，未完成的邀请保持pending",
			Attempts:  0,
			Timestamp: time.Now(),
		}
		if err := s.batchStore.AppendErrorLog(entry); err != nil {
			s.log.Errorf("记录批次恢复日志失败: %v", err)
		}

		if _, err := s.batchStore.Finalize(batch.BatchID, models.BatchStatusFailed); err != nil {
			s.log.Errorf("终态化遗留批次失败: %v", err)
			continue
		}

		s.log.WithField("batch_id", batch.BatchID).Warn("发现重启遗留批次，已标记为failed")
	}

	return nil
}

// GetBatch 查询批次详情（含错误日志）
func (s *BatchDispatchService) GetBatch(batchID string) (*models.InviteBatch, error) {
	return s.batchStore.GetByBatchID(batchID)
}
