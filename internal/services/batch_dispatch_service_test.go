package services

import (
	"testing"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	apperrors "github.com/ajbcloud/FutsalCulture-sub001/pkg/errors"
)

func TestBatchDelivery(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	sender.failAlways("r3@example.com")
	sender.failAlways("r7@example.com")

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 5, MaxAttempts: 3})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients(
			"r1@example.com", "r2@example.com", "r3@example.com", "r4@example.com", "r5@example.com",
			"r6@example.com", "r7@example.com", "r8@example.com", "r9@example.com", "r10@example.com",
		),
		Role: models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}
	if batch.TotalCount != 10 || batch.Status != models.BatchStatusProcessing {
		t.Fatalf("批次初始状态错误: total=%d status=%s", batch.TotalCount, batch.Status)
	}

	progress := waitForBatch(t, svc, batch.BatchID, 10*time.Second)

	// 部分失败仍计completed
	if progress.Status != models.BatchStatusCompleted {
		t.Fatalf("终态 = %s, 期望 completed", progress.Status)
	}
	if progress.Successful != 8 || progress.Failed != 2 {
		t.Fatalf("计数 = %d/%d, 期望 8/2", progress.Successful, progress.Failed)
	}
	if progress.Completed != 10 || progress.InProgress != 0 {
		t.Fatalf("completed=%d inProgress=%d", progress.Completed, progress.InProgress)
	}
	if len(progress.Errors) != 2 {
		t.Fatalf("错误日志条数 = %d, 期望 2", len(progress.Errors))
	}
	for _, entry := range progress.Errors {
		if entry.Attempts != 3 {
			t.Fatalf("%s 尝试次数 = %d, 期望 3", entry.Email, entry.Attempts)
		}
	}

	// 失败的邀请保持pending，成功的为sent
	invs, err := env.invStore.ListByBatch(batch.BatchID)
	if err != nil {
		t.Fatalf("查询批次邀请失败: %v", err)
	}
	statuses := make(map[string]string, len(invs))
	for _, inv := range invs {
		statuses[inv.Email] = inv.Status
	}
	if statuses["r3@example.com"] != models.InvitationStatusPending {
		t.Fatalf("r3 状态 = %s, 期望 pending", statuses["r3@example.com"])
	}
	if statuses["r1@example.com"] != models.InvitationStatusSent {
		t.Fatalf("r1 状态 = %s, 期望 sent", statuses["r1@example.com"])
	}
}

func TestBatchAllFailed(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		sender.failAlways(email)
	}

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 5, MaxAttempts: 2})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com"),
		Role:       models.RoleParent,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	progress := waitForBatch(t, svc, batch.BatchID, 10*time.Second)

	// 零成功且有失败才是failed
	if progress.Status != models.BatchStatusFailed {
		t.Fatalf("终态 = %s, 期望 failed", progress.Status)
	}
	if progress.Successful != 0 || progress.Failed != 3 {
		t.Fatalf("计数 = %d/%d, 期望 0/3", progress.Successful, progress.Failed)
	}
}

func TestBatchCancel(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	sender.started = make(chan string, 2)
	sender.release = make(chan struct{})

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 2, MaxAttempts: 3})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients(
			"c1@example.com", "c2@example.com", "c3@example.com",
			"c4@example.com", "c5@example.com", "c6@example.com",
		),
		Role: models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	// 第一块的2个投递已开始，在途中发出取消
	<-sender.started
	<-sender.started
	if err := svc.Cancel(batch.BatchID); err != nil {
		t.Fatalf("取消批次失败: %v", err)
	}
	close(sender.release)

	progress := waitForBatch(t, svc, batch.BatchID, 10*time.Second)

	// 在途的2个投递完成计成功，其余既不成功也不失败
	if progress.Status != models.BatchStatusCancelled {
		t.Fatalf("终态 = %s, 期望 cancelled", progress.Status)
	}
	if progress.Successful != 2 || progress.Failed != 0 {
		t.Fatalf("计数 = %d/%d, 期望 2/0", progress.Successful, progress.Failed)
	}
	if progress.InProgress != 0 {
		t.Fatalf("inProgress = %d, 期望 0", progress.InProgress)
	}

	// 被放弃的邀请保持pending
	invs, err := env.invStore.ListByBatch(batch.BatchID)
	if err != nil {
		t.Fatalf("查询批次邀请失败: %v", err)
	}
	pending := 0
	for _, inv := range invs {
		if inv.Status == models.InvitationStatusPending {
			pending++
		}
	}
	if pending != 4 {
		t.Fatalf("pending邀请数 = %d, 期望 4", pending)
	}

	// 已结束的批次不可再取消
	if err := svc.Cancel(batch.BatchID); !apperrors.IsKind(err, apperrors.KindAlreadyFinalized) {
		t.Fatalf("重复取消错误 = %v, 期望 AlreadyFinalized", err)
	}
}

func TestCancelInvitationDuringDelivery(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	sender.started = make(chan string, 1)
	sender.release = make(chan struct{})

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 1, MaxAttempts: 3})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients("inflight@example.com"),
		Role:       models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	// 投递在途时管理员取消邀请
	<-sender.started
	invs, err := env.invStore.ListByBatch(batch.BatchID)
	if err != nil || len(invs) != 1 {
		t.Fatalf("查询批次邀请失败: %v", err)
	}
	if _, err := env.invitations.Cancel(invs[0].ID, 10); err != nil {
		t.Fatalf("取消邀请失败: %v", err)
	}
	close(sender.release)

	progress := waitForBatch(t, svc, batch.BatchID, 10*time.Second)

	// 投递虽完成，终态不可被覆写
	stored, err := env.invitations.GetByID(invs[0].ID)
	if err != nil {
		t.Fatalf("查询邀请失败: %v", err)
	}
	if stored.Status != models.InvitationStatusCancelled {
		t.Fatalf("终态被覆写: cancelled → %s", stored.Status)
	}

	// 流转未生效的投递既不计成功也不计失败
	if progress.Successful != 0 || progress.Failed != 0 {
		t.Fatalf("计数 = %d/%d, 期望 0/0", progress.Successful, progress.Failed)
	}
	if progress.InProgress != 0 {
		t.Fatalf("inProgress = %d, 期望 0", progress.InProgress)
	}

	// 事件轨迹只有cancelled，无sent
	events, err := env.events.ListByInvitation(invs[0].ID)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.EventTypeCancelled {
		t.Fatalf("事件轨迹错误: %v", events)
	}
}

func TestProgressInvariantDuringProcessing(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	sender.started = make(chan string, 4)
	sender.release = make(chan struct{}, 4)

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 2, MaxAttempts: 1})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients("m1@example.com", "m2@example.com", "m3@example.com", "m4@example.com"),
		Role:       models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	// 放行第一块的2个投递
	<-sender.started
	<-sender.started
	sender.release <- struct{}{}
	sender.release <- struct{}{}

	// 第二块投递开始即表示第一块已全部落定
	<-sender.started
	<-sender.started

	progress, err := svc.Progress(batch.BatchID)
	if err != nil {
		t.Fatalf("查询批次进度失败: %v", err)
	}

	// 处理中快照的计数不变式
	if progress.Status != models.BatchStatusProcessing {
		t.Fatalf("状态 = %s, 期望 processing", progress.Status)
	}
	if progress.Completed != progress.Successful+progress.Failed {
		t.Fatalf("completed=%d != successful+failed=%d",
			progress.Completed, progress.Successful+progress.Failed)
	}
	if progress.Completed != 2 {
		t.Fatalf("completed = %d, 期望 2（第一块已落定）", progress.Completed)
	}
	if progress.InProgress != progress.Total-progress.Completed {
		t.Fatalf("inProgress=%d != total-completed=%d",
			progress.InProgress, progress.Total-progress.Completed)
	}

	// 放行第二块并验证终态快照
	sender.release <- struct{}{}
	sender.release <- struct{}{}

	progress = waitForBatch(t, svc, batch.BatchID, 10*time.Second)
	if progress.Completed != 4 || progress.InProgress != 0 {
		t.Fatalf("终态快照: completed=%d inProgress=%d", progress.Completed, progress.InProgress)
	}
}

func TestBatchConcurrencyCeiling(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	sender.delay = 20 * time.Millisecond

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 3, MaxAttempts: 1})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients(
			"p1@example.com", "p2@example.com", "p3@example.com",
			"p4@example.com", "p5@example.com", "p6@example.com",
			"p7@example.com", "p8@example.com", "p9@example.com",
		),
		Role: models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	waitForBatch(t, svc, batch.BatchID, 10*time.Second)

	if max := sender.maxConcurrent(); max > 3 {
		t.Fatalf("并发峰值 = %d, 超过上限 3", max)
	}
	if sent := sender.sentTo(); len(sent) != 9 {
		t.Fatalf("投递数 = %d, 期望 9", len(sent))
	}
}

func TestBatchRetryFailed(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()
	sender.failAlways("flaky@example.com")

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 5, MaxAttempts: 2})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients("ok1@example.com", "flaky@example.com", "ok2@example.com"),
		Role:       models.RoleCoach,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	progress := waitForBatch(t, svc, batch.BatchID, 10*time.Second)
	if progress.Successful != 2 || progress.Failed != 1 {
		t.Fatalf("首轮计数 = %d/%d, 期望 2/1", progress.Successful, progress.Failed)
	}

	// 故障恢复后重试，失败项获得全新的尝试预算
	sender.succeedAll()
	retried, err := svc.RetryFailed(batch.BatchID)
	if err != nil {
		t.Fatalf("重试失败项出错: %v", err)
	}
	if retried != 1 {
		t.Fatalf("重试项数 = %d, 期望 1", retried)
	}

	progress = waitForBatch(t, svc, batch.BatchID, 10*time.Second)
	if progress.Status != models.BatchStatusCompleted {
		t.Fatalf("重试后终态 = %s, 期望 completed", progress.Status)
	}
	if progress.Successful != 3 || progress.Failed != 0 {
		t.Fatalf("重试后计数 = %d/%d, 期望 3/0", progress.Successful, progress.Failed)
	}
	if len(progress.Errors) != 0 {
		t.Fatalf("重试后错误日志应清空, 实际 %d", len(progress.Errors))
	}

	// 没有失败项时重试是空操作
	if retried, err := svc.RetryFailed(batch.BatchID); err != nil || retried != 0 {
		t.Fatalf("空重试 = %d, %v", retried, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	svc := env.newDispatchService(newFakeSender(), DispatchConfig{Concurrency: 5, MaxAttempts: 3, MaxBatchSize: 3})

	cases := []struct {
		name string
		req  *CreateBatchRequest
	}{
		{"空收件人列表", &CreateBatchRequest{Role: models.RolePlayer}},
		{"非法邮箱", &CreateBatchRequest{
			Recipients: recipients("not-an-email"),
			Role:       models.RolePlayer,
		}},
		{"重复邮箱", &CreateBatchRequest{
			Recipients: recipients("dup@example.com", "DUP@example.com"),
			Role:       models.RolePlayer,
		}},
		{"非法角色", &CreateBatchRequest{
			Recipients: recipients("a@example.com"),
			Role:       "mascot",
		}},
		{"超出单批上限", &CreateBatchRequest{
			Recipients: recipients("a@example.com", "b@example.com", "c@example.com", "d@example.com"),
			Role:       models.RolePlayer,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Submit(1, 10, tc.req); !apperrors.IsKind(err, apperrors.KindValidation) {
				t.Fatalf("错误 = %v, 期望 Validation", err)
			}
		})
	}

	// 校验失败时不应有任何持久化痕迹
	var batchCount, invCount int64
	env.db.Model(&models.InviteBatch{}).Count(&batchCount)
	env.db.Model(&models.Invitation{}).Count(&invCount)
	if batchCount != 0 || invCount != 0 {
		t.Fatalf("校验失败后残留记录: batches=%d invitations=%d", batchCount, invCount)
	}
}

func TestBatchCodeChannelSkipsSender(t *testing.T) {
	env := newTestEnv(t)
	sender := newFakeSender()

	svc := env.newDispatchService(sender, DispatchConfig{Concurrency: 5, MaxAttempts: 3})

	batch, err := svc.Submit(1, 10, &CreateBatchRequest{
		Recipients: recipients("code1@example.com", "code2@example.com"),
		Role:       models.RolePlayer,
		Channel:    models.ChannelCode,
	})
	if err != nil {
		t.Fatalf("提交批次失败: %v", err)
	}

	progress := waitForBatch(t, svc, batch.BatchID, 10*time.Second)

	// code渠道没有出站投递动作，直接计成功
	if progress.Status != models.BatchStatusCompleted || progress.Successful != 2 {
		t.Fatalf("code渠道批次: status=%s successful=%d", progress.Status, progress.Successful)
	}
	if len(sender.sentTo()) != 0 {
		t.Fatalf("code渠道不应触发邮件投递")
	}
}

func TestRecoverStale(t *testing.T) {
	env := newTestEnv(t)
	svc := env.newDispatchService(newFakeSender(), DispatchConfig{Concurrency: 5, MaxAttempts: 3})

	// 模拟重启遗留：数据库中有processing批次但注册表无条目
	stale := &models.InviteBatch{
		BatchID:    "stale-batch-1",
		TenantID:   1,
		TotalCount: 4,
		Status:     models.BatchStatusProcessing,
		CreatedBy:  10,
	}
	if err := env.batchStore.CreateWithInvitations(stale, nil); err != nil {
		t.Fatalf("构造遗留批次失败: %v", err)
	}

	if err := svc.RecoverStale(); err != nil {
		t.Fatalf("恢复遗留批次失败: %v", err)
	}

	recovered, err := env.batchStore.GetByBatchID("stale-batch-1")
	if err != nil {
		t.Fatalf("查询批次失败: %v", err)
	}
	if recovered.Status != models.BatchStatusFailed {
		t.Fatalf("遗留批次状态 = %s, 期望 failed", recovered.Status)
	}
	if len(recovered.Errors) != 1 {
		t.Fatalf("遗留批次应有一条恢复记录, 实际 %d", len(recovered.Errors))
	}
}
