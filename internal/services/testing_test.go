package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/repository"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/mailer"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// testEnv 测试环境：内存数据库加全套存储和服务
type testEnv struct {
	db          *gorm.DB
	invStore    repository.InvitationStore
	batchStore  repository.BatchStore
	eventStore  repository.EventStore
	events      *EventService
	invitations *InvitationService
	registry    *BatchRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	// sqlite内存库在并发写入下需要串行化
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层连接失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Invitation{},
		&models.InviteBatch{},
		&models.BatchErrorEntry{},
		&models.DeliveryEvent{},
	); err != nil {
		t.Fatalf("迁移测试数据库失败: %v", err)
	}

	invStore := repository.NewInvitationStore(db)
	batchStore := repository.NewBatchStore(db)
	eventStore := repository.NewEventStore(db)
	events := NewEventService(eventStore, nil)

	return &testEnv{
		db:          db,
		invStore:    invStore,
		batchStore:  batchStore,
		eventStore:  eventStore,
		events:      events,
		invitations: NewInvitationService(invStore, events, 7),
		registry:    NewBatchRegistry(time.Minute),
	}
}

// newDispatchService 构造批量投递服务，重试延迟压缩到毫秒级
func (e *testEnv) newDispatchService(sender mailer.Sender, cfg DispatchConfig) *BatchDispatchService {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	return NewBatchDispatchService(
		e.invStore, e.batchStore, e.invitations, e.events,
		sender, nil, e.registry, cfg,
	)
}

// fakeSender 可编程的投递桩
type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failures map[string]int // 邮箱 -> 剩余失败次数，负数表示永远失败

	delay   time.Duration
	started chan string   // 非nil时每次投递开始前写入
	release chan struct{} // 非nil时每次投递阻塞等待放行

	inFlight    int
	maxInFlight int
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: make(map[string]int)}
}

// failAlways 指定邮箱的所有投递尝试都失败
func (f *fakeSender) failAlways(email string) {
	f.mu.Lock()
	f.failures[email] = -1
	f.mu.Unlock()
}

// failTimes 指定邮箱前n次投递失败，之后成功
func (f *fakeSender) failTimes(email string, n int) {
	f.mu.Lock()
	f.failures[email] = n
	f.mu.Unlock()
}

// succeedAll 清除全部失败规则
func (f *fakeSender) succeedAll() {
	f.mu.Lock()
	f.failures = make(map[string]int)
	f.mu.Unlock()
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeSender) Send(ctx context.Context, to string, msg *mailer.Message) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- to
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	remaining, ok := f.failures[to]
	if ok && remaining != 0 {
		if remaining > 0 {
			f.failures[to] = remaining - 1
		}
		return fmt.Errorf("smtp: 投递被拒绝 %s", to)
	}

	f.sent = append(f.sent, to)
	return nil
}

// waitForBatch 等待批次离开processing状态
func waitForBatch(t *testing.T, svc *BatchDispatchService, batchID string, timeout time.Duration) *BatchProgress {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		progress, err := svc.Progress(batchID)
		if err != nil {
			t.Fatalf("查询批次进度失败: %v", err)
		}
		if progress.Status != models.BatchStatusProcessing {
			return progress
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("批次 %s 在 %v 内未结束", batchID, timeout)
	return nil
}

func recipients(emails ...string) []BatchRecipient {
	out := make([]BatchRecipient, 0, len(emails))
	for _, e := range emails {
		out = append(out, BatchRecipient{Email: e})
	}
	return out
}
