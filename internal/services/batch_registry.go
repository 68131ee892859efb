package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"

	"github.com/robfig/cron/v3"
)

// batchJob 内存中的批次任务状态
// 数据库为权威存储，进程重启后仅能按数据库状态做尽力恢复
type batchJob struct {
	batchID  string
	tenantID uint
	total    int
	clubName string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	successful int
	failed     int
	status     string // processing直到finalize
	finishedAt time.Time
}

// newBatchJob 创建批次任务，base计数用于重试时延续已有记账
func newBatchJob(batchID string, tenantID uint, total, baseSuccess, baseFailed int, clubName string) *batchJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &batchJob{
		batchID:    batchID,
		tenantID:   tenantID,
		total:      total,
		clubName:   clubName,
		ctx:        ctx,
		cancel:     cancel,
		successful: baseSuccess,
		failed:     baseFailed,
		status:     models.BatchStatusProcessing,
	}
}

// cancelled 是否已收到取消信号
func (j *batchJob) cancelled() bool {
	select {
	case <-j.ctx.Done():
		return true
	default:
		return false
	}
}

func (j *batchJob) addSuccess() {
	j.mu.Lock()
	j.successful++
	j.mu.Unlock()
}

func (j *batchJob) addFailed() {
	j.mu.Lock()
	j.failed++
	j.mu.Unlock()
}

// markFinished 标记任务结束，仅第一次调用生效
func (j *batchJob) markFinished(status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != models.BatchStatusProcessing {
		return
	}
	j.status = status
	j.finishedAt = time.Now()
}

// snapshot 读取当前计数和状态
func (j *batchJob) snapshot() (successful, failed int, status string, finishedAt time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.successful, j.failed, j.status, j.finishedAt
}

// BatchRegistry 活跃批次注册表
// 条目在submit时写入，批次结束后由定时清理任务按TTL驱逐；
// 驱逐后的进度查询回退到数据库
type BatchRegistry struct {
	mu      sync.RWMutex
	jobs    map[string]*batchJob
	cron    *cron.Cron
	ttl     time.Duration
	running bool
}

// NewBatchRegistry 创建批次注册表，ttl为已完成批次的保留时间
func NewBatchRegistry(ttl time.Duration) *BatchRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &BatchRegistry{
		jobs: make(map[string]*batchJob),
		cron: cron.New(),
		ttl:  ttl,
	}
}

// Start 启动注册表清理任务
func (r *BatchRegistry) Start() error {
	if r.running {
		return fmt.Errorf("批次注册表已经在运行")
	}

	// 每分钟清理一次过期条目
	if _, err := r.cron.AddFunc("@every 1m", r.reap); err != nil {
		return fmt.Errorf("注册清理任务失败: %v", err)
	}

	r.cron.Start()
	r.running = true

	logger.GetLogger().Info("批次注册表已启动")
	return nil
}

// Stop 停止注册表清理任务
func (r *BatchRegistry) Stop() {
	if !r.running {
		return
	}
	r.cron.Stop()
	r.running = false
	logger.GetLogger().Info("批次注册表已停止")
}

// Register 注册批次任务，重试时覆盖旧条目
func (r *BatchRegistry) Register(job *batchJob) {
	r.mu.Lock()
	r.jobs[job.batchID] = job
	r.mu.Unlock()
}

// Get 查询批次任务
func (r *BatchRegistry) Get(batchID string) (*batchJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[batchID]
	return job, ok
}

// Remove 移除批次任务
func (r *BatchRegistry) Remove(batchID string) {
	r.mu.Lock()
	delete(r.jobs, batchID)
	r.mu.Unlock()
}

// Size 当前条目数
func (r *BatchRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// reap 驱逐已结束且超过保留时间的条目
func (r *BatchRegistry) reap() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for batchID, job := range r.jobs {
		_, _, status, finishedAt := job.snapshot()
		if status == models.BatchStatusProcessing {
			continue
		}
		if now.Sub(finishedAt) < r.ttl {
			continue
		}
		delete(r.jobs, batchID)
		logger.GetLogger().Debugf("批次注册表驱逐过期条目: %s", batchID)
	}
}
