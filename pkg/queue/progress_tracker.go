package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ProgressTracker 批次进度的Redis镜像
// 数据库为权威状态，Redis仅用于快速轮询与实时推送，写入失败不影响主流程
type ProgressTracker struct {
	client *redis.Client
	prefix string
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewProgressTracker 创建进度跟踪器
func NewProgressTracker(config *Config) *ProgressTracker {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	prefix := config.Prefix
	if prefix == "" {
		prefix = "fc:invite"
	}

	return &ProgressTracker{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (t *ProgressTracker) Close() error {
	return t.client.Close()
}

// Ping 测试Redis连接
func (t *ProgressTracker) Ping() error {
	ctx := context.Background()
	return t.client.Ping(ctx).Err()
}

// SetProgress 写入批次进度快照
func (t *ProgressTracker) SetProgress(batchID string, snapshot map[string]interface{}) error {
	ctx := context.Background()
	batchKey := t.getBatchKey(batchID)

	fields := make(map[string]interface{}, len(snapshot)+1)
	for k, v := range snapshot {
		fields[k] = v
	}
	fields["updated_at"] = time.Now().Unix()

	if err := t.client.HSet(ctx, batchKey, fields).Err(); err != nil {
		return fmt.Errorf("写入批次进度失败: %v", err)
	}

	// 设置过期时间（24小时）
	t.client.Expire(ctx, batchKey, 24*time.Hour)

	return nil
}

// GetProgress 读取批次进度快照
func (t *ProgressTracker) GetProgress(batchID string) (map[string]string, error) {
	ctx := context.Background()
	batchKey := t.getBatchKey(batchID)

	result, err := t.client.HGetAll(ctx, batchKey).Result()
	if err != nil {
		return nil, fmt.Errorf("读取批次进度失败: %v", err)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("批次进度不存在")
	}

	return result, nil
}

// PublishProgress 发布进度消息到批次频道
func (t *ProgressTracker) PublishProgress(batchID string, message interface{}) error {
	ctx := context.Background()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化进度消息失败: %v", err)
	}

	channelKey := t.getChannelKey(batchID)
	if err := t.client.Publish(ctx, channelKey, data).Err(); err != nil {
		return fmt.Errorf("发布进度消息失败: %v", err)
	}

	return nil
}

// PublishEvent 发布投递事件到全局事件频道
func (t *ProgressTracker) PublishEvent(event interface{}) error {
	ctx := context.Background()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化投递事件失败: %v", err)
	}

	if err := t.client.Publish(ctx, t.getEventChannelKey(), data).Err(); err != nil {
		return fmt.Errorf("发布投递事件失败: %v", err)
	}

	return nil
}

// Subscribe 订阅批次进度频道
func (t *ProgressTracker) Subscribe(batchID string) *redis.PubSub {
	ctx := context.Background()
	return t.client.Subscribe(ctx, t.getChannelKey(batchID))
}

// SubscribeEvents 订阅全局事件频道
func (t *ProgressTracker) SubscribeEvents() *redis.PubSub {
	ctx := context.Background()
	return t.client.Subscribe(ctx, t.getEventChannelKey())
}

// Remove 删除批次进度镜像
func (t *ProgressTracker) Remove(batchID string) error {
	ctx := context.Background()
	return t.client.Del(ctx, t.getBatchKey(batchID)).Err()
}

// 辅助方法

// getBatchKey 获取批次进度键名
func (t *ProgressTracker) getBatchKey(batchID string) string {
	return fmt.Sprintf("%s:batch:%s", t.prefix, batchID)
}

// getChannelKey 获取批次频道键名
func (t *ProgressTracker) getChannelKey(batchID string) string {
	return fmt.Sprintf("%s:channel:batch:%s", t.prefix, batchID)
}

// getEventChannelKey 获取全局事件频道键名
func (t *ProgressTracker) getEventChannelKey() string {
	return fmt.Sprintf("%s:channel:events", t.prefix)
}
