package database

import (
	"sync"

	"github.com/ajbcloud/FutsalCulture-sub001/pkg/config"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/queue"
)

var (
	trackerInstance *queue.ProgressTracker
	trackerOnce     sync.Once
)

// GetProgressTracker 获取进度跟踪器的单例实例
func GetProgressTracker() *queue.ProgressTracker {
	trackerOnce.Do(func() {
		cfg := config.GetConfig()
		trackerInstance = queue.NewProgressTracker(&queue.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	})
	return trackerInstance
}

// CloseProgressTracker 关闭Redis连接
func CloseProgressTracker() error {
	if trackerInstance != nil {
		return trackerInstance.Close()
	}
	return nil
}
