package database

import (
	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"
)

// Migrate 执行数据库迁移
func Migrate() error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	err := DB.AutoMigrate(
		&models.Invitation{},
		&models.InviteBatch{},
		&models.BatchErrorEntry{},
		&models.DeliveryEvent{},
	)
	if err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}
