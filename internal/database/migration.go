package database

import (
	"fmt"

	"github.com/wfunc/shelf-locker/internal/logger"
	"github.com/wfunc/shelf-locker/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models 需要迁移的模型
func Models() []interface{} {
	return []interface{}{
		&models.CompartmentMapping{},
		&models.SerialLog{},
	}
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("数据库未初始化")
	}
	log := logger.WithModule("database")

	// 清理过期锁文件
	CleanupStaleLocks()

	// 获取迁移锁，避免维护工具和主进程同时迁移
	if dbPath := getDBPath(db); dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			log.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	log.Info("开始数据库迁移...")
	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			log.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		log.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	log.Info("数据库迁移完成")
	return nil
}
