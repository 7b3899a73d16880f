package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wfunc/shelf-locker/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockAttempts   = 30
	lockStaleAfter = 5 * time.Minute
)

// acquireMigrationLock 获取迁移锁
func acquireMigrationLock(dbPath string) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"
	log := logger.WithModule("database")

	// 尝试创建锁文件（独占模式）
	for i := 0; i < lockAttempts; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			log.Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			log.Warn("迁移锁文件过期，尝试删除", zap.String("lock", lockPath))
			os.Remove(lockPath)
			continue
		}

		log.Debug("等待迁移锁...", zap.Int("attempt", i+1))
		time.Sleep(time.Second)
	}

	return nil, fmt.Errorf("无法获取迁移锁，可能有其他进程正在执行迁移")
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}

	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
	logger.WithModule("database").Debug("释放迁移锁", zap.String("lock", lockPath))
}

// getDBPath 返回sqlite数据库文件路径，其他驱动和内存库返回空
func getDBPath(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "sqlite", "sqlite3":
		sqlDB, err := db.DB()
		if err != nil {
			return ""
		}
		row := sqlDB.QueryRow("PRAGMA database_list")
		var seq int
		var name, file string
		if err := row.Scan(&seq, &name, &file); err == nil {
			return file
		}
		return ""
	default:
		return ""
	}
}

// CleanupStaleLocks 清理过期的锁文件
func CleanupStaleLocks() {
	patterns := []string{
		"./data/*.migration.lock",
		"./*.migration.lock",
	}

	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, lockFile := range matches {
			if info, err := os.Stat(lockFile); err == nil && time.Since(info.ModTime()) > 2*lockStaleAfter {
				logger.Info("清理过期锁文件", zap.String("file", lockFile))
				os.Remove(lockFile)
			}
		}
	}
}
