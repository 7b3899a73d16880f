package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wfunc/shelf-locker/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB 创建内存数据库并迁移全部模型
func SetupTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	// 内存库只在单连接内可见
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.CompartmentMapping{},
		&models.SerialLog{},
	))

	t.Cleanup(func() {
		CleanupTestDB(db)
	})
	return db
}

// CleanupTestDB 清理测试数据库
func CleanupTestDB(db *gorm.DB) {
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// CreateTestMapping 创建测试映射
func CreateTestMapping(line string, shelf, compartment int) *models.CompartmentMapping {
	return &models.CompartmentMapping{
		Line:        line,
		Shelf:       shelf,
		Compartment: compartment,
	}
}
