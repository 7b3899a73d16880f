package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/shelf-locker/internal/models"
	"gorm.io/gorm"
)

// SerialLogRepository 串口日志仓库
type SerialLogRepository struct {
	db *gorm.DB
}

// NewSerialLogRepository 创建串口日志仓库
func NewSerialLogRepository(db *gorm.DB) *SerialLogRepository {
	return &SerialLogRepository{
		db: db,
	}
}

// CreateBatch 批量创建日志记录
func (r *SerialLogRepository) CreateBatch(ctx context.Context, logs []*models.SerialLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(logs, 100).Error
}

// Query 查询日志，最新的在前；未指定 limit 时取50条
func (r *SerialLogRepository) Query(ctx context.Context, query *models.SerialLogQuery) ([]*models.SerialLog, int64, error) {
	db := r.db.WithContext(ctx).Model(&models.SerialLog{})

	if query.Direction != "" {
		db = db.Where("direction = ?", query.Direction)
	}
	if query.MsgType != "" {
		db = db.Where("msg_type = ?", query.MsgType)
	}
	if query.SessionID != "" {
		db = db.Where("session_id = ?", query.SessionID)
	}
	if query.Shelf != nil {
		db = db.Where("shelf = ?", *query.Shelf)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", *query.EndTime)
	}

	// 获取总数
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []*models.SerialLog
	page := NewPagination(query.Limit, query.Offset)
	if err := db.Order("id DESC").Scopes(Paginate(page)).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// GetStats 获取统计信息
func (r *SerialLogRepository) GetStats(ctx context.Context, since *time.Time) (*models.SerialLogStats, error) {
	base := func() *gorm.DB {
		db := r.db.WithContext(ctx).Model(&models.SerialLog{})
		if since != nil {
			db = db.Where("created_at >= ?", *since)
		}
		return db
	}

	stats := &models.SerialLogStats{ByType: make(map[string]int64)}
	if err := base().Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}
	if err := base().
		Where("direction = ?", models.SerialDirectionSend).
		Count(&stats.TotalSend).Error; err != nil {
		return nil, err
	}
	stats.TotalReceive = stats.TotalCount - stats.TotalSend

	// 按消息类型统计
	var rows []struct {
		MsgType string
		Total   int64
	}
	if err := base().
		Select("msg_type, COUNT(*) as total").
		Group("msg_type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByType[row.MsgType] = row.Total
	}
	return stats, nil
}

// DeleteOldLogs 删除旧日志
func (r *SerialLogRepository) DeleteOldLogs(ctx context.Context, beforeTime time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", beforeTime).Delete(&models.SerialLog{})
	return result.RowsAffected, result.Error
}

// CleanupLogs 清理日志（保留最近N天的数据）
func (r *SerialLogRepository) CleanupLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	return r.DeleteOldLogs(ctx, time.Now().AddDate(0, 0, -retentionDays))
}
