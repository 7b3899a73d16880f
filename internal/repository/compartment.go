package repository

import (
	"context"
	"errors"

	"github.com/wfunc/shelf-locker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMappingNotFound 线号没有校准记录
var ErrMappingNotFound = errors.New("compartment mapping not found")

// CompartmentRepository 格口映射仓储接口
type CompartmentRepository interface {
	BaseRepository
	FindByLine(ctx context.Context, line string) (*models.CompartmentMapping, error)
	Upsert(ctx context.Context, mapping *models.CompartmentMapping) error
	List(ctx context.Context) ([]*models.CompartmentMapping, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// compartmentRepo 格口映射仓储实现
type compartmentRepo struct {
	*BaseRepo
}

// NewCompartmentRepository 创建格口映射仓储
func NewCompartmentRepository(db *gorm.DB) CompartmentRepository {
	return &compartmentRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// FindByLine 根据线号查找映射
func (r *compartmentRepo) FindByLine(ctx context.Context, line string) (*models.CompartmentMapping, error) {
	var mapping models.CompartmentMapping
	err := r.db.WithContext(ctx).
		Where("line = ?", line).
		First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMappingNotFound
		}
		return nil, err
	}
	return &mapping, nil
}

// Upsert 插入或替换映射，同一线号以最后一次为准
func (r *compartmentRepo) Upsert(ctx context.Context, mapping *models.CompartmentMapping) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "line"}},
			DoUpdates: clause.AssignmentColumns([]string{"shelf", "compartment", "updated_at"}),
		}).
		Create(mapping).Error
}

// List 按层板和格口顺序列出所有映射
func (r *compartmentRepo) List(ctx context.Context) ([]*models.CompartmentMapping, error) {
	var mappings []*models.CompartmentMapping
	err := r.db.WithContext(ctx).
		Order("shelf ASC, compartment ASC, line ASC").
		Find(&mappings).Error
	return mappings, err
}

// DeleteAll 清空映射表
func (r *compartmentRepo) DeleteAll(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.CompartmentMapping{})
	return result.RowsAffected, result.Error
}
