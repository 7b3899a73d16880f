// Package compartment 把业务线号解析为物理层板/格口地址
package compartment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/models"
	"github.com/wfunc/shelf-locker/internal/repository"
	"go.uber.org/zap"
)

// 回退编址：每层两排交错的格口，奇数线号落在第二排
const (
	linesPerShelf   = 100
	secondBankStart = 7
)

// Location 物理地址
type Location struct {
	Shelf       int `json:"shelf"`
	Compartment int `json:"compartment"`
}

func (l Location) String() string {
	return fmt.Sprintf("%d/%d", l.Shelf, l.Compartment)
}

// Resolver 线号解析接口
type Resolver interface {
	Resolve(ctx context.Context, line string) (Location, error)
}

// Mapper 格口映射器，优先使用校准表，缺省时按固定接线规则计算
type Mapper struct {
	repo   repository.CompartmentRepository
	logger *zap.Logger
}

// NewMapper 创建映射器
func NewMapper(repo repository.CompartmentRepository, log *zap.Logger) *Mapper {
	if repo == nil {
		panic("compartment: nil repository")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mapper{repo: repo, logger: log}
}

// Resolve 解析线号
func (m *Mapper) Resolve(ctx context.Context, line string) (Location, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Location{}, apperrors.New(apperrors.ErrInvalidLine, "empty line")
	}

	mapping, err := m.repo.FindByLine(ctx, line)
	switch {
	case err == nil:
		return Location{Shelf: mapping.Shelf, Compartment: mapping.Compartment}, nil
	case errors.Is(err, repository.ErrMappingNotFound):
		loc, ferr := Fallback(line)
		if ferr != nil {
			return Location{}, ferr
		}
		m.logger.Debug("线号未校准，使用默认编址",
			zap.String("line", line),
			zap.Stringer("location", loc))
		return loc, nil
	default:
		return Location{}, apperrors.Wrapf(err, apperrors.ErrDatabaseQuery, "resolve line %s", line)
	}
}

// Fallback 按固定接线规则计算地址
func Fallback(line string) (Location, error) {
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 {
		return Location{}, apperrors.Newf(apperrors.ErrInvalidLine, "line %q is not a non-negative integer", line)
	}

	aux := n % linesPerShelf
	loc := Location{Shelf: n / linesPerShelf}
	if aux%2 == 0 {
		loc.Compartment = aux / 2
	} else {
		loc.Compartment = secondBankStart + aux/2
	}
	return loc, nil
}

// CalibrationAssignLine 写入校准结果，同一线号以最后一次为准
func (m *Mapper) CalibrationAssignLine(ctx context.Context, line string, loc Location) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return apperrors.New(apperrors.ErrInvalidLine, "empty line")
	}
	if loc.Shelf < 0 || loc.Compartment < 0 {
		return apperrors.Newf(apperrors.ErrInvalidLocation, "%s", loc)
	}

	err := m.repo.Upsert(ctx, &models.CompartmentMapping{
		Line:        line,
		Shelf:       loc.Shelf,
		Compartment: loc.Compartment,
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrDatabaseInsert, "assign line %s", line)
	}

	m.logger.Info("线号校准完成",
		zap.String("line", line),
		zap.Int("shelf", loc.Shelf),
		zap.Int("compartment", loc.Compartment))
	return nil
}

// Mappings 列出全部校准结果
func (m *Mapper) Mappings(ctx context.Context) ([]*models.CompartmentMapping, error) {
	mappings, err := m.repo.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return mappings, nil
}

// Reset 清空校准表，之后全部线号回到默认编址
func (m *Mapper) Reset(ctx context.Context) (int64, error) {
	removed, err := m.repo.DeleteAll(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrDatabaseDelete)
	}
	m.logger.Warn("校准表已清空", zap.Int64("removed", removed))
	return removed, nil
}
