package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/models"
	"github.com/wfunc/shelf-locker/internal/repository"
	"github.com/wfunc/shelf-locker/internal/service"
)

// SerialLogAPI 串口日志API
type SerialLogAPI struct {
	service *service.SerialLogService
}

// NewSerialLogAPI 创建串口日志API
func NewSerialLogAPI(service *service.SerialLogService) *SerialLogAPI {
	return &SerialLogAPI{
		service: service,
	}
}

// RegisterRoutes 注册路由
func (api *SerialLogAPI) RegisterRoutes(router *gin.RouterGroup) {
	logs := router.Group("/serial-logs")
	{
		logs.GET("", api.QueryLogs)            // 查询日志列表
		logs.GET("/stats", api.GetStats)       // 获取统计信息
		logs.POST("/cleanup", api.CleanupLogs) // 清理旧日志
	}
}

// QueryLogs 查询日志列表
func (api *SerialLogAPI) QueryLogs(c *gin.Context) {
	query := &models.SerialLogQuery{}
	if err := c.ShouldBindQuery(query); err != nil {
		respondBadRequest(c, err)
		return
	}
	page := repository.NewPagination(query.Limit, query.Offset)
	query.Limit, query.Offset = page.Limit, page.Offset

	logs, total, err := api.service.Query(c.Request.Context(), query)
	if err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       logs,
		"total":      total,
		"limit":      query.Limit,
		"offset":     query.Offset,
		"session_id": api.service.SessionID(),
	})
}

// GetStats 获取统计信息
func (api *SerialLogAPI) GetStats(c *gin.Context) {
	var since *time.Time
	if start := c.Query("start_time"); start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			respondBadRequest(c, err)
			return
		}
		since = &t
	}

	stats, err := api.service.GetStats(c.Request.Context(), since)
	if err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
		return
	}

	c.JSON(http.StatusOK, stats)
}

// CleanupLogs 清理超过保留天数的日志
func (api *SerialLogAPI) CleanupLogs(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "14"))
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    int(apperrors.ErrInvalidParam),
			Message: "保留天数必须为正整数",
			Details: c.Query("days"),
		})
		return
	}

	deleted, err := api.service.CleanupOldLogs(c.Request.Context(), days)
	if err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrDatabaseDelete))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted":        deleted,
		"retention_days": days,
	})
}
