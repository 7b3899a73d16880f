package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/service"
)

// LockHandler 开锁、校准与映射维护接口
type LockHandler struct {
	lock *service.LockService
}

// NewLockHandler 创建锁控处理器
func NewLockHandler(lock *service.LockService) *LockHandler {
	return &LockHandler{lock: lock}
}

// OpenLinesRequest 开锁流程请求
type OpenLinesRequest struct {
	Lines []string `json:"lines" binding:"required,min=1"`
}

// OpenLockRequest 手动开锁请求
type OpenLockRequest struct {
	Shelf       *int `json:"shelf" binding:"required,min=0"`
	Compartment *int `json:"compartment" binding:"required,min=0"`
	Reset       bool `json:"reset"`
}

// AssignLineRequest 写入线号映射请求
type AssignLineRequest struct {
	Shelf       *int `json:"shelf" binding:"required,min=0"`
	Compartment *int `json:"compartment" binding:"required,min=0"`
}

// BeginCalibrationRequest 开始逐格校准请求
type BeginCalibrationRequest struct {
	Shelf        *int `json:"shelf" binding:"required,min=0"`
	Compartments int  `json:"compartments" binding:"required,min=1"`
}

// CalibrationAssignRequest 当前格口线号
type CalibrationAssignRequest struct {
	Line string `json:"line" binding:"required"`
}

// RegisterRoutes 注册路由
func (h *LockHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.Status)

	sequences := router.Group("/sequences")
	{
		sequences.POST("", h.OpenLines)
		sequences.DELETE("", h.AbortSequence)
	}

	router.POST("/locks/open", h.OpenLock)

	calibration := router.Group("/calibration")
	{
		calibration.GET("", h.CalibrationState)
		calibration.POST("/shelves/:shelf", h.AssignShelf)
		calibration.PUT("/lines/:line", h.AssignLine)
		calibration.POST("/begin", h.BeginCalibration)
		calibration.POST("/next", h.NextCompartment)
		calibration.POST("/assign", h.AssignCurrent)
		calibration.DELETE("", h.CancelCalibration)
	}

	compartments := router.Group("/compartments")
	{
		compartments.GET("", h.ListMappings)
		compartments.GET("/:line", h.Resolve)
		compartments.DELETE("", h.ResetMappings)
	}
}

// Status 设备、开锁流程与校准状态
func (h *LockHandler) Status(c *gin.Context) {
	status, err := h.lock.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// OpenLines 开始按顺序开锁，格口全部关闭后通过事件通知
func (h *LockHandler) OpenLines(c *gin.Context) {
	var req OpenLinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := h.lock.OpenLines(c.Request.Context(), req.Lines); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"lines": req.Lines})
}

// AbortSequence 放弃当前开锁流程
func (h *LockHandler) AbortSequence(c *gin.Context) {
	aborted, err := h.lock.AbortSequence(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": aborted})
}

// OpenLock 直接打开指定格口
func (h *LockHandler) OpenLock(c *gin.Context) {
	var req OpenLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := h.lock.OpenSpecificLock(*req.Shelf, *req.Compartment, req.Reset); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"shelf":       *req.Shelf,
		"compartment": *req.Compartment,
		"reset":       req.Reset,
	})
}

// AssignShelf 给当前接入的层板分配层号
func (h *LockHandler) AssignShelf(c *gin.Context) {
	shelf, err := strconv.Atoi(c.Param("shelf"))
	if err != nil || shelf < 0 {
		respondError(c, apperrors.New(apperrors.ErrInvalidLocation, c.Param("shelf")))
		return
	}
	if err := h.lock.CalibrationAssignShelf(shelf); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"shelf": shelf})
}

// AssignLine 写入线号映射，覆盖已有记录
func (h *LockHandler) AssignLine(c *gin.Context) {
	var req AssignLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	line := c.Param("line")
	if err := h.lock.CalibrationAssignLine(c.Request.Context(), line, *req.Shelf, *req.Compartment); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"line":        line,
		"shelf":       *req.Shelf,
		"compartment": *req.Compartment,
	})
}

// CalibrationState 逐格校准进度
func (h *LockHandler) CalibrationState(c *gin.Context) {
	c.JSON(http.StatusOK, h.lock.Calibration().State())
}

// BeginCalibration 开始逐格校准
func (h *LockHandler) BeginCalibration(c *gin.Context) {
	var req BeginCalibrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	state, err := h.lock.Calibration().Begin(*req.Shelf, req.Compartments)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// NextCompartment 打开下一个格口
func (h *LockHandler) NextCompartment(c *gin.Context) {
	state, err := h.lock.Calibration().Next()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// AssignCurrent 记录当前打开格口的线号
func (h *LockHandler) AssignCurrent(c *gin.Context) {
	var req CalibrationAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	state, err := h.lock.Calibration().Assign(c.Request.Context(), req.Line)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// CancelCalibration 中止逐格校准
func (h *LockHandler) CancelCalibration(c *gin.Context) {
	c.JSON(http.StatusOK, h.lock.Calibration().Cancel())
}

// ListMappings 列出校准表
func (h *LockHandler) ListMappings(c *gin.Context) {
	mappings, err := h.lock.Mappings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  mappings,
		"count": len(mappings),
	})
}

// Resolve 查询线号对应的格口，未校准的线号按编号规则推算
func (h *LockHandler) Resolve(c *gin.Context) {
	line := c.Param("line")
	loc, err := h.lock.Resolve(c.Request.Context(), line)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"line":        line,
		"shelf":       loc.Shelf,
		"compartment": loc.Compartment,
	})
}

// ResetMappings 清空校准表
func (h *LockHandler) ResetMappings(c *gin.Context) {
	deleted, err := h.lock.ResetMappings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
