package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/service"
	ws "github.com/wfunc/shelf-locker/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Router 维护接口路由器
type Router struct {
	engine   *gin.Engine
	db       *gorm.DB
	services *service.Services
	hub      *ws.Hub
	log      *zap.Logger
}

// NewRouter 创建路由器，hub 为 nil 时不提供事件推送
func NewRouter(db *gorm.DB, services *service.Services, hub *ws.Hub, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))

	router := &Router{
		engine:   engine,
		db:       db,
		services: services,
		hub:      hub,
		log:      log,
	}

	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		NewLockHandler(r.services.Lock).RegisterRoutes(v1)

		// 审计关闭时不注册日志查询
		if r.services.SerialLog != nil {
			NewSerialLogAPI(r.services.SerialLog).RegisterRoutes(v1)
		}
	}

	if r.hub != nil {
		r.engine.GET("/ws", gin.WrapH(r.hub))
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		respondError(c, apperrors.New(apperrors.ErrNotFound, c.Request.Method+" "+c.Request.URL.Path))
	})
}

// healthCheck 健康检查，数据库不可用时返回503；串口离线不影响健康状态
func (r *Router) healthCheck(c *gin.Context) {
	sqlDB, err := r.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "数据库连接失败",
		})
		return
	}

	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "数据库ping失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"device_connected": r.services.Lock.IsConnected(),
	})
}

// Handler 返回HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// requestLogger 用zap记录请求
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("HTTP请求", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("HTTP请求", fields...)
		default:
			log.Debug("HTTP请求", fields...)
		}
	}
}
