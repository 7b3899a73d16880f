package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/shelf-locker/internal/api"
	"github.com/wfunc/shelf-locker/internal/config"
	"github.com/wfunc/shelf-locker/internal/database"
	"github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/events"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"github.com/wfunc/shelf-locker/internal/logger"
	"github.com/wfunc/shelf-locker/internal/repository"
	"github.com/wfunc/shelf-locker/internal/service"
	ws "github.com/wfunc/shelf-locker/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 售货柜锁控进程
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	services *service.Services
	hub      *ws.Hub
	http     *http.Server
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	server := NewServer(cfg)
	if err := server.Init(); err != nil {
		logger.Fatal("服务器初始化失败", zap.Error(err))
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("服务器异常退出", zap.Error(err))
		server.Close()
		logger.Cleanup()
		os.Exit(1)
	}
	server.Close()
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
	}
}

// Init 初始化数据库、服务和维护接口
func (s *Server) Init() error {
	s.logger.Info("正在启动售货柜锁控服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode))

	if err := s.initDatabase(); err != nil {
		return err
	}

	serialLog := logger.WithModule("serial")
	finder := hardware.NewVendorFinder(s.cfg.Serial.VendorID, s.cfg.Serial.Port, serialLog)
	opener := hardware.NewTarmOpener(s.cfg.Serial.BaudRate, s.cfg.Serial.ReadTimeout)
	s.services = service.NewServices(s.cfg, repository.NewManager(database.GetDB()), finder, opener, logger.WithModule("lock"))

	s.hub = ws.NewHub(s.cfg.WebSocket, logger.WithModule("websocket"))
	s.services.Lock.Subscribe(s.hub.HandleEvent)
	s.services.Lock.Subscribe(s.logEvent)

	gin.SetMode(s.cfg.Server.Mode)
	router := api.NewRouter(database.GetDB(), s.services, s.hub, logger.WithModule("api"))
	s.http = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level)
		s.logger.Info("配置已更新，日志级别已生效", zap.String("level", newCfg.Log.Level))
	})
	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	database.CleanupStaleLocks()

	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(database.GetDB()); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}
	return nil
}

// Run 运行全部服务直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.services.Lock.Run(gctx) })
	g.Go(func() error { return s.hub.Run(gctx) })

	g.Go(func() error {
		s.logger.Info("维护接口启动", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	if s.services.SerialLog != nil && s.cfg.Audit.RetentionDays > 0 {
		g.Go(func() error {
			s.runRetention(gctx)
			return nil
		})
	}

	return g.Wait()
}

// runRetention 每天清理过期的串口审计日志
func (s *Server) runRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		deleted, err := s.services.SerialLog.CleanupOldLogs(ctx, s.cfg.Audit.RetentionDays)
		if err != nil {
			s.logger.Warn("清理串口日志失败", zap.Error(err))
		} else if deleted > 0 {
			s.logger.Info("清理串口日志", zap.Int64("deleted", deleted))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// logEvent 关键事件写入运行日志
func (s *Server) logEvent(e events.Event) {
	switch e.Type {
	case events.TypeAlarm, events.TypeDeviceError:
		s.logger.Warn("锁控事件", zap.Stringer("event", e))
	case events.TypeSequenceCompleted, events.TypeShelfAssigned:
		s.logger.Info("锁控事件", zap.Stringer("event", e))
	default:
		s.logger.Debug("锁控事件", zap.Stringer("event", e))
	}
}

// Close 关闭组件
func (s *Server) Close() {
	if s.services != nil {
		s.services.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("售货柜锁控服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
