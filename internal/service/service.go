package service

import (
	"github.com/wfunc/shelf-locker/internal/compartment"
	"github.com/wfunc/shelf-locker/internal/config"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"github.com/wfunc/shelf-locker/internal/repository"
	"go.uber.org/zap"
)

// Services 服务集合
type Services struct {
	Lock      *LockService
	SerialLog *SerialLogService // 审计关闭时为 nil
}

// NewServices 按配置装配服务
func NewServices(cfg *config.Config, repos *repository.Manager, finder hardware.DeviceFinder, opener hardware.PortOpener, log *zap.Logger) *Services {
	if log == nil {
		log = zap.NewNop()
	}
	services := &Services{}

	opts := []LockOption{WithLogger(log)}
	if cfg.Audit.Enabled {
		services.SerialLog = NewSerialLogService(repos.SerialLog(), SerialLogOptions{
			FlushInterval: cfg.Audit.FlushInterval,
			BatchSize:     cfg.Audit.BatchSize,
			BufferSize:    cfg.Audit.BufferSize,
			Logger:        log.Named("serial_log"),
		})
		opts = append(opts, WithFrameRecorder(services.SerialLog))
	}

	mapper := compartment.NewMapper(repos.Compartment(), log.Named("compartment"))
	services.Lock = NewLockService(NewLockServiceConfig(cfg), mapper, finder, opener, opts...)
	return services
}

// Close 释放服务资源
func (s *Services) Close() {
	if s.SerialLog != nil {
		s.SerialLog.Close()
	}
}
