package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SupervisorConfig 连接管理参数
type SupervisorConfig struct {
	ReconnectInterval   time.Duration // 断开状态下的重连间隔
	ErrorAfterFailures  int           // 连续失败多少次后上报设备错误
	ErrorReportInterval time.Duration // 设备错误上报的最小间隔
	QueueSize           int           // 传输层接收队列容量
}

// DeviceErrorHandler 接收需要运维人员处理的设备错误
type DeviceErrorHandler func(err error)

// Supervisor 连接管理器
//
// 两个状态：断开与已连接。断开时每隔ReconnectInterval尝试一次
// 查找设备、检查权限、打开串口、打开传输层并启动通道工作goroutine。
// 工作goroutine返回任何错误都回到断开状态，先等待其退出再关闭传输层。
type Supervisor struct {
	cfg        SupervisorConfig
	channelCfg ChannelConfig
	finder     DeviceFinder
	opener     PortOpener
	actions    chan Action
	handler    InboundHandler
	recorder   FrameRecorder
	onError    DeviceErrorHandler
	limiter    *rate.Limiter
	clock      clockwork.Clock
	logger     *zap.Logger

	running atomic.Bool

	mu            sync.RWMutex
	connected     bool
	device        string
	failures      int
	sessions      int
	lastError     error
	lastErrorTime time.Time
	connectedAt   time.Time
	channel       *Channel
}

// NewSupervisor 创建连接管理器
func NewSupervisor(
	cfg SupervisorConfig,
	channelCfg ChannelConfig,
	finder DeviceFinder,
	opener PortOpener,
	actions chan Action,
	handler InboundHandler,
) *Supervisor {
	if finder == nil || opener == nil || actions == nil || handler == nil {
		panic("hardware: supervisor requires finder, opener, action queue and inbound handler")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	if cfg.ErrorAfterFailures < 1 {
		cfg.ErrorAfterFailures = 1
	}
	if cfg.ErrorReportInterval <= 0 {
		cfg.ErrorReportInterval = 30 * time.Second
	}

	return &Supervisor{
		cfg:        cfg,
		channelCfg: channelCfg,
		finder:     finder,
		opener:     opener,
		actions:    actions,
		handler:    handler,
		limiter:    rate.NewLimiter(rate.Every(cfg.ErrorReportInterval), 1),
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
	}
}

// WithClock 替换时钟
func (s *Supervisor) WithClock(clock clockwork.Clock) *Supervisor {
	s.clock = clock
	return s
}

// WithLogger 设置日志器
func (s *Supervisor) WithLogger(log *zap.Logger) *Supervisor {
	s.logger = log
	return s
}

// WithRecorder 设置帧记录器，传给每个会话的通道
func (s *Supervisor) WithRecorder(recorder FrameRecorder) *Supervisor {
	s.recorder = recorder
	return s
}

// OnDeviceError 设置设备错误回调
func (s *Supervisor) OnDeviceError(handler DeviceErrorHandler) *Supervisor {
	s.onError = handler
	return s
}

// Run 运行重连循环直到ctx取消
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("连接管理器已启动")
	}
	defer s.running.Store(false)

	s.logger.Info("连接管理器启动",
		zap.Duration("reconnect_interval", s.cfg.ReconnectInterval))

	for {
		s.attempt(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("停止重连循环")
			return nil
		case <-s.clock.After(s.cfg.ReconnectInterval):
		}
	}
}

// attempt 尝试建立一次会话，会话存续期间阻塞
func (s *Supervisor) attempt(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	path, err := s.finder.Find()
	if err != nil {
		s.fail(err)
		return
	}

	port, err := s.opener(path)
	if err != nil {
		s.fail(err)
		return
	}

	transport := NewTransport(s.cfg.QueueSize, s.clock, s.logger)
	if err := transport.Open(port); err != nil {
		port.Close()
		s.fail(err)
		return
	}

	channel := NewChannel(s.channelCfg, transport, s.actions, s.handler).
		WithClock(s.clock).
		WithLogger(s.logger).
		WithRecorder(s.recorder)

	s.markConnected(path, channel)

	workerErr := s.runWorker(ctx, channel)

	s.markDisconnected()
	if err := transport.Close(); err != nil {
		s.logger.Warn("关闭串口失败", zap.String("device", path), zap.Error(err))
	}

	if ctx.Err() != nil {
		s.logger.Info("会话已停止", zap.String("device", path))
		return
	}

	s.logger.Error("与下位机的连接中断",
		zap.String("device", path),
		zap.Error(workerErr))
	s.recordError(workerErr)
	s.report(fmt.Errorf("与下位机的连接中断: %w", workerErr))
}

// runWorker 启动通道工作goroutine并等待其结束
func (s *Supervisor) runWorker(ctx context.Context, channel *Channel) error {
	done := make(chan error, 1)
	go func() {
		done <- channel.Run(ctx)
	}()
	return <-done
}

func (s *Supervisor) markConnected(path string, channel *Channel) {
	s.mu.Lock()
	s.connected = true
	s.device = path
	s.failures = 0
	s.sessions++
	s.connectedAt = s.clock.Now()
	s.channel = channel
	sessions := s.sessions
	s.mu.Unlock()

	s.logger.Info("串口连接成功",
		zap.String("device", path),
		zap.Int("session", sessions))
}

func (s *Supervisor) markDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// fail 记录一次失败的连接尝试
func (s *Supervisor) fail(err error) {
	s.recordError(err)

	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	if errors.Is(err, ErrDeviceNotFound) {
		s.logger.Debug("未找到设备，等待重试", zap.Int("failures", failures), zap.Error(err))
	} else {
		s.logger.Warn("连接失败，等待重试",
			zap.Int("failures", failures),
			zap.Duration("interval", s.cfg.ReconnectInterval),
			zap.Error(err))
	}

	if failures >= s.cfg.ErrorAfterFailures {
		s.report(fmt.Errorf("连续%d次连接下位机失败: %w", failures, err))
	}
}

func (s *Supervisor) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err
	s.lastErrorTime = s.clock.Now()
	s.mu.Unlock()
}

// report 限流上报设备错误
func (s *Supervisor) report(err error) {
	if s.onError == nil || !s.limiter.Allow() {
		return
	}
	s.onError(err)
}

// IsConnected 检查连接状态
func (s *Supervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// LastError 最近一次连接失败或会话中断的原因，保留错误链
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Status 返回连接状态快照
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Connected:      s.connected,
		Device:         s.device,
		Failures:       s.failures,
		Sessions:       s.sessions,
		LastErrorTime:  s.lastErrorTime,
		PendingActions: len(s.actions),
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	if s.channel != nil {
		st.Stats = s.channel.Stats()
		st.Stats.ConnectedAt = s.connectedAt
	}
	if s.connected {
		st.Uptime = s.clock.Since(s.connectedAt)
	}
	return st
}
