package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/shelf-locker/internal/compartment"
	"github.com/wfunc/shelf-locker/internal/config"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/events"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"github.com/wfunc/shelf-locker/internal/models"
	"github.com/wfunc/shelf-locker/internal/protocol"
	"github.com/wfunc/shelf-locker/internal/sequencer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LockServiceConfig 锁控服务参数
type LockServiceConfig struct {
	Supervisor      hardware.SupervisorConfig
	Channel         hardware.ChannelConfig
	Sequencer       sequencer.Config
	ActionQueueSize int
	EventQueueSize  int
}

// NewLockServiceConfig 从全局配置生成服务参数
func NewLockServiceConfig(cfg *config.Config) LockServiceConfig {
	return LockServiceConfig{
		Supervisor: hardware.SupervisorConfig{
			ReconnectInterval:   cfg.Serial.ReconnectInterval,
			ErrorAfterFailures:  cfg.Serial.ErrorAfterFailures,
			ErrorReportInterval: cfg.Serial.ErrorReportInterval,
			QueueSize:           cfg.Serial.QueueSize,
		},
		Channel: hardware.ChannelConfig{
			Repeat:          cfg.Protocol.Repeat,
			RepeatInterval:  cfg.Protocol.RepeatInterval,
			ReadTimeout:     cfg.Serial.ReadTimeout,
			MaxReadTimeouts: cfg.Serial.MaxReadTimeouts,
			PingInterval:    cfg.Protocol.PingInterval,
			LoopInterval:    cfg.Protocol.LoopInterval,
		},
		Sequencer: sequencer.Config{
			WatchdogTimeout:  cfg.Sequencer.WatchdogTimeout,
			StrictCloseMatch: cfg.Sequencer.StrictCloseMatch,
		},
		ActionQueueSize: cfg.Protocol.ActionQueueSize,
		EventQueueSize:  events.DefaultQueueSize,
	}
}

// LockStatus 锁控服务状态
type LockStatus struct {
	Device        hardware.Status    `json:"device"`
	Sequence      sequencer.Snapshot `json:"sequence"`
	Calibration   CalibrationState   `json:"calibration"`
	DroppedEvents uint64             `json:"dropped_events"`
	// DeviceErrorCode 最近一次设备错误对应的错误码
	DeviceErrorCode apperrors.ErrorCode `json:"device_error_code,omitempty"`
}

// LockService 锁控服务，由应用显式创建并持有
// 拥有指令队列、映射器、开锁流程、连接管理器和事件分发器
type LockService struct {
	actions     chan hardware.Action
	mapper      *compartment.Mapper
	sequencer   *sequencer.Sequencer
	supervisor  *hardware.Supervisor
	dispatcher  *events.Dispatcher
	calibration *Calibration
	logger      *zap.Logger
	running     atomic.Bool
}

type lockServiceOptions struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder hardware.FrameRecorder
}

// LockOption 可选配置
type LockOption func(*lockServiceOptions)

// WithClock 注入时钟，传给连接管理器和开锁流程
func WithClock(clock clockwork.Clock) LockOption {
	return func(o *lockServiceOptions) { o.clock = clock }
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) LockOption {
	return func(o *lockServiceOptions) { o.logger = log }
}

// WithFrameRecorder 设置串口帧记录器
func WithFrameRecorder(recorder hardware.FrameRecorder) LockOption {
	return func(o *lockServiceOptions) { o.recorder = recorder }
}

// NewLockService 创建锁控服务
func NewLockService(
	cfg LockServiceConfig,
	mapper *compartment.Mapper,
	finder hardware.DeviceFinder,
	opener hardware.PortOpener,
	opts ...LockOption,
) *LockService {
	o := lockServiceOptions{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ActionQueueSize <= 0 {
		cfg.ActionQueueSize = 64
	}

	s := &LockService{
		actions:    hardware.NewActionQueue(cfg.ActionQueueSize),
		mapper:     mapper,
		dispatcher: events.NewDispatcher(cfg.EventQueueSize, o.logger.Named("events")),
		logger:     o.logger,
	}

	s.calibration = NewCalibration(s.actions, mapper, o.logger.Named("calibration"))
	s.sequencer = sequencer.New(cfg.Sequencer, mapper, sequencer.CommanderFunc(s.enqueueOpen), s.dispatcher,
		sequencer.WithClock(o.clock),
		sequencer.WithLogger(o.logger.Named("sequencer")))

	s.supervisor = hardware.NewSupervisor(cfg.Supervisor, cfg.Channel, finder, opener, s.actions, s.handleInbound).
		WithClock(o.clock).
		WithLogger(o.logger.Named("serial")).
		OnDeviceError(s.handleDeviceError)
	if o.recorder != nil {
		s.supervisor.WithRecorder(o.recorder)
	}
	return s
}

// Run 运行事件分发、开锁流程和连接管理，直到 ctx 取消
func (s *LockService) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("service: lock service already running")
	}
	defer s.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.sequencer.Run(gctx) })
	g.Go(func() error { return s.supervisor.Run(gctx) })

	s.logger.Info("锁控服务启动")
	err := g.Wait()
	s.logger.Info("锁控服务停止", zap.Error(err))
	return err
}

// OpenLines 按顺序打开一组线号对应的格口
func (s *LockService) OpenLines(ctx context.Context, lines []string) error {
	return s.sequencer.OpenLines(ctx, lines)
}

// AbortSequence 放弃当前开锁流程
func (s *LockService) AbortSequence(ctx context.Context) (bool, error) {
	return s.sequencer.Abort(ctx)
}

// OpenSpecificLock 直接打开指定格口，不经过开锁流程
// 设备离线时直接拒绝，指令不进入队列，避免重连后才意外开锁
func (s *LockService) OpenSpecificLock(shelf, compartmentNo int, reset bool) error {
	if shelf < 0 || compartmentNo < 0 {
		return apperrors.Newf(apperrors.ErrInvalidLocation, "%d/%d", shelf, compartmentNo)
	}
	if !s.supervisor.IsConnected() {
		if cause := s.supervisor.LastError(); cause != nil {
			return apperrors.Wrap(cause, apperrors.ErrNotConnected)
		}
		return apperrors.New(apperrors.ErrNotConnected)
	}
	if err := s.enqueueOpen(shelf, compartmentNo, reset); err != nil {
		return apperrors.Wrap(err, apperrors.ErrQueueFull)
	}
	s.logger.Info("手动开锁",
		zap.Int("shelf", shelf),
		zap.Int("compartment", compartmentNo),
		zap.Bool("reset", reset))
	return nil
}

// CalibrationAssignShelf 给当前接入的层板分配层号
func (s *LockService) CalibrationAssignShelf(shelf int) error {
	return s.calibration.AssignShelf(shelf)
}

// CalibrationAssignLine 写入线号与格口的对应关系
func (s *LockService) CalibrationAssignLine(ctx context.Context, line string, shelf, compartmentNo int) error {
	return s.mapper.CalibrationAssignLine(ctx, line, compartment.Location{Shelf: shelf, Compartment: compartmentNo})
}

// Calibration 逐格校准流程
func (s *LockService) Calibration() *Calibration {
	return s.calibration
}

// Resolve 解析线号
func (s *LockService) Resolve(ctx context.Context, line string) (compartment.Location, error) {
	return s.mapper.Resolve(ctx, line)
}

// Mappings 列出校准表
func (s *LockService) Mappings(ctx context.Context) ([]*models.CompartmentMapping, error) {
	return s.mapper.Mappings(ctx)
}

// ResetMappings 清空校准表
func (s *LockService) ResetMappings(ctx context.Context) (int64, error) {
	return s.mapper.Reset(ctx)
}

// Subscribe 订阅事件，处理函数在分发协程中执行
func (s *LockService) Subscribe(handler events.Handler) func() {
	return s.dispatcher.Subscribe(handler)
}

// OnSequenceComplete 注册开锁流程完成回调，每个流程触发一次
// 完成事件在事件队列满时也不会丢弃
func (s *LockService) OnSequenceComplete(fn func()) func() {
	return s.dispatcher.Subscribe(func(e events.Event) {
		if e.Type == events.TypeSequenceCompleted {
			fn()
		}
	})
}

// Status 返回服务状态
func (s *LockService) Status(ctx context.Context) (LockStatus, error) {
	snap, err := s.sequencer.Snapshot(ctx)
	if err != nil {
		return LockStatus{}, err
	}
	status := LockStatus{
		Device:        s.supervisor.Status(),
		Sequence:      snap,
		Calibration:   s.calibration.State(),
		DroppedEvents: s.dispatcher.Dropped(),
	}
	if appErr := deviceError(s.supervisor.LastError()); appErr != nil {
		status.DeviceErrorCode = appErr.Code
	}
	return status, nil
}

// IsConnected 串口设备是否在线
func (s *LockService) IsConnected() bool {
	return s.supervisor.IsConnected()
}

func (s *LockService) enqueueOpen(shelf, compartmentNo int, reset bool) error {
	return hardware.Enqueue(s.actions, hardware.LockOpenAction{
		Shelf:       shelf,
		Compartment: compartmentNo,
		Reset:       reset,
	})
}

// handleInbound 在通道工作协程中调用
func (s *LockService) handleInbound(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.LockClosed:
		s.sequencer.HandleLockClosed(m.Shelf, m.Compartment)
	case protocol.ReadCard:
		s.logger.Info("读卡", zap.String("card_id", m.CardID))
		s.dispatcher.Publish(events.Event{Type: events.TypeCardRead, CardID: m.CardID})
	case protocol.AssignShelfConfirmation:
		shelf, ok := s.calibration.Confirm()
		if !ok {
			s.logger.Warn("收到未预期的层号分配确认", zap.Int("number", m.Number))
			return
		}
		s.dispatcher.Publish(events.Event{Type: events.TypeShelfAssigned, Shelf: shelf})
	case protocol.LockStateReply:
		s.dispatcher.Publish(events.Event{
			Type:        events.TypeLockState,
			Shelf:       m.Shelf,
			Compartment: m.Compartment,
			Open:        m.Open,
		})
	default:
		s.logger.Debug("忽略上行消息", zap.String("type", msg.Type().String()), zap.Int("number", msg.Num()))
	}
}

func (s *LockService) handleDeviceError(err error) {
	appErr := deviceError(err)
	s.dispatcher.Publish(events.Event{
		Type:    events.TypeDeviceError,
		Code:    int(appErr.Code),
		Message: appErr.Error(),
	})
}

// deviceError 按串口层的错误链给出错误码，其余按打开失败处理
func deviceError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	code := apperrors.ErrSerialPortOpen
	switch {
	case errors.Is(err, hardware.ErrDeviceNotFound):
		code = apperrors.ErrDeviceNotFound
	case errors.Is(err, hardware.ErrPermissionDenied):
		code = apperrors.ErrDevicePermission
	case errors.Is(err, hardware.ErrDisconnected):
		code = apperrors.ErrDeviceOffline
	case errors.Is(err, hardware.ErrReadTimeout):
		code = apperrors.ErrSerialTimeout
	case errors.Is(err, hardware.ErrPortRead):
		code = apperrors.ErrSerialPortRead
	case errors.Is(err, hardware.ErrPortWrite):
		code = apperrors.ErrSerialPortWrite
	}
	return apperrors.Wrap(err, code)
}
