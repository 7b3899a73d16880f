// Package sequencer 把一组线号变成逐个开锁、等待关门的有序流程
package sequencer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/shelf-locker/internal/compartment"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/events"
	"go.uber.org/zap"
)

// DefaultWatchdogTimeout 开锁后等待关门的默认时长
const DefaultWatchdogTimeout = 60 * time.Second

// ErrNotRunning 流程循环未运行
var ErrNotRunning = errors.New("sequencer: not running")

// Config 流程参数
type Config struct {
	WatchdogTimeout time.Duration
	// StrictCloseMatch 为 true 时只接受当前格口的关门事件
	StrictCloseMatch bool
}

// Commander 下发开锁动作
type Commander interface {
	OpenLock(shelf, compartment int, reset bool) error
}

// CommanderFunc 函数形式的 Commander
type CommanderFunc func(shelf, compartment int, reset bool) error

// OpenLock 实现 Commander
func (f CommanderFunc) OpenLock(shelf, compartment int, reset bool) error {
	return f(shelf, compartment, reset)
}

// Snapshot 流程状态快照
type Snapshot struct {
	Active        bool                  `json:"active"`
	AwaitingClose bool                  `json:"awaiting_close"`
	Alarmed       bool                  `json:"alarmed"`
	Line          string                `json:"line,omitempty"`
	Location      *compartment.Location `json:"location,omitempty"`
	Current       int                   `json:"current"`
	Total         int                   `json:"total"`
	Remaining     []string              `json:"remaining"`
}

type openRequest struct {
	lines []string
	reply chan error
}

type closedEvent struct {
	shelf       int
	compartment int
}

// Sequencer 开锁流程状态机
// 全部状态只在 Run 的协程内修改，外部通过通道提交请求
type Sequencer struct {
	cfg       Config
	resolver  compartment.Resolver
	commander Commander
	publisher events.Publisher
	clock     clockwork.Clock
	logger    *zap.Logger

	openCh     chan openRequest
	closedCh   chan closedEvent
	abortCh    chan chan bool
	snapshotCh chan chan Snapshot
	done       chan struct{}
	running    atomic.Bool

	// 以下字段仅在循环协程中访问
	remaining []string
	total     int
	active    bool
	awaiting  bool
	alarmed   bool
	pendReset bool
	line      string
	location  compartment.Location
	watchdog  clockwork.Timer
	alarmC    <-chan time.Time
}

// Option 可选配置
type Option func(*Sequencer)

// WithClock 注入时钟
func WithClock(clock clockwork.Clock) Option {
	return func(s *Sequencer) { s.clock = clock }
}

// WithLogger 注入日志器
func WithLogger(log *zap.Logger) Option {
	return func(s *Sequencer) { s.logger = log }
}

// New 创建流程状态机
func New(cfg Config, resolver compartment.Resolver, commander Commander, publisher events.Publisher, opts ...Option) *Sequencer {
	if resolver == nil || commander == nil || publisher == nil {
		panic("sequencer: nil dependency")
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}

	s := &Sequencer{
		cfg:        cfg,
		resolver:   resolver,
		commander:  commander,
		publisher:  publisher,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		openCh:     make(chan openRequest),
		closedCh:   make(chan closedEvent),
		abortCh:    make(chan chan bool),
		snapshotCh: make(chan chan Snapshot),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 运行流程循环，直到 ctx 取消
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sequencer: already running")
	}
	defer close(s.done)
	defer s.disarm()

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-s.openCh:
			req.reply <- s.start(ctx, req.lines)

		case ev := <-s.closedCh:
			s.handleClosed(ctx, ev)

		case <-s.alarmC:
			s.handleAlarm()

		case reply := <-s.abortCh:
			reply <- s.abort()

		case reply := <-s.snapshotCh:
			reply <- s.snapshot()
		}
	}
}

// OpenLines 开始一组开锁流程，重复线号只保留第一次出现
func (s *Sequencer) OpenLines(ctx context.Context, lines []string) error {
	distinct := dedupLines(lines)
	if len(distinct) == 0 {
		return apperrors.New(apperrors.ErrEmptySequence)
	}

	req := openRequest{lines: distinct, reply: make(chan error, 1)}
	select {
	case s.openCh <- req:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// HandleLockClosed 上报关门事件，阻塞直到循环接收
func (s *Sequencer) HandleLockClosed(shelf, compartment int) {
	select {
	case s.closedCh <- closedEvent{shelf: shelf, compartment: compartment}:
	case <-s.done:
	}
}

// Abort 放弃当前流程，不触发完成事件；返回是否有流程被放弃
func (s *Sequencer) Abort(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case s.abortCh <- reply:
	case <-s.done:
		return false, ErrNotRunning
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return <-reply, nil
}

// Snapshot 读取当前状态
func (s *Sequencer) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.snapshotCh <- reply:
	case <-s.done:
		return Snapshot{}, ErrNotRunning
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return <-reply, nil
}

func dedupLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

func (s *Sequencer) start(ctx context.Context, lines []string) error {
	if s.active {
		return apperrors.Newf(apperrors.ErrSequenceActive, "%d/%d", s.total-len(s.remaining), s.total)
	}

	s.remaining = lines
	s.total = len(lines)
	s.active = true
	s.pendReset = true
	s.logger.Info("开始开锁流程", zap.Strings("lines", lines))

	s.openNext(ctx)
	return nil
}

// openNext 打开下一个可解析的线号，全部处理完则结束流程
func (s *Sequencer) openNext(ctx context.Context) {
	for len(s.remaining) > 0 {
		line := s.remaining[0]
		s.remaining = s.remaining[1:]
		current := s.total - len(s.remaining)

		loc, err := s.resolver.Resolve(ctx, line)
		if err == nil {
			err = s.commander.OpenLock(loc.Shelf, loc.Compartment, s.pendReset)
		}
		if err != nil {
			s.logger.Error("线号无法开锁，跳过",
				zap.String("line", line),
				zap.Int("current", current),
				zap.Error(err))
			s.publisher.Publish(events.Event{
				Type:    events.TypeLineSkipped,
				Line:    line,
				Current: current,
				Total:   s.total,
				Message: err.Error(),
			})
			continue
		}

		s.pendReset = false
		s.line = line
		s.location = loc
		s.awaiting = true
		s.alarmed = false
		s.arm()

		s.logger.Info("已下发开锁",
			zap.String("line", line),
			zap.Stringer("location", loc),
			zap.Int("current", current),
			zap.Int("total", s.total))
		s.publisher.Publish(events.Event{
			Type:        events.TypeLockOpened,
			Line:        line,
			Current:     current,
			Total:       s.total,
			Shelf:       loc.Shelf,
			Compartment: loc.Compartment,
		})
		return
	}
	s.finish()
}

func (s *Sequencer) handleClosed(ctx context.Context, ev closedEvent) {
	if !s.awaiting {
		s.logger.Debug("无等待中的格口，忽略关门事件",
			zap.Int("shelf", ev.shelf),
			zap.Int("compartment", ev.compartment))
		return
	}
	if s.cfg.StrictCloseMatch && (ev.shelf != s.location.Shelf || ev.compartment != s.location.Compartment) {
		s.logger.Warn("关门格口与当前格口不符，忽略",
			zap.Int("shelf", ev.shelf),
			zap.Int("compartment", ev.compartment),
			zap.Stringer("expected", s.location))
		return
	}

	s.disarm()
	s.awaiting = false
	s.logger.Info("格口已关闭",
		zap.String("line", s.line),
		zap.Int("shelf", ev.shelf),
		zap.Int("compartment", ev.compartment))
	s.openNext(ctx)
}

// handleAlarm 超时只报警一次，不推进流程
func (s *Sequencer) handleAlarm() {
	s.alarmC = nil
	if !s.awaiting || s.alarmed {
		return
	}
	s.alarmed = true
	s.logger.Warn("格口超时未关闭",
		zap.String("line", s.line),
		zap.Stringer("location", s.location),
		zap.Duration("timeout", s.cfg.WatchdogTimeout))
	s.publisher.Publish(events.Event{
		Type:        events.TypeAlarm,
		Line:        s.line,
		Current:     s.total - len(s.remaining),
		Total:       s.total,
		Shelf:       s.location.Shelf,
		Compartment: s.location.Compartment,
	})
}

func (s *Sequencer) finish() {
	s.disarm()
	s.reset()
	s.logger.Info("开锁流程完成")
	s.publisher.Publish(events.Event{Type: events.TypeSequenceCompleted})
}

func (s *Sequencer) abort() bool {
	if !s.active {
		return false
	}
	s.logger.Warn("放弃开锁流程",
		zap.String("line", s.line),
		zap.Strings("remaining", s.remaining))
	s.disarm()
	s.reset()
	return true
}

func (s *Sequencer) reset() {
	s.active = false
	s.awaiting = false
	s.alarmed = false
	s.remaining = nil
	s.total = 0
	s.line = ""
	s.location = compartment.Location{}
}

// arm 全局只有一个看门狗，重新计时前先停掉旧的
func (s *Sequencer) arm() {
	s.disarm()
	s.watchdog = s.clock.NewTimer(s.cfg.WatchdogTimeout)
	s.alarmC = s.watchdog.Chan()
}

func (s *Sequencer) disarm() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.alarmC = nil
}

func (s *Sequencer) snapshot() Snapshot {
	snap := Snapshot{
		Active:        s.active,
		AwaitingClose: s.awaiting,
		Alarmed:       s.alarmed,
		Line:          s.line,
		Total:         s.total,
		Current:       s.total - len(s.remaining),
		Remaining:     append([]string{}, s.remaining...),
	}
	if s.awaiting {
		loc := s.location
		snap.Location = &loc
	}
	return snap
}
