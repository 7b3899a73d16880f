package hardware

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/shelf-locker/internal/protocol"
	"go.uber.org/zap"
)

// 帧方向
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)

// acceptWindow 新序列号相对上一个已接受序列号的有效前向窗口
const acceptWindow = protocol.NumberModulus / 2

// InboundHandler 接收下位机上报的消息（读卡、锁关闭、层号确认、锁状态）
// 在工作goroutine中同步调用，实现方不得阻塞
type InboundHandler func(msg protocol.Message)

// FrameRecorder 记录串口收发的每一帧
type FrameRecorder interface {
	RecordFrame(direction string, msg protocol.Message, frame []byte)
}

// ChannelConfig 可靠指令通道参数
type ChannelConfig struct {
	Repeat          int           // 每条消息重复发送次数
	RepeatInterval  time.Duration // 重复发送间隔
	ReadTimeout     time.Duration // 单字节读取超时
	MaxReadTimeouts int           // 连续超时达到该值判定断线
	PingInterval    time.Duration // 空闲多久发送一次心跳
	LoopInterval    time.Duration // 每轮循环后的休眠
}

// DefaultChannelConfig 默认通道参数
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Repeat:          5,
		RepeatInterval:  100 * time.Millisecond,
		ReadTimeout:     500 * time.Millisecond,
		MaxReadTimeouts: 5,
		PingInterval:    time.Second,
		LoopInterval:    10 * time.Millisecond,
	}
}

// Channel 可靠指令通道
//
// 每个连接会话创建一个，只在一个工作goroutine中运行。发送不等待确认，
// 每条消息以相同序列号盲发Repeat次；接收端按序列号窗口去重。
type Channel struct {
	cfg       ChannelConfig
	transport ByteTransport
	actions   <-chan Action
	handler   InboundHandler
	recorder  FrameRecorder
	clock     clockwork.Clock
	logger    *zap.Logger

	// 会话状态，只在Run所在goroutine中访问
	nextNumber   int
	lastReceived int
	received     bool
	timeouts     int
	lastSend     time.Time
	lastByte     byte
	unread       bool

	framesSent       atomic.Uint64
	messagesSent     atomic.Uint64
	messagesAccepted atomic.Uint64
	duplicates       atomic.Uint64
	readTimeouts     atomic.Uint64
}

// NewChannel 创建通道，transport、actions、handler为必需依赖
func NewChannel(cfg ChannelConfig, transport ByteTransport, actions <-chan Action, handler InboundHandler) *Channel {
	if transport == nil || actions == nil || handler == nil {
		panic("hardware: channel requires transport, action queue and inbound handler")
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}
	if cfg.MaxReadTimeouts < 1 {
		cfg.MaxReadTimeouts = 1
	}
	return &Channel{
		cfg:       cfg,
		transport: transport,
		actions:   actions,
		handler:   handler,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
}

// WithClock 替换时钟
func (c *Channel) WithClock(clock clockwork.Clock) *Channel {
	c.clock = clock
	return c
}

// WithLogger 设置日志器
func (c *Channel) WithLogger(log *zap.Logger) *Channel {
	c.logger = log
	return c
}

// WithRecorder 设置帧记录器
func (c *Channel) WithRecorder(recorder FrameRecorder) *Channel {
	c.recorder = recorder
	return c
}

// Run 运行工作循环，直到ctx取消或会话出错
// 返回ErrDisconnected表示连续读取超时，其他错误来自传输层
func (c *Channel) Run(ctx context.Context) error {
	c.lastSend = c.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.step(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.cfg.LoopInterval):
		}
	}
}

// step 执行一轮：处理一个动作、尝试解码一帧、必要时发送心跳
func (c *Channel) step() error {
	select {
	case action := <-c.actions:
		if err := c.perform(action); err != nil {
			return err
		}
	default:
	}

	msg, err := protocol.Decode(byteSource{c})
	switch {
	case err == nil:
	case errors.Is(err, ErrReadTimeout):
		// 超时是常态，计数在byteSource中完成
	default:
		return err
	}
	if msg != nil {
		if err := c.receive(msg); err != nil {
			return err
		}
	}

	if c.clock.Since(c.lastSend) >= c.cfg.PingInterval {
		return c.send(protocol.LockStateRequest{})
	}
	return nil
}

// perform 将动作转换为协议消息发送
func (c *Channel) perform(action Action) error {
	c.logger.Info("执行硬件动作", zap.Any("action", action))

	switch a := action.(type) {
	case LockOpenAction:
		if a.Reset {
			if err := c.send(protocol.ResetLock{Shelf: a.Shelf}); err != nil {
				return err
			}
		}
		return c.send(protocol.OpenLock{Shelf: a.Shelf, Compartment: a.Compartment})
	case AssignShelfAction:
		return c.send(protocol.AssignShelf{Shelf: a.Shelf})
	default:
		c.logger.Error("未知硬件动作", zap.Any("action", action))
		return nil
	}
}

// send 以下一个序列号盲发Repeat次，发送期间不可取消
func (c *Channel) send(msg protocol.Message) error {
	msg = protocol.WithNumber(msg, c.nextNumber)
	frame := protocol.Encode(msg)

	for i := 0; i < c.cfg.Repeat; i++ {
		if i > 0 {
			c.clock.Sleep(c.cfg.RepeatInterval)
		}
		if err := c.transport.WriteBytes(frame); err != nil {
			return err
		}
		c.framesSent.Add(1)
	}

	c.nextNumber = (c.nextNumber + 1) % protocol.NumberModulus
	c.lastSend = c.clock.Now()
	c.messagesSent.Add(1)

	c.logger.Debug("发送消息",
		zap.Stringer("type", msg.Type()),
		zap.Int("number", msg.Num()))
	if c.recorder != nil {
		c.recorder.RecordFrame(DirectionTx, msg, frame)
	}
	return nil
}

// receive 去重后分发上行消息，并对非确认消息回复确认
func (c *Channel) receive(msg protocol.Message) error {
	if !c.accept(msg.Num()) {
		c.duplicates.Add(1)
		return nil
	}
	c.messagesAccepted.Add(1)

	if c.recorder != nil {
		c.recorder.RecordFrame(DirectionRx, msg, protocol.Encode(msg))
	}

	if ack, ok := msg.(protocol.Acknowledgement); ok {
		c.logger.Debug("收到确认",
			zap.Int("number", ack.Number),
			zap.Int("target", ack.Target))
		return nil
	}

	c.logger.Debug("收到消息",
		zap.Stringer("type", msg.Type()),
		zap.Int("number", msg.Num()))
	c.handler(msg)

	return c.send(protocol.Acknowledgement{Target: msg.Num()})
}

// accept 判断序列号是否为新消息，是则更新高水位
// 会话的第一条消息总是接受；之后只接受模0x8000意义下前向半窗口内的序列号
func (c *Channel) accept(number int) bool {
	if c.received {
		delta := (number - c.lastReceived + protocol.NumberModulus) % protocol.NumberModulus
		if delta == 0 || delta >= acceptWindow {
			return false
		}
	}
	c.received = true
	c.lastReceived = number
	return true
}

// Stats 返回统计快照
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		FramesSent:       c.framesSent.Load(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesAccepted: c.messagesAccepted.Load(),
		Duplicates:       c.duplicates.Load(),
		ReadTimeouts:     c.readTimeouts.Load(),
	}
}

// byteSource 将传输层适配为io.ByteScanner并统计连续超时
type byteSource struct {
	c *Channel
}

func (s byteSource) ReadByte() (byte, error) {
	c := s.c
	if c.unread {
		c.unread = false
		return c.lastByte, nil
	}
	b, err := c.transport.ReadByte(c.cfg.ReadTimeout)
	if err == nil {
		c.timeouts = 0
		c.lastByte = b
		return b, nil
	}
	if errors.Is(err, ErrReadTimeout) {
		c.timeouts++
		c.readTimeouts.Add(1)
		if c.timeouts >= c.cfg.MaxReadTimeouts {
			c.logger.Warn("连续读取超时，判定断线", zap.Int("timeouts", c.timeouts))
			return 0, ErrDisconnected
		}
	}
	return 0, err
}

// UnreadByte 退回最近读到的一个字节
func (s byteSource) UnreadByte() error {
	if s.c.unread {
		return errors.New("hardware: byte already unread")
	}
	s.c.unread = true
	return nil
}
