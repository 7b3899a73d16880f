package events

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultQueueSize 默认事件队列容量
const DefaultQueueSize = 256

// Handler 事件处理函数，在分发协程中顺序调用
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher 事件分发器
// 所有处理函数都在同一个协程中按发布顺序执行，对订阅方相当于界面线程
// 普通事件走有界队列，满了就丢；流程完成事件在队列满时转入不限长的溢出列表
type Dispatcher struct {
	queue   chan Event
	wake    chan struct{}
	logger  *zap.Logger
	now     func() time.Time
	running atomic.Bool
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	overflowMu sync.Mutex
	overflow   []Event
}

// NewDispatcher 创建分发器
func NewDispatcher(queueSize int, log *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		queue:  make(chan Event, queueSize),
		wake:   make(chan struct{}, 1),
		logger: log,
		now:    time.Now,
	}
}

// Subscribe 注册处理函数，返回取消函数
func (d *Dispatcher) Subscribe(h Handler) func() {
	if h == nil {
		panic("events: nil handler")
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(id) })
	}
}

func (d *Dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Publish 投递事件，不阻塞；队列满时丢弃并记录，流程完成事件除外
func (d *Dispatcher) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = d.now()
	}
	select {
	case d.queue <- e:
		return
	default:
	}

	if e.Type.mustDeliver() {
		d.overflowMu.Lock()
		d.overflow = append(d.overflow, e)
		d.overflowMu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
		d.logger.Warn("事件队列已满，转入溢出列表", zap.Stringer("event", e))
		return
	}

	d.dropped.Add(1)
	d.logger.Warn("事件队列已满，丢弃事件", zap.Stringer("event", e))
}

// Dropped 返回因队列满丢弃的事件数
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run 运行分发循环，ctx 取消后投递完已排队的事件再返回
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("events: dispatcher already running")
	}
	defer d.running.Store(false)

	// 启动前已溢出的事件
	d.flushOverflow()

	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.wake:
			d.flushOverflow()
		case <-ctx.Done():
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					d.flushOverflow()
					return nil
				}
			}
		}
	}
}

// flushOverflow 先投递队列里已有的事件，再投递溢出事件
func (d *Dispatcher) flushOverflow() {
	d.overflowMu.Lock()
	pending := d.overflow
	d.overflow = nil
	d.overflowMu.Unlock()
	if len(pending) == 0 {
		return
	}

	for n := len(d.queue); n > 0; n-- {
		d.deliver(<-d.queue)
	}
	for _, e := range pending {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.mu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		d.call(s.handler, e)
	}
}

// call 单个处理函数崩溃不影响其他订阅方
func (d *Dispatcher) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("事件处理函数崩溃",
				zap.Any("panic", r),
				zap.Stringer("event", e),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	h(e)
}
