package hardware

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrReadTimeout 单字节读取超时，属于正常情况
	ErrReadTimeout = errors.New("hardware: read timeout")
	// ErrTransportClosed 传输层已关闭或尚未打开
	ErrTransportClosed = errors.New("hardware: transport closed")
	// ErrPortRead 串口读取失败，会话结束
	ErrPortRead = errors.New("hardware: serial read failed")
	// ErrPortWrite 串口写入失败
	ErrPortWrite = errors.New("hardware: serial write failed")
)

// DefaultQueueSize 接收字节队列默认容量
const DefaultQueueSize = 1 << 20

// ByteTransport 可靠指令通道依赖的字节管道
type ByteTransport interface {
	ReadByte(timeout time.Duration) (byte, error)
	WriteBytes(data []byte) error
}

// Transport 串口字节传输层
// 接收由后台goroutine推入有界FIFO队列，写入同步完成，不含任何帧格式知识
type Transport struct {
	queueSize int
	clock     clockwork.Clock
	logger    *zap.Logger

	mu      sync.Mutex // 保护port和写入
	port    SerialPort
	queue   chan byte
	done    chan struct{}
	failed  chan struct{}
	readErr error
	dropped int

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransport 创建传输层，queueSize<=0时使用默认容量
func NewTransport(queueSize int, clock clockwork.Clock, log *zap.Logger) *Transport {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		queueSize: queueSize,
		clock:     clock,
		logger:    log,
	}
}

// Open 接管一个已打开的串口并启动接收goroutine
func (t *Transport) Open(port SerialPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return fmt.Errorf("传输层已打开")
	}

	// 丢弃打开前残留在内核缓冲区的数据
	if err := port.Flush(); err != nil {
		t.logger.Warn("清空串口缓冲区失败", zap.Error(err))
	}

	t.port = port
	t.queue = make(chan byte, t.queueSize)
	t.done = make(chan struct{})
	t.failed = make(chan struct{})

	t.wg.Add(1)
	go t.readLoop(port)
	return nil
}

// readLoop 持续读取串口并推入队列
func (t *Transport) readLoop(port SerialPort) {
	defer t.wg.Done()

	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case t.queue <- buf[i]:
			default:
				// 队列已满时丢弃新数据，依靠重复发送恢复
				t.dropped++
				if t.dropped == 1 || t.dropped%4096 == 0 {
					t.logger.Warn("接收队列已满，丢弃字节", zap.Int("dropped", t.dropped))
				}
			}
		}

		if err == nil {
			continue
		}

		select {
		case <-t.done:
			return
		default:
		}

		// 带超时的串口在没有数据时返回EOF
		if errors.Is(err, io.EOF) && n == 0 {
			select {
			case <-t.done:
				return
			case <-t.clock.After(10 * time.Millisecond):
			}
			continue
		}

		t.logger.Error("串口读取失败", zap.Error(err))
		t.readErr = err
		close(t.failed)
		return
	}
}

// ReadByte 从队列读取一个字节，超时返回ErrReadTimeout
func (t *Transport) ReadByte(timeout time.Duration) (byte, error) {
	if t.queue == nil {
		return 0, ErrTransportClosed
	}

	// 已缓冲的数据优先于错误返回
	select {
	case b := <-t.queue:
		return b, nil
	default:
	}

	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-t.queue:
		return b, nil
	case <-t.failed:
		return 0, fmt.Errorf("%w: %w", ErrPortRead, t.readErr)
	case <-t.done:
		return 0, ErrTransportClosed
	case <-timer.Chan():
		return 0, ErrReadTimeout
	}
}

// WriteBytes 同步写入全部数据
// tarm/serial的写入直接落到文件描述符，不经过用户态缓冲
func (t *Transport) WriteBytes(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrTransportClosed
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	for len(data) > 0 {
		n, err := t.port.Write(data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPortWrite, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %w", ErrPortWrite, io.ErrShortWrite)
		}
		data = data[n:]
	}
	return nil
}

// Close 关闭串口并等待接收goroutine退出
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		port := t.port
		if t.done != nil {
			close(t.done)
		}
		t.mu.Unlock()

		if port != nil {
			err = port.Close()
		}
		t.wg.Wait()
	})
	return err
}
