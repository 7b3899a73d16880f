package hardware

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/wfunc/shelf-locker/internal/protocol"
)

// MockSerialPort 内存模拟串口，读取在有数据或关闭前阻塞
type MockSerialPort struct {
	mock.Mock
	mu          sync.Mutex
	writeBuffer bytes.Buffer
	incoming    chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewMockSerialPort 创建模拟串口
func NewMockSerialPort() *MockSerialPort {
	m := &MockSerialPort{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	m.On("Flush").Return(nil)
	return m
}

// Inject 模拟下位机发送数据
func (m *MockSerialPort) Inject(data []byte) {
	m.incoming <- data
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	select {
	case data := <-m.incoming:
		return copy(p, data), nil
	case <-m.closed:
		return 0, io.EOF
	}
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuffer.Write(p)
}

func (m *MockSerialPort) Flush() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockSerialPort) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Written 返回已写入的全部字节
func (m *MockSerialPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuffer.Bytes()...)
}

// fakeTransport 直接在字节层面驱动通道
type fakeTransport struct {
	mu       sync.Mutex
	inbound  chan byte
	frames   [][]byte
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan byte, 4096)}
}

func (f *fakeTransport) feed(frames ...[]byte) {
	for _, frame := range frames {
		for _, b := range frame {
			f.inbound <- b
		}
	}
}

func (f *fakeTransport) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-f.inbound:
		return b, nil
	case <-time.After(timeout):
		return 0, ErrReadTimeout
	}
}

func (f *fakeTransport) WriteBytes(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

// sent 解码所有已写出的帧
func (f *fakeTransport) sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var msgs []protocol.Message
	for _, frame := range f.frames {
		msg, _ := protocol.Decode(bytes.NewReader(frame))
		msgs = append(msgs, msg)
	}
	return msgs
}

// recordingHandler 线程安全地收集上行消息
type recordingHandler struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recordingHandler) handle(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingHandler) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}
