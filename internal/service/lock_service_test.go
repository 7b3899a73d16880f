package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/shelf-locker/internal/compartment"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/events"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"github.com/wfunc/shelf-locker/internal/protocol"
	"github.com/wfunc/shelf-locker/internal/repository"
	"github.com/wfunc/shelf-locker/internal/sequencer"
)

// simulatedPort 模拟下位机串口
type simulatedPort struct {
	toHost    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   bytes.Buffer
}

func newSimulatedPort() *simulatedPort {
	return &simulatedPort{
		toHost: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *simulatedPort) Read(b []byte) (int, error) {
	select {
	case data := <-p.toHost:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *simulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *simulatedPort) Flush() error { return nil }

func (p *simulatedPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *simulatedPort) send(msg protocol.Message) {
	p.toHost <- protocol.Encode(msg)
}

// received 解码主机写出的全部消息
func (p *simulatedPort) received() []protocol.Message {
	p.mu.Lock()
	data := append([]byte(nil), p.written.Bytes()...)
	p.mu.Unlock()

	r := bytes.NewReader(data)
	var msgs []protocol.Message
	for {
		msg, err := protocol.Decode(r)
		if err != nil {
			return msgs
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
}

func (p *simulatedPort) opens() []protocol.OpenLock {
	var out []protocol.OpenLock
	for _, msg := range p.received() {
		if m, ok := msg.(protocol.OpenLock); ok {
			m.Number = 0
			out = append(out, m)
		}
	}
	return out
}

type staticFinder string

func (f staticFinder) Find() (string, error) { return string(f), nil }

type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) handle(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) ofType(typ events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testLockConfig() LockServiceConfig {
	return LockServiceConfig{
		Supervisor: hardware.SupervisorConfig{
			ReconnectInterval:   10 * time.Millisecond,
			ErrorAfterFailures:  3,
			ErrorReportInterval: time.Hour,
			QueueSize:           4096,
		},
		Channel: hardware.ChannelConfig{
			Repeat:          1,
			RepeatInterval:  time.Millisecond,
			ReadTimeout:     20 * time.Millisecond,
			MaxReadTimeouts: 1000,
			PingInterval:    time.Hour,
			LoopInterval:    time.Millisecond,
		},
		Sequencer:       sequencer.Config{WatchdogTimeout: time.Minute},
		ActionQueueSize: 16,
		EventQueueSize:  64,
	}
}

func startLockService(t *testing.T) (*LockService, *simulatedPort) {
	t.Helper()
	port := newSimulatedPort()
	opener := func(string) (hardware.SerialPort, error) { return port, nil }
	mapper := compartment.NewMapper(repository.NewCompartmentRepository(repository.SetupTestDB(t)), nil)
	svc := NewLockService(testLockConfig(), mapper, staticFinder("/dev/ttyACM0"), opener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, svc.IsConnected, 5*time.Second, 5*time.Millisecond)
	return svc, port
}

func TestLockServiceSequenceEndToEnd(t *testing.T) {
	svc, port := startLockService(t)
	collector := &eventCollector{}
	svc.Subscribe(collector.handle)
	var completed atomic.Int32
	svc.OnSequenceComplete(func() { completed.Add(1) })

	ctx := context.Background()
	require.NoError(t, svc.OpenLines(ctx, []string{"101", "101", "102"}))

	require.Eventually(t, func() bool { return len(port.opens()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.OpenLock{Shelf: 1, Compartment: 7}, port.opens()[0])

	// 第一个开锁前先复位
	var sawReset bool
	for _, msg := range port.received() {
		if m, ok := msg.(protocol.ResetLock); ok && m.Shelf == 1 {
			sawReset = true
		}
	}
	assert.True(t, sawReset)

	port.send(protocol.LockClosed{Number: 1, Shelf: 1, Compartment: 7})
	require.Eventually(t, func() bool { return len(port.opens()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.OpenLock{Shelf: 1, Compartment: 1}, port.opens()[1])
	assert.Zero(t, completed.Load())

	port.send(protocol.LockClosed{Number: 2, Shelf: 1, Compartment: 1})
	require.Eventually(t, func() bool { return completed.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	opened := collector.ofType(events.TypeLockOpened)
	require.Len(t, opened, 2)
	assert.Equal(t, 2, opened[1].Current)
	assert.Equal(t, 2, opened[1].Total)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Sequence.Active)
	assert.True(t, status.Device.Connected)

	// 上行消息都得到确认
	require.Eventually(t, func() bool {
		targets := map[int]bool{}
		for _, msg := range port.received() {
			if ack, ok := msg.(protocol.Acknowledgement); ok {
				targets[ack.Target] = true
			}
		}
		return targets[1] && targets[2]
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLockServiceCardReadAndShelfConfirmation(t *testing.T) {
	svc, port := startLockService(t)
	collector := &eventCollector{}
	svc.Subscribe(collector.handle)

	port.send(protocol.ReadCard{Number: 5, CardID: "04A1B2C3"})
	require.Eventually(t, func() bool {
		return len(collector.ofType(events.TypeCardRead)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "04A1B2C3", collector.ofType(events.TypeCardRead)[0].CardID)

	require.NoError(t, svc.CalibrationAssignShelf(3))
	require.Eventually(t, func() bool {
		for _, msg := range port.received() {
			if m, ok := msg.(protocol.AssignShelf); ok && m.Shelf == 3 {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	port.send(protocol.AssignShelfConfirmation{Number: 6})
	require.Eventually(t, func() bool {
		return len(collector.ofType(events.TypeShelfAssigned)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, collector.ofType(events.TypeShelfAssigned)[0].Shelf)
}

func TestLockServiceOpenSpecificLockAndMappings(t *testing.T) {
	svc, port := startLockService(t)
	ctx := context.Background()

	require.NoError(t, svc.OpenSpecificLock(4, 2, false))
	require.Eventually(t, func() bool { return len(port.opens()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.OpenLock{Shelf: 4, Compartment: 2}, port.opens()[0])
	assert.Error(t, svc.OpenSpecificLock(-1, 2, false))

	require.NoError(t, svc.CalibrationAssignLine(ctx, "203", 9, 1))
	loc, err := svc.Resolve(ctx, "203")
	require.NoError(t, err)
	assert.Equal(t, compartment.Location{Shelf: 9, Compartment: 1}, loc)

	mappings, err := svc.Mappings(ctx)
	require.NoError(t, err)
	assert.Len(t, mappings, 1)

	removed, err := svc.ResetMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestLockServiceRunTwice(t *testing.T) {
	svc, _ := startLockService(t)
	assert.Error(t, svc.Run(context.Background()))
}

type missingFinder struct{}

func (missingFinder) Find() (string, error) {
	return "", fmt.Errorf("%w: vendor_id=2341", hardware.ErrDeviceNotFound)
}

func TestLockServiceOfflineRejectsManualOpen(t *testing.T) {
	opener := func(string) (hardware.SerialPort, error) { return nil, hardware.ErrDeviceNotFound }
	mapper := compartment.NewMapper(repository.NewCompartmentRepository(repository.SetupTestDB(t)), nil)
	svc := NewLockService(testLockConfig(), mapper, missingFinder{}, opener)
	collector := &eventCollector{}
	svc.Subscribe(collector.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		return len(collector.ofType(events.TypeDeviceError)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	reported := collector.ofType(events.TypeDeviceError)[0]
	assert.Equal(t, int(apperrors.ErrDeviceNotFound), reported.Code)
	assert.Contains(t, reported.Message, "vendor_id=2341")

	err := svc.OpenSpecificLock(1, 0, true)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotConnected))
	assert.ErrorIs(t, err, hardware.ErrDeviceNotFound)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Device.Connected)
	assert.Equal(t, apperrors.ErrDeviceNotFound, status.DeviceErrorCode)
	// 离线时拒绝的指令不会留在队列里等重连
	assert.Zero(t, status.Device.PendingActions)
}

func TestDeviceErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrorCode
	}{
		{"未找到设备", fmt.Errorf("连续3次连接下位机失败: %w", hardware.ErrDeviceNotFound), apperrors.ErrDeviceNotFound},
		{"无权访问", fmt.Errorf("%w: /dev/ttyACM0", hardware.ErrPermissionDenied), apperrors.ErrDevicePermission},
		{"读取超时断开", fmt.Errorf("与下位机的连接中断: %w", hardware.ErrDisconnected), apperrors.ErrDeviceOffline},
		{"单次超时", hardware.ErrReadTimeout, apperrors.ErrSerialTimeout},
		{"读取失败", fmt.Errorf("%w: %w", hardware.ErrPortRead, io.ErrUnexpectedEOF), apperrors.ErrSerialPortRead},
		{"写入失败", fmt.Errorf("%w: %w", hardware.ErrPortWrite, io.ErrShortWrite), apperrors.ErrSerialPortWrite},
		{"打开失败", errors.New("打开串口 /dev/ttyACM0 失败: device busy"), apperrors.ErrSerialPortOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := deviceError(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.want, appErr.Code)
			assert.ErrorIs(t, appErr, tt.err)
		})
	}
	assert.Nil(t, deviceError(nil))
}
