package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/shelf-locker/internal/protocol"
)

// quietConfig 测试用参数：单次发送、不发心跳、不易判定断线
func quietConfig() ChannelConfig {
	return ChannelConfig{
		Repeat:          1,
		RepeatInterval:  time.Millisecond,
		ReadTimeout:     5 * time.Millisecond,
		MaxReadTimeouts: 1000,
		PingInterval:    time.Hour,
		LoopInterval:    time.Millisecond,
	}
}

func runChannel(t *testing.T, ch *Channel) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestChannelDropsDuplicateAndStaleNumbers(t *testing.T) {
	transport := newFakeTransport()
	handler := &recordingHandler{}
	ch := NewChannel(quietConfig(), transport, make(chan Action), handler.handle)

	transport.feed(
		protocol.Encode(protocol.LockClosed{Number: 5, Shelf: 1, Compartment: 2}),
		protocol.Encode(protocol.LockClosed{Number: 5, Shelf: 1, Compartment: 2}),
		protocol.Encode(protocol.LockClosed{Number: 3, Shelf: 1, Compartment: 3}),
		protocol.Encode(protocol.LockClosed{Number: 6, Shelf: 1, Compartment: 4}),
	)
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		return len(handler.messages()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	// 等待可能的错误投递
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []protocol.Message{
		protocol.LockClosed{Number: 5, Shelf: 1, Compartment: 2},
		protocol.LockClosed{Number: 6, Shelf: 1, Compartment: 4},
	}, handler.messages())
	assert.Equal(t, uint64(2), ch.Stats().Duplicates)

	// 每条被接受的消息都回复一次确认，序列号从0递增
	assert.Equal(t, []protocol.Message{
		protocol.Acknowledgement{Number: 0, Target: 5},
		protocol.Acknowledgement{Number: 1, Target: 6},
	}, transport.sent())
}

func TestChannelAcknowledgementsAreNotDelivered(t *testing.T) {
	transport := newFakeTransport()
	handler := &recordingHandler{}
	ch := NewChannel(quietConfig(), transport, make(chan Action), handler.handle)

	transport.feed(
		protocol.Encode(protocol.Acknowledgement{Number: 1, Target: 0}),
		protocol.Encode(protocol.ReadCard{Number: 2, CardID: "04A1B2"}),
	)
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		return len(handler.messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.ReadCard{Number: 2, CardID: "04A1B2"}, handler.messages()[0])

	require.Eventually(t, func() bool {
		return len(transport.sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.Acknowledgement{Number: 0, Target: 2}, transport.sent()[0])
}

func TestChannelRecoversFrameAfterTruncatedCopy(t *testing.T) {
	transport := newFakeTransport()
	handler := &recordingHandler{}
	ch := NewChannel(quietConfig(), transport, make(chan Action), handler.handle)

	// 第一份拷贝在负载中途被截断，紧接着是完整的第二份
	closed := protocol.Encode(protocol.LockClosed{Number: 9, Shelf: 1, Compartment: 7})
	transport.feed(closed[:9], closed)
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		return len(handler.messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.LockClosed{Number: 9, Shelf: 1, Compartment: 7}, handler.messages()[0])
}

func TestChannelRepeatsLockOpenWithReset(t *testing.T) {
	transport := newFakeTransport()
	cfg := quietConfig()
	cfg.Repeat = 3
	actions := NewActionQueue(4)
	ch := NewChannel(cfg, transport, actions, func(protocol.Message) {})

	actions <- LockOpenAction{Shelf: 2, Compartment: 8, Reset: true}
	actions <- LockOpenAction{Shelf: 2, Compartment: 9}
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		return len(transport.sent()) == 9
	}, 2*time.Second, 5*time.Millisecond)

	reset := protocol.ResetLock{Number: 0, Shelf: 2}
	first := protocol.OpenLock{Number: 1, Shelf: 2, Compartment: 8}
	second := protocol.OpenLock{Number: 2, Shelf: 2, Compartment: 9}
	assert.Equal(t, []protocol.Message{
		reset, reset, reset,
		first, first, first,
		second, second, second,
	}, transport.sent())
}

func TestChannelAssignShelf(t *testing.T) {
	transport := newFakeTransport()
	actions := NewActionQueue(1)
	ch := NewChannel(quietConfig(), transport, actions, func(protocol.Message) {})

	require.NoError(t, Enqueue(actions, AssignShelfAction{Shelf: 4}))
	assert.ErrorIs(t, Enqueue(actions, AssignShelfAction{Shelf: 5}), ErrQueueFull)
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		return len(transport.sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.AssignShelf{Number: 0, Shelf: 4}, transport.sent()[0])
}

func TestChannelPingsWhenIdle(t *testing.T) {
	transport := newFakeTransport()
	cfg := quietConfig()
	cfg.PingInterval = 20 * time.Millisecond
	ch := NewChannel(cfg, transport, make(chan Action), func(protocol.Message) {})
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		return len(transport.sent()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	sent := transport.sent()
	assert.Equal(t, protocol.LockStateRequest{Number: 0}, sent[0])
	assert.Equal(t, protocol.LockStateRequest{Number: 1}, sent[1])
}

func TestChannelDisconnectAfterConsecutiveTimeouts(t *testing.T) {
	transport := newFakeTransport()
	cfg := quietConfig()
	cfg.MaxReadTimeouts = 3
	ch := NewChannel(cfg, transport, make(chan Action), func(protocol.Message) {})

	err := ch.Run(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, uint64(3), ch.Stats().ReadTimeouts)
}

func TestChannelWriteErrorEndsSession(t *testing.T) {
	transport := newFakeTransport()
	transport.writeErr = errors.New("input/output error")
	actions := NewActionQueue(1)
	actions <- AssignShelfAction{Shelf: 1}
	ch := NewChannel(quietConfig(), transport, actions, func(protocol.Message) {})

	err := ch.Run(context.Background())
	assert.EqualError(t, err, "input/output error")
}

func TestChannelAcceptWraparound(t *testing.T) {
	ch := NewChannel(quietConfig(), newFakeTransport(), make(chan Action), func(protocol.Message) {})

	assert.True(t, ch.accept(0x7FFE), "会话第一条消息总是接受")
	assert.True(t, ch.accept(0x7FFF))
	assert.True(t, ch.accept(0x0001), "回绕后的序列号视为新消息")
	assert.False(t, ch.accept(0x7FFF), "回绕前的序列号视为旧消息")
	assert.False(t, ch.accept(0x0001))
	assert.True(t, ch.accept(0x3FFF))
	assert.False(t, ch.accept(0x3FFF+0x4000), "超出前向半窗口")
}

func TestNewChannelPanicsWithoutHandler(t *testing.T) {
	assert.Panics(t, func() {
		NewChannel(quietConfig(), newFakeTransport(), make(chan Action), nil)
	})
}
