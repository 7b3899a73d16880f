package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestTransportReadWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := NewMockSerialPort()
	transport := NewTransport(0, nil, nil)
	require.NoError(t, transport.Open(port))
	port.AssertCalled(t, "Flush")

	port.Inject([]byte{0x02, '0', ';'})
	for _, want := range []byte{0x02, '0', ';'} {
		b, err := transport.ReadByte(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, b)
	}

	_, err := transport.ReadByte(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	require.NoError(t, transport.WriteBytes([]byte("frame")))
	assert.Equal(t, []byte("frame"), port.Written())

	require.NoError(t, transport.Close())
	assert.ErrorIs(t, transport.WriteBytes([]byte("x")), ErrTransportClosed)
	_, err = transport.ReadByte(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTransportClosed)

	// 重复关闭无副作用
	assert.NoError(t, transport.Close())
}

func TestTransportDropsWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := NewMockSerialPort()
	transport := NewTransport(2, nil, nil)
	require.NoError(t, transport.Open(port))
	defer transport.Close()

	port.Inject([]byte{1, 2, 3, 4})
	// 等待接收goroutine处理完注入的数据
	time.Sleep(50 * time.Millisecond)

	b, err := transport.ReadByte(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(1), b)
	b, err = transport.ReadByte(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(2), b)

	_, err = transport.ReadByte(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestTransportOpenTwice(t *testing.T) {
	transport := NewTransport(16, nil, nil)
	require.NoError(t, transport.Open(NewMockSerialPort()))
	defer transport.Close()

	assert.Error(t, transport.Open(NewMockSerialPort()))
}

func TestTransportReadBeforeOpen(t *testing.T) {
	transport := NewTransport(16, nil, nil)
	_, err := transport.ReadByte(time.Millisecond)
	assert.ErrorIs(t, err, ErrTransportClosed)
}
