package service

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"github.com/wfunc/shelf-locker/internal/models"
	"github.com/wfunc/shelf-locker/internal/protocol"
	"github.com/wfunc/shelf-locker/internal/repository"
)

func newTestSerialLogService(t *testing.T, opts SerialLogOptions) (*SerialLogService, *repository.SerialLogRepository) {
	repo := repository.NewSerialLogRepository(repository.SetupTestDB(t))
	svc := NewSerialLogService(repo, opts)
	t.Cleanup(svc.Close)
	return svc, repo
}

func countLogs(t *testing.T, repo *repository.SerialLogRepository) int64 {
	_, total, err := repo.Query(context.Background(), &models.SerialLogQuery{})
	require.NoError(t, err)
	return total
}

func TestSerialLogServiceFlushOnClose(t *testing.T) {
	svc, repo := newTestSerialLogService(t, SerialLogOptions{})

	open := protocol.OpenLock{Number: 7, Shelf: 2, Compartment: 8}
	svc.RecordFrame(hardware.DirectionTx, open, protocol.Encode(open))
	card := protocol.ReadCard{Number: 3, CardID: "04A1"}
	svc.RecordFrame(hardware.DirectionRx, card, protocol.Encode(card))
	svc.Close()

	logs, total, err := repo.Query(context.Background(), &models.SerialLogQuery{MsgType: "open_lock"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, models.SerialDirectionSend, logs[0].Direction)
	assert.Equal(t, 7, logs[0].Number)
	assert.Equal(t, 2, logs[0].Shelf)
	assert.Equal(t, 8, logs[0].Compartment)
	assert.Equal(t, svc.SessionID(), logs[0].SessionID)
	assert.Equal(t, len(protocol.Encode(open)), logs[0].BytesCount)
	assert.Contains(t, logs[0].RawData, `\x02`)

	logs, _, err = repo.Query(context.Background(), &models.SerialLogQuery{Direction: models.SerialDirectionReceive})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "04A1", logs[0].CardID)
}

func TestSerialLogServiceFlushOnBatchSize(t *testing.T) {
	svc, repo := newTestSerialLogService(t, SerialLogOptions{BatchSize: 2, FlushInterval: time.Hour})

	ack := protocol.Acknowledgement{Number: 1, Target: 4}
	svc.RecordFrame(hardware.DirectionTx, ack, protocol.Encode(ack))
	svc.RecordFrame(hardware.DirectionTx, ack, protocol.Encode(ack))

	require.Eventually(t, func() bool {
		return countLogs(t, repo) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSerialLogServiceFlushOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, repo := newTestSerialLogService(t, SerialLogOptions{Clock: clock, FlushInterval: 5 * time.Second})

	ping := protocol.LockStateRequest{Number: 9}
	svc.RecordFrame(hardware.DirectionTx, ping, protocol.Encode(ping))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// 等待写入协程取走缓冲
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, countLogs(t, repo))

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return countLogs(t, repo) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
