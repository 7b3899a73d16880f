package service

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"github.com/wfunc/shelf-locker/internal/logger"
	"github.com/wfunc/shelf-locker/internal/models"
	"github.com/wfunc/shelf-locker/internal/protocol"
	"github.com/wfunc/shelf-locker/internal/repository"
	"go.uber.org/zap"
)

// SerialLogOptions 审计日志写入参数
type SerialLogOptions struct {
	FlushInterval time.Duration // 定时批量写入间隔
	BatchSize     int           // 缓冲达到该条数立即写入
	BufferSize    int           // 待写入队列容量，满时丢弃
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// SerialLogService 串口帧审计服务
type SerialLogService struct {
	repo      *repository.SerialLogRepository
	opts      SerialLogOptions
	logger    *zap.Logger
	buffer    []*models.SerialLog
	bufferCh  chan *models.SerialLog
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	sessionID string
}

// NewSerialLogService 创建串口日志服务并启动后台写入协程
func NewSerialLogService(repo *repository.SerialLogRepository, opts SerialLogOptions) *SerialLogService {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &SerialLogService{
		repo:      repo,
		opts:      opts,
		logger:    opts.Logger,
		buffer:    make([]*models.SerialLog, 0, opts.BatchSize),
		bufferCh:  make(chan *models.SerialLog, opts.BufferSize),
		stopCh:    make(chan struct{}),
		sessionID: uuid.New().String(),
	}

	s.wg.Add(1)
	go s.backgroundWriter()
	return s
}

var _ hardware.FrameRecorder = (*SerialLogService)(nil)

// SessionID 本次进程的审计会话ID
func (s *SerialLogService) SessionID() string {
	return s.sessionID
}

// RecordFrame 记录一帧，由通道工作协程调用，不阻塞
func (s *SerialLogService) RecordFrame(direction string, msg protocol.Message, frame []byte) {
	number := 0
	if msg != nil {
		number = msg.Num()
	}
	logger.LogSerialFrame(direction, number, frame)

	entry := &models.SerialLog{
		Direction:  models.SerialDirectionSend,
		Number:     number,
		RawData:    printable(frame),
		HexData:    hex.EncodeToString(frame),
		BytesCount: len(frame),
		SessionID:  s.sessionID,
		CreatedAt:  s.opts.Clock.Now(),
	}
	if direction == hardware.DirectionRx {
		entry.Direction = models.SerialDirectionReceive
	}
	fillMessageFields(entry, msg)

	select {
	case s.bufferCh <- entry:
	default:
		s.logger.Warn("串口日志缓冲区满，丢弃日志", zap.String("msg_type", entry.MsgType))
	}
}

func fillMessageFields(entry *models.SerialLog, msg protocol.Message) {
	if msg == nil {
		return
	}
	entry.MsgType = msg.Type().String()

	switch m := msg.(type) {
	case protocol.Acknowledgement:
		entry.Target = m.Target
	case protocol.OpenLock:
		entry.Shelf, entry.Compartment = m.Shelf, m.Compartment
	case protocol.ResetLock:
		entry.Shelf = m.Shelf
	case protocol.AssignShelf:
		entry.Shelf = m.Shelf
	case protocol.LockStateRequest:
		entry.Shelf, entry.Compartment = m.Shelf, m.Compartment
	case protocol.LockStateReply:
		entry.Shelf, entry.Compartment = m.Shelf, m.Compartment
	case protocol.ReadCard:
		entry.CardID = m.CardID
	case protocol.LockClosed:
		entry.Shelf, entry.Compartment = m.Shelf, m.Compartment
	}
}

// printable 控制字符转义后的帧文本
func printable(frame []byte) string {
	quoted := strconv.QuoteToASCII(string(frame))
	return quoted[1 : len(quoted)-1]
}

// backgroundWriter 后台写入协程
func (s *SerialLogService) backgroundWriter() {
	defer s.wg.Done()

	ticker := s.opts.Clock.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.bufferCh:
			s.buffer = append(s.buffer, entry)
			// 缓冲区满立即写入
			if len(s.buffer) >= s.opts.BatchSize {
				s.flushBuffer()
			}

		case <-ticker.Chan():
			s.flushBuffer()

		case <-s.stopCh:
			// 退出前写入剩余的日志
			for {
				select {
				case entry := <-s.bufferCh:
					s.buffer = append(s.buffer, entry)
				default:
					s.flushBuffer()
					return
				}
			}
		}
	}
}

// flushBuffer 写入缓冲区的日志到数据库
func (s *SerialLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	if err := s.repo.CreateBatch(context.Background(), s.buffer); err != nil {
		s.logger.Error("批量写入串口日志失败", zap.Error(err), zap.Int("count", len(s.buffer)))
	} else {
		s.logger.Debug("批量写入串口日志成功", zap.Int("count", len(s.buffer)))
	}

	// 重新分配，已提交的切片可能仍被gorm引用
	s.buffer = make([]*models.SerialLog, 0, s.opts.BatchSize)
}

// Query 查询日志
func (s *SerialLogService) Query(ctx context.Context, query *models.SerialLogQuery) ([]*models.SerialLog, int64, error) {
	return s.repo.Query(ctx, query)
}

// GetStats 获取统计信息
func (s *SerialLogService) GetStats(ctx context.Context, since *time.Time) (*models.SerialLogStats, error) {
	return s.repo.GetStats(ctx, since)
}

// CleanupOldLogs 清理旧日志
func (s *SerialLogService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	return s.repo.CleanupLogs(ctx, retentionDays)
}

// Close 停止后台协程并写入剩余日志
func (s *SerialLogService) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
