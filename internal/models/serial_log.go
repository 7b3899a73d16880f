package models

import (
	"time"

	"gorm.io/gorm"
)

// 帧方向
const (
	SerialDirectionSend    = "SEND"
	SerialDirectionReceive = "RECEIVE"
)

// SerialLog 串口帧审计日志，每条收发的帧一行
type SerialLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	Direction string `gorm:"type:varchar(10);index;not null" json:"direction"` // SEND/RECEIVE
	MsgType   string `gorm:"type:varchar(40);index" json:"msg_type"`           // 消息类型，如 open_lock
	Number    int    `gorm:"index" json:"number"`                              // 帧序列号

	// 业务字段，按消息类型填写
	Shelf       int    `json:"shelf,omitempty"`
	Compartment int    `json:"compartment,omitempty"`
	Target      int    `json:"target,omitempty"` // 确认帧的目标序列号
	CardID      string `gorm:"type:varchar(64)" json:"card_id,omitempty"`

	RawData    string `gorm:"type:text" json:"raw_data,omitempty"` // 可打印部分
	HexData    string `gorm:"type:text" json:"hex_data,omitempty"`
	BytesCount int    `gorm:"default:0" json:"bytes_count"`

	SessionID string `gorm:"type:varchar(64);index" json:"session_id,omitempty"` // 进程级审计会话
	Timestamp int64  `gorm:"index" json:"timestamp"`                             // Unix毫秒
}

// TableName 指定表名
func (SerialLog) TableName() string {
	return "serial_logs"
}

// BeforeCreate 创建前补齐时间
func (s *SerialLog) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Timestamp == 0 {
		s.Timestamp = s.CreatedAt.UnixMilli()
	}
	return nil
}

// SerialLogQuery 查询参数
type SerialLogQuery struct {
	Direction string     `form:"direction" json:"direction,omitempty"`
	MsgType   string     `form:"msg_type" json:"msg_type,omitempty"`
	SessionID string     `form:"session_id" json:"session_id,omitempty"`
	Shelf     *int       `form:"shelf" json:"shelf,omitempty"`
	StartTime *time.Time `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00" json:"start_time,omitempty"`
	EndTime   *time.Time `form:"end_time" time_format:"2006-01-02T15:04:05Z07:00" json:"end_time,omitempty"`
	Limit     int        `form:"limit" json:"limit,omitempty"`
	Offset    int        `form:"offset" json:"offset,omitempty"`
}

// SerialLogStats 统计信息
type SerialLogStats struct {
	TotalCount   int64            `json:"total_count"`
	TotalSend    int64            `json:"total_send"`
	TotalReceive int64            `json:"total_receive"`
	ByType       map[string]int64 `json:"by_type"`
}
