package hardware

import (
	"errors"
	"time"
)

var (
	// ErrDisconnected 连续读取超时达到阈值，当前会话视为断开
	ErrDisconnected = errors.New("hardware: device disconnected")
	// ErrDeviceNotFound 未找到匹配厂商ID的设备
	ErrDeviceNotFound = errors.New("hardware: device not found")
	// ErrPermissionDenied 无权访问设备
	ErrPermissionDenied = errors.New("hardware: permission denied")
	// ErrQueueFull 指令队列已满
	ErrQueueFull = errors.New("hardware: action queue full")
)

// ChannelStats 单个会话的收发统计
type ChannelStats struct {
	FramesSent       uint64    `json:"frames_sent"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesAccepted uint64    `json:"messages_accepted"`
	Duplicates       uint64    `json:"duplicates"`
	ReadTimeouts     uint64    `json:"read_timeouts"`
	ConnectedAt      time.Time `json:"connected_at"`
}

// Status 连接状态快照
type Status struct {
	Connected      bool          `json:"connected"`
	Device         string        `json:"device,omitempty"`
	Failures       int           `json:"failures"`
	Sessions       int           `json:"sessions"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorTime  time.Time     `json:"last_error_time,omitempty"`
	Uptime         time.Duration `json:"uptime"`
	Stats          ChannelStats  `json:"stats"`
	PendingActions int           `json:"pending_actions"`
}
