// Package events 把核心状态变化投递给界面层和其他订阅方
package events

import (
	"fmt"
	"time"
)

// Type 事件类型
type Type string

const (
	TypeLockOpened        Type = "lock_opened"        // 已下发开锁，current/total
	TypeSequenceCompleted Type = "sequence_completed" // 整组格口均已关闭
	TypeCardRead          Type = "card_read"          // 刷卡
	TypeAlarm             Type = "alarm"              // 开锁后超时未关门
	TypeDeviceError       Type = "device_error"       // 串口设备异常
	TypeShelfAssigned     Type = "shelf_assigned"     // 层板号分配确认
	TypeLockState         Type = "lock_state"         // 锁状态应答
	TypeLineSkipped       Type = "line_skipped"       // 线号无法解析，已跳过
)

// mustDeliver 队列满时也不能丢弃的事件
func (t Type) mustDeliver() bool {
	return t == TypeSequenceCompleted
}

// Event 事件，字段按类型填写
type Event struct {
	Type        Type      `json:"type"`
	Line        string    `json:"line,omitempty"`
	Current     int       `json:"current,omitempty"`
	Total       int       `json:"total,omitempty"`
	Shelf       int       `json:"shelf,omitempty"`
	Compartment int       `json:"compartment,omitempty"`
	Open        bool      `json:"open,omitempty"`
	CardID      string    `json:"card_id,omitempty"`
	Code        int       `json:"code,omitempty"` // device_error 的错误码
	Message     string    `json:"message,omitempty"`
	Time        time.Time `json:"time"`
}

func (e Event) String() string {
	switch e.Type {
	case TypeLockOpened:
		return fmt.Sprintf("%s %d/%d line=%s", e.Type, e.Current, e.Total, e.Line)
	case TypeAlarm:
		return fmt.Sprintf("%s line=%s at %d/%d", e.Type, e.Line, e.Shelf, e.Compartment)
	case TypeCardRead:
		return fmt.Sprintf("%s %s", e.Type, e.CardID)
	case TypeDeviceError, TypeLineSkipped:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	default:
		return string(e.Type)
	}
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(Event)
}

// PublisherFunc 函数形式的发布者
type PublisherFunc func(Event)

// Publish 实现 Publisher
func (f PublisherFunc) Publish(e Event) { f(e) }
