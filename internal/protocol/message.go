// Package protocol 下位机串口帧编解码
//
// 帧格式: STX TYPE ';' NUMBER ';' LENGTH ';' PAYLOAD ';' CHECKSUM ';' LF
// 数字字段均为十进制ASCII，不定长；CHECKSUM为STX到PAYLOAD后分隔符(含)所有字节的异或值。
package protocol

// 帧定义
const (
	STX       byte = 0x02
	LF        byte = 0x0A
	Separator byte = ';'

	MaxNumber     = 0x7FFF // 序列号最大值，超出后回绕
	NumberModulus = 0x8000
	MaxPayloadLen = 1024 // 单帧负载最大长度
	maxDigits     = 9    // 数字字段最大位数
)

// Type 消息类型码
type Type int

// 消息类型码定义
const (
	TypeAcknowledgement         Type = 0 // 确认
	TypeOpenLock                Type = 1 // 开锁
	TypeResetLock               Type = 2 // 复位本层锁状态
	TypeAssignShelf             Type = 3 // 分配层号
	TypeAssignShelfConfirmation Type = 4 // 层号分配确认
	TypeLockStateRequest        Type = 5 // 锁状态查询
	TypeLockStateReply          Type = 6 // 锁状态应答
	TypeReadCard                Type = 7 // 读卡
	TypeLockClosed              Type = 8 // 锁已关闭
)

// String 返回类型名称
func (t Type) String() string {
	switch t {
	case TypeAcknowledgement:
		return "ack"
	case TypeOpenLock:
		return "open_lock"
	case TypeResetLock:
		return "reset_lock"
	case TypeAssignShelf:
		return "assign_shelf"
	case TypeAssignShelfConfirmation:
		return "assign_shelf_confirmation"
	case TypeLockStateRequest:
		return "lock_state_request"
	case TypeLockStateReply:
		return "lock_state_reply"
	case TypeReadCard:
		return "read_card"
	case TypeLockClosed:
		return "lock_closed"
	default:
		return "unknown"
	}
}

// Message 协议消息，封闭的和类型
// 只有本包内定义的结构体实现该接口
type Message interface {
	// Num 返回消息序列号
	Num() int
	// Type 返回消息类型码
	Type() Type

	isMessage()
}

// Acknowledgement 确认消息，Target为被确认的序列号
type Acknowledgement struct {
	Number int
	Target int
}

// OpenLock 开锁指令
type OpenLock struct {
	Number      int
	Shelf       int
	Compartment int
}

// ResetLock 复位指令，清除该层的锁状态
type ResetLock struct {
	Number int
	Shelf  int
}

// AssignShelf 标定时为当前连接的层板分配层号
type AssignShelf struct {
	Number int
	Shelf  int
}

// AssignShelfConfirmation 层板确认已接受层号
type AssignShelfConfirmation struct {
	Number int
}

// LockStateRequest 锁状态查询，层号0格口0用作心跳
type LockStateRequest struct {
	Number      int
	Shelf       int
	Compartment int
}

// LockStateReply 锁状态应答
type LockStateReply struct {
	Number      int
	Shelf       int
	Compartment int
	Open        bool
}

// ReadCard 读卡上报，CardID为原始卡号
type ReadCard struct {
	Number int
	CardID string
}

// LockClosed 格口门已关闭上报
type LockClosed struct {
	Number      int
	Shelf       int
	Compartment int
}

func (m Acknowledgement) Num() int         { return m.Number }
func (m OpenLock) Num() int                { return m.Number }
func (m ResetLock) Num() int               { return m.Number }
func (m AssignShelf) Num() int             { return m.Number }
func (m AssignShelfConfirmation) Num() int { return m.Number }
func (m LockStateRequest) Num() int        { return m.Number }
func (m LockStateReply) Num() int          { return m.Number }
func (m ReadCard) Num() int                { return m.Number }
func (m LockClosed) Num() int              { return m.Number }

func (Acknowledgement) Type() Type         { return TypeAcknowledgement }
func (OpenLock) Type() Type                { return TypeOpenLock }
func (ResetLock) Type() Type               { return TypeResetLock }
func (AssignShelf) Type() Type             { return TypeAssignShelf }
func (AssignShelfConfirmation) Type() Type { return TypeAssignShelfConfirmation }
func (LockStateRequest) Type() Type        { return TypeLockStateRequest }
func (LockStateReply) Type() Type          { return TypeLockStateReply }
func (ReadCard) Type() Type                { return TypeReadCard }
func (LockClosed) Type() Type              { return TypeLockClosed }

func (Acknowledgement) isMessage()         {}
func (OpenLock) isMessage()                {}
func (ResetLock) isMessage()               {}
func (AssignShelf) isMessage()             {}
func (AssignShelfConfirmation) isMessage() {}
func (LockStateRequest) isMessage()        {}
func (LockStateReply) isMessage()          {}
func (ReadCard) isMessage()                {}
func (LockClosed) isMessage()              {}

// WithNumber 返回替换了序列号的消息副本
func WithNumber(m Message, number int) Message {
	switch v := m.(type) {
	case Acknowledgement:
		v.Number = number
		return v
	case OpenLock:
		v.Number = number
		return v
	case ResetLock:
		v.Number = number
		return v
	case AssignShelf:
		v.Number = number
		return v
	case AssignShelfConfirmation:
		v.Number = number
		return v
	case LockStateRequest:
		v.Number = number
		return v
	case LockStateReply:
		v.Number = number
		return v
	case ReadCard:
		v.Number = number
		return v
	case LockClosed:
		v.Number = number
		return v
	default:
		panic("protocol: unknown message type")
	}
}
