package hardware

import "fmt"

// Action 由上层提交、工作goroutine执行的硬件动作
// 封闭的和类型：LockOpenAction 或 AssignShelfAction
type Action interface {
	isAction()
}

// LockOpenAction 打开指定格口，Reset为true时先发送本层复位
type LockOpenAction struct {
	Shelf       int
	Compartment int
	Reset       bool
}

// AssignShelfAction 标定时为当前层板分配层号
type AssignShelfAction struct {
	Shelf int
}

func (LockOpenAction) isAction()    {}
func (AssignShelfAction) isAction() {}

func (a LockOpenAction) String() string {
	return fmt.Sprintf("open(%d,%d,reset=%t)", a.Shelf, a.Compartment, a.Reset)
}

func (a AssignShelfAction) String() string {
	return fmt.Sprintf("assign_shelf(%d)", a.Shelf)
}

// NewActionQueue 创建有界动作队列
// 队列跨会话存在，断线期间提交的动作在重连后执行
func NewActionQueue(size int) chan Action {
	if size <= 0 {
		panic("hardware: action queue size must be positive")
	}
	return make(chan Action, size)
}

// Enqueue 非阻塞提交动作，队列满时返回ErrQueueFull
func Enqueue(queue chan<- Action, a Action) error {
	select {
	case queue <- a:
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrQueueFull, a)
	}
}
