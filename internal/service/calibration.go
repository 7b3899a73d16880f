package service

import (
	"context"
	"sync"

	"github.com/wfunc/shelf-locker/internal/compartment"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/hardware"
	"go.uber.org/zap"
)

// CalibrationState 校准进度
type CalibrationState struct {
	Active       bool `json:"active"`
	Shelf        int  `json:"shelf"`
	Compartments int  `json:"compartments"`
	Opened       int  `json:"opened"`    // 本轮已打开的格口数
	Current      int  `json:"current"`   // 当前打开的格口，从0编号，Opened 为0时无意义
	Confirmed    bool `json:"confirmed"` // 是否收到层号分配确认
	Assigned     int  `json:"assigned"`  // 本轮已写入的线号数量
	Done         bool `json:"done"`
}

// Calibration 操作员驱动的校准流程：
// 先给层板分配层号，再逐个打开格口，由操作员告知该格口对应的线号。
// 与开锁流程状态机互不相干，直接向指令队列下发动作。
type Calibration struct {
	actions chan<- hardware.Action
	mapper  *compartment.Mapper
	logger  *zap.Logger

	mu           sync.Mutex
	pendingShelf int
	hasPending   bool
	state        CalibrationState
}

// NewCalibration 创建校准流程
func NewCalibration(actions chan<- hardware.Action, mapper *compartment.Mapper, log *zap.Logger) *Calibration {
	if actions == nil || mapper == nil {
		panic("service: calibration requires action queue and mapper")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Calibration{actions: actions, mapper: mapper, logger: log}
}

// AssignShelf 下发层号分配，不改变逐格校准进度
func (c *Calibration) AssignShelf(shelf int) error {
	if shelf < 0 {
		return apperrors.Newf(apperrors.ErrInvalidParam, "shelf %d", shelf)
	}
	if err := hardware.Enqueue(c.actions, hardware.AssignShelfAction{Shelf: shelf}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrQueueFull)
	}

	c.mu.Lock()
	c.pendingShelf = shelf
	c.hasPending = true
	c.mu.Unlock()

	c.logger.Info("下发层号分配", zap.Int("shelf", shelf))
	return nil
}

// Confirm 处理层号分配确认，返回被确认的层号
func (c *Calibration) Confirm() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasPending {
		return 0, false
	}
	shelf := c.pendingShelf
	c.hasPending = false
	if c.state.Active && c.state.Shelf == shelf {
		c.state.Confirmed = true
	}
	return shelf, true
}

// Begin 开始校准一个层板，格口从0编号到 compartments-1，与线号推算规则一致
func (c *Calibration) Begin(shelf, compartments int) (CalibrationState, error) {
	if compartments < 1 {
		return CalibrationState{}, apperrors.Newf(apperrors.ErrInvalidParam, "compartments %d", compartments)
	}
	if err := c.AssignShelf(shelf); err != nil {
		return CalibrationState{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CalibrationState{
		Active:       true,
		Shelf:        shelf,
		Compartments: compartments,
	}
	c.logger.Info("开始校准", zap.Int("shelf", shelf), zap.Int("compartments", compartments))
	return c.state, nil
}

// Next 打开下一个格口；全部打开过后结束校准
func (c *Calibration) Next() (CalibrationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Active {
		return c.state, apperrors.New(apperrors.ErrCalibrationState, "calibration not started")
	}
	if c.state.Opened >= c.state.Compartments {
		c.state.Active = false
		c.state.Done = true
		c.logger.Info("校准完成",
			zap.Int("shelf", c.state.Shelf),
			zap.Int("assigned", c.state.Assigned))
		return c.state, nil
	}

	// 复位随本轮第一个开锁指令下发
	next := c.state.Opened
	action := hardware.LockOpenAction{
		Shelf:       c.state.Shelf,
		Compartment: next,
		Reset:       c.state.Opened == 0,
	}
	if err := hardware.Enqueue(c.actions, action); err != nil {
		return c.state, apperrors.Wrap(err, apperrors.ErrQueueFull)
	}
	c.state.Current = next
	c.state.Opened++
	c.logger.Info("校准打开格口", zap.Int("shelf", c.state.Shelf), zap.Int("compartment", next))
	return c.state, nil
}

// Assign 把当前打开的格口记为 line
func (c *Calibration) Assign(ctx context.Context, line string) (CalibrationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Active || c.state.Opened == 0 {
		return c.state, apperrors.New(apperrors.ErrCalibrationState, "no compartment opened")
	}
	loc := compartment.Location{Shelf: c.state.Shelf, Compartment: c.state.Current}
	if err := c.mapper.CalibrationAssignLine(ctx, line, loc); err != nil {
		return c.state, err
	}
	c.state.Assigned++
	return c.state, nil
}

// Cancel 中止校准，已写入的映射保留
func (c *Calibration) Cancel() CalibrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active {
		c.logger.Warn("校准已中止", zap.Int("shelf", c.state.Shelf), zap.Int("current", c.state.Current))
	}
	c.state.Active = false
	return c.state
}

// State 返回校准进度
func (c *Calibration) State() CalibrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
