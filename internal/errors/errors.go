package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrNotFound     ErrorCode = 1002
	ErrTimeout      ErrorCode = 1005
	ErrCanceled     ErrorCode = 1006
	ErrNotConnected ErrorCode = 1008

	// 硬件错误 (3000-3999)
	ErrSerialPortOpen   ErrorCode = 3000
	ErrSerialPortWrite  ErrorCode = 3001
	ErrSerialPortRead   ErrorCode = 3002
	ErrSerialTimeout    ErrorCode = 3003
	ErrDeviceOffline    ErrorCode = 3004
	ErrDeviceNotFound   ErrorCode = 3008
	ErrDevicePermission ErrorCode = 3009
	ErrQueueFull        ErrorCode = 3010

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect ErrorCode = 5000
	ErrDatabaseQuery   ErrorCode = 5001
	ErrDatabaseInsert  ErrorCode = 5002
	ErrDatabaseDelete  ErrorCode = 5004

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigValidate ErrorCode = 6002

	// 开锁/标定错误 (8000-8999)
	ErrSequenceActive   ErrorCode = 8000
	ErrEmptySequence    ErrorCode = 8001
	ErrInvalidLine      ErrorCode = 8002
	ErrCalibrationState ErrorCode = 8003
	ErrInvalidLocation  ErrorCode = 8004
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:      "未知错误",
	ErrInvalidParam: "无效的参数",
	ErrNotFound:     "资源未找到",
	ErrTimeout:      "操作超时",
	ErrCanceled:     "操作已取消",
	ErrNotConnected: "设备未连接",

	ErrSerialPortOpen:   "串口打开失败",
	ErrSerialPortWrite:  "串口写入失败",
	ErrSerialPortRead:   "串口读取失败",
	ErrSerialTimeout:    "串口通信超时",
	ErrDeviceOffline:    "设备离线",
	ErrDeviceNotFound:   "未找到下位机设备",
	ErrDevicePermission: "无权访问设备",
	ErrQueueFull:        "指令队列已满",

	ErrDatabaseConnect: "数据库连接失败",
	ErrDatabaseQuery:   "数据库查询失败",
	ErrDatabaseInsert:  "数据库插入失败",
	ErrDatabaseDelete:  "数据库删除失败",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigValidate: "配置验证失败",

	ErrSequenceActive:   "开锁序列正在进行中",
	ErrEmptySequence:    "开锁序列为空",
	ErrInvalidLine:      "无效的货道编号",
	ErrCalibrationState: "标定流程状态错误",
	ErrInvalidLocation:  "无效的层号或格口号",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details string       `json:"details"`
	Cause   error        `json:"-"`
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)
	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误，已是AppError时保留原始错误码
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	wrapped := New(code, details...)
	wrapped.Cause = err
	if wrapped.Details == "" {
		wrapped.Details = err.Error()
	}
	return wrapped
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is 判断错误链中是否有指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if !strings.Contains(frame.Function, "runtime.") &&
			!strings.Contains(frame.Function, "github.com/wfunc/shelf-locker/internal/errors") {
			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}

		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch {
	case e.Code == ErrInvalidParam, e.Code == ErrInvalidLine, e.Code == ErrInvalidLocation,
		e.Code == ErrEmptySequence:
		return 400
	case e.Code == ErrNotFound:
		return 404
	case e.Code == ErrSequenceActive, e.Code == ErrCalibrationState:
		return 409
	case e.Code == ErrQueueFull:
		return 429
	case e.Code == ErrTimeout:
		return 408
	case e.Code >= 3000 && e.Code <= 3999, e.Code == ErrNotConnected:
		return 503
	default:
		return 500
	}
}
