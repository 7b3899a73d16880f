package hardware

import "io"

// SerialPort 已打开的串口句柄
// tarm/serial.Port 直接满足该接口，测试中使用内存实现
type SerialPort interface {
	io.ReadWriteCloser
	// Flush 丢弃内核缓冲区中尚未读取或发送的数据
	Flush() error
}
