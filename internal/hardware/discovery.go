package hardware

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// DeviceFinder 查找下位机串口设备
type DeviceFinder interface {
	Find() (string, error)
}

// PortOpener 按设备路径打开串口
type PortOpener func(path string) (SerialPort, error)

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewTarmOpener 返回使用tarm/serial打开串口的函数
// 固定8N1，readTimeout保证关闭时阻塞的读取能及时返回
func NewTarmOpener(baudRate int, readTimeout time.Duration) PortOpener {
	return func(path string) (SerialPort, error) {
		port, err := serial.OpenPort(&serial.Config{
			Name:        path,
			Baud:        baudRate,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: readTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("打开串口 %s 失败: %w", path, err)
		}
		return port, nil
	}
}

// VendorFinder 按USB厂商ID枚举设备
// 配置了固定端口时跳过枚举，否则优先使用上次成功连接的路径
type VendorFinder struct {
	vendorID string
	port     string
	logger   *zap.Logger

	lastPath   string
	listPorts  func() ([]*enumerator.PortDetails, error)
	permission func(path string) error
}

// NewVendorFinder 创建设备查找器
func NewVendorFinder(vendorID int, port string, log *zap.Logger) *VendorFinder {
	if log == nil {
		log = zap.NewNop()
	}
	return &VendorFinder{
		vendorID:   fmt.Sprintf("%04x", vendorID),
		port:       port,
		logger:     log,
		listPorts:  enumerator.GetDetailedPortsList,
		permission: CheckPermission,
	}
}

// Find 返回可用的设备路径
func (f *VendorFinder) Find() (string, error) {
	path, err := f.locate()
	if err != nil {
		return "", err
	}
	if err := f.permission(path); err != nil {
		return "", err
	}
	f.lastPath = path
	return path, nil
}

func (f *VendorFinder) locate() (string, error) {
	if f.port != "" {
		if !SerialPortExists(f.port) {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, f.port)
		}
		return f.port, nil
	}

	ports, err := f.listPorts()
	if err != nil {
		return "", fmt.Errorf("枚举串口设备失败: %w", err)
	}

	var matched []string
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(normalizeVID(p.VID), f.vendorID) {
			continue
		}
		if p.Name == f.lastPath {
			return p.Name, nil
		}
		matched = append(matched, p.Name)
	}

	if len(matched) == 0 {
		return "", fmt.Errorf("%w: vendor_id=%s", ErrDeviceNotFound, f.vendorID)
	}
	if len(matched) > 1 {
		f.logger.Warn("找到多个匹配设备，使用第一个",
			zap.Strings("devices", matched))
	}

	f.logger.Info("找到设备",
		zap.String("vendor_id", f.vendorID),
		zap.String("device", matched[0]))
	return matched[0], nil
}

// normalizeVID 将枚举器返回的VID统一为4位十六进制
func normalizeVID(vid string) string {
	vid = strings.TrimPrefix(strings.ToLower(vid), "0x")
	n, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return vid
	}
	return fmt.Sprintf("%04x", n)
}
