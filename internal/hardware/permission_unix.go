//go:build unix

package hardware

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckPermission 检查当前进程对设备的读写权限
func CheckPermission(path string) error {
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
	}
	return nil
}
