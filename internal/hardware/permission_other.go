//go:build !unix

package hardware

// CheckPermission 非unix平台由打开串口时的错误反映权限问题
func CheckPermission(path string) error {
	return nil
}
