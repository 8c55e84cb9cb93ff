//go:build windows

package portmap

import (
	"errors"
	"syscall"
)

// disableReuseAddr Windows 下为空操作
//
// Windows 的 bind 默认拒绝复用处于 TIME_WAIT 的端口，
// Go 也不会在 Windows 上自动设置 SO_REUSEADDR。
func disableReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}

// isAddrInUse 判断错误是否为地址占用
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.WSAEADDRINUSE) || errors.Is(err, syscall.EADDRINUSE)
}
