//go:build unix

package portmap

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// disableReuseAddr 清除监听套接字上的 SO_REUSEADDR
//
// Go 默认为监听套接字开启地址重用，探测绑定会穿透处于 TIME_WAIT
// 的端口，破坏保留语义。Control 在默认套接字选项设置之后、bind
// 之前执行，在这里把它关掉。
func disableReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
	}); err != nil {
		return err
	}
	return sockErr
}

// isAddrInUse 判断错误是否为地址占用
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
