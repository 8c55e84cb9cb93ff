package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Reserve 保留一个 TCP 端口并返回实际保留的端口号
//
// port 为 0 时由操作系统分配任意空闲端口。
//
// 保留通过一次完整的本机自连接完成：以关闭地址重用的方式监听
// 目标端口，向它发起自连接并接受，然后按序关闭全部套接字。
// 被接受的一端先关闭，使保留端口一侧成为主动关闭方，对应四元组
// 进入 TIME_WAIT。此后大约两分钟内，不带地址重用选项的普通 bind
// 会失败，而本进程不再持有任何指向该端口的文件描述符——调用方
// 可以把端口号交给稍后以地址重用方式绑定它的子系统。
//
// 端口被占用时返回 ErrPortInUse，其余套接字层失败返回 *ReserveError。
func Reserve(port uint16) (uint16, error) {
	lc := net.ListenConfig{Control: disableReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		if isAddrInUse(err) {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
		}
		return 0, &ReserveError{Op: "listen", Port: port, Cause: err}
	}

	// 读回实际绑定的端口（port 为 0 时由内核分配）
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return 0, &ReserveError{Op: "resolve", Port: port, Cause: fmt.Errorf("unexpected listener address %v", ln.Addr())}
	}
	bound := uint16(tcpAddr.Port)

	// 自连接，把端口推进一次真实的 TCP 生命周期
	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", bound))
	if err != nil {
		ln.Close()
		return 0, &ReserveError{Op: "dial", Port: bound, Cause: err}
	}
	peer, err := ln.Accept()
	if err != nil {
		conn.Close()
		ln.Close()
		return 0, &ReserveError{Op: "accept", Port: bound, Cause: err}
	}

	// 关闭顺序决定 TIME_WAIT 落在哪一侧：被接受的一端（本地端口
	// 即保留端口）必须最先关闭，成为主动关闭方。
	peer.Close()
	conn.Close()
	ln.Close()

	log.Debug("端口已保留", "port", bound)
	return bound, nil
}

// ReserveIfAvailable 保留端口，占用不视为错误
//
// 端口空闲时返回 (port, true, nil)；已被占用时返回 (0, false, nil)。
// 其余套接字层失败仍然作为错误返回。
func ReserveIfAvailable(port uint16) (uint16, bool, error) {
	p, err := Reserve(port)
	if err != nil {
		if errors.Is(err, ErrPortInUse) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return p, true, nil
}

// ReserveAvailableStartingAt 从 start 起向上扫描并保留第一个空闲端口
//
// start 为 0 时首次尝试即请求任意空闲端口。扫描对被占用的端口
// 逐一加一重试，越过 65535 仍未成功时返回 ErrNoPortAvailable；
// 占用以外的失败立即返回。
func ReserveAvailableStartingAt(start uint16) (uint16, error) {
	for candidate := uint32(start); candidate <= 65535; candidate++ {
		p, ok, err := ReserveIfAvailable(uint16(candidate))
		if err != nil {
			return 0, err
		}
		if ok {
			return p, nil
		}
		log.Debug("端口被占用，尝试下一个", "port", candidate)
	}
	return 0, ErrNoPortAvailable
}
