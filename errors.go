package portmap

import (
	"errors"
	"fmt"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 端口保留错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrPortInUse 请求的端口已被其他套接字占用
	ErrPortInUse = errors.New("portmap: port already in use")

	// ErrNoPortAvailable 端口扫描耗尽 16 位端口空间
	ErrNoPortAvailable = errors.New("portmap: no port available")

	// ────────────────────────────────────────────────────────────────────────
	// 映射生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrMappingPending 已有一个映射请求在等待首次回调
	ErrMappingPending = errors.New("portmap: mapping request already pending")

	// ErrNotMapped 映射未建立
	ErrNotMapped = errors.New("portmap: not mapped")

	// ErrClosed 映射对象已关闭
	ErrClosed = errors.New("portmap: mapped port closed")

	// ErrNoServiceAvailable 未发现任何可用的映射服务
	ErrNoServiceAvailable = errors.New("portmap: no mapping service available")
)

// ReserveError 端口保留过程中的套接字层错误
//
// Op 标识失败的步骤（listen / dial / accept / resolve）。
type ReserveError struct {
	Op    string
	Port  uint16
	Cause error
}

func (e *ReserveError) Error() string {
	return fmt.Sprintf("portmap: cannot reserve port %d: %s: %v", e.Port, e.Op, e.Cause)
}

// Unwrap 解包错误
func (e *ReserveError) Unwrap() error {
	return e.Cause
}

// MappingError 映射生命周期错误
//
// 包装映射服务同步或异步报告的失败。
type MappingError struct {
	Op           string
	Protocol     Protocol
	InternalPort uint16
	Cause        error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("portmap: %s failed for %s port %d: %v", e.Op, e.Protocol, e.InternalPort, e.Cause)
}

// Unwrap 解包错误
func (e *MappingError) Unwrap() error {
	return e.Cause
}
