package portmap

import (
	"fmt"
	"time"

	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// Option MappedPort 配置选项
type Option func(*options) error

// options 内部选项结构
type options struct {
	protocol     Protocol
	externalPort *uint16 // nil 表示未设置（默认与内部端口相同）
	lease        time.Duration
	ifaceIndex   int
	description  string
	handler      func(*MappedPort)
	queue        *serialqueue.Queue
}

// newOptions 创建默认选项
func newOptions() *options {
	return &options{
		protocol: ProtocolTCP,
	}
}

// WithProtocol 设置传输协议（默认 TCP）
func WithProtocol(p Protocol) Option {
	return func(o *options) error {
		if !p.Valid() {
			return fmt.Errorf("portmap: invalid protocol %q", p)
		}
		o.protocol = p
		return nil
	}
}

// WithRequestedExternalPort 设置期望的外部端口
//
// 未设置时默认请求与内部端口相同的外部端口；显式设置为 0 表示
// 交由网关分配。网关授予的端口可能与请求不同，以回调为准。
func WithRequestedExternalPort(port uint16) Option {
	return func(o *options) error {
		p := port
		o.externalPort = &p
		return nil
	}
}

// WithLeaseDuration 设置租约时长
//
// 未设置或为 0 时使用服务配置的默认租约。
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("portmap: negative lease duration %v", d)
		}
		o.lease = d
		return nil
	}
}

// WithInterfaceIndex 设置网络接口索引
//
// 0 表示任意接口。UPnP 后端据此限定网关搜索的源地址；
// NAT-PMP 只与默认网关通信，非零值会被忽略。
func WithInterfaceIndex(idx int) Option {
	return func(o *options) error {
		if idx < 0 {
			return fmt.Errorf("portmap: negative interface index %d", idx)
		}
		o.ifaceIndex = idx
		return nil
	}
}

// WithDescription 设置网关侧的映射描述
//
// 留空时由后端生成带实例标识的描述。
func WithDescription(desc string) Option {
	return func(o *options) error {
		o.description = desc
		return nil
	}
}

// WithChangeHandler 注册变更处理器
//
// 等价于构造后调用 OnChanged，但保证首次映射的更新也能命中。
func WithChangeHandler(fn func(*MappedPort)) Option {
	return func(o *options) error {
		o.handler = fn
		return nil
	}
}

// WithQueue 指定串行队列
//
// 默认使用包级共享队列。独立队列主要用于测试隔离；多个
// MappedPort 共享一个队列时，它们的回调彼此也串行。
func WithQueue(q *serialqueue.Queue) Option {
	return func(o *options) error {
		if q == nil {
			return fmt.Errorf("portmap: nil queue")
		}
		o.queue = q
		return nil
	}
}
