// Package portmap 定义端口映射服务的公共契约
//
// 本包是映射后端（UPnP / NAT-PMP）与生命周期层之间的边界，包括：
// - Service 映射服务接口（创建 / 解除 / 队列绑定）
// - Update 回调负载与 Callback 回调类型
// - Request 请求参数与模块配置
//
// 线程契约：服务的所有回调都以任务形式投递到 BindQueue 绑定的串行队列，
// 绑定之前不投递任何回调；网关 I/O 永远不在该队列上执行。
package portmap

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// ============================================================================
//                              基础类型
// ============================================================================

// Protocol 传输协议
type Protocol string

const (
	// ProtocolTCP TCP 协议
	ProtocolTCP Protocol = "tcp"

	// ProtocolUDP UDP 协议
	ProtocolUDP Protocol = "udp"
)

// String 返回协议的字符串表示
func (p Protocol) String() string {
	return string(p)
}

// Valid 报告协议是否为已知取值
func (p Protocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Handle 映射会话句柄
//
// 由 Service.CreateMapping 分配，标识一次映射会话。
// 句柄在每个 Update 中原样回传，生命周期层据此把回调路由到对应的对象，
// 已注销句柄的迟到回调会被静默丢弃。
type Handle uint64

// HandleNone 空句柄，表示尚未建立会话
const HandleNone Handle = 0

// ============================================================================
//                              请求与回调负载
// ============================================================================

// Request 创建映射的请求参数
type Request struct {
	// Protocol 传输协议（tcp / udp）
	Protocol Protocol

	// InternalPort 本机内部端口
	InternalPort uint16

	// ExternalPort 期望的外部端口（0 表示由网关自行分配）
	ExternalPort uint16

	// Lease 租约时长（0 表示使用服务配置的默认租约）
	Lease time.Duration

	// InterfaceIndex 网络接口索引（0 表示任意接口）
	InterfaceIndex int

	// Description 网关侧的映射描述，用于区分本实例创建的表项
	Description string
}

// Update 一次映射回调的负载
//
// 首个 Update 唤醒创建等待者（无论成败），之后的每个 Update
// 刷新映射状态并触发变更处理器。Err 非空表示本次更新报告失败，
// 此时端口与地址字段无意义。
type Update struct {
	// Handle 本次更新所属的映射会话
	Handle Handle

	// InternalPort 网关确认的内部端口（回调值为准）
	InternalPort uint16

	// ExternalPort 网关授予的外部端口
	ExternalPort uint16

	// ExternalAddr 外部 IPv4 地址，网络字节序（大端）：
	// 0x01020304 即 "1.2.3.4"
	ExternalAddr uint32

	// Lease 网关实际授予的租约时长
	Lease time.Duration

	// Err 非空表示异步失败（网关拒绝、续约失败、网关消失等）
	Err error
}

// ExternalIP 将 ExternalAddr 按网络字节序解释为 netip.Addr
func (u Update) ExternalIP() netip.Addr {
	return UnpackIPv4(u.ExternalAddr)
}

// UnpackIPv4 将网络字节序的 uint32 还原为 IPv4 地址
func UnpackIPv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// PackIPv4 将 IPv4 地址打包为网络字节序的 uint32
//
// 与 Update.ExternalIP 互逆，供后端把网关返回的地址写入 Update。
func PackIPv4(addr netip.Addr) (uint32, error) {
	if !addr.Is4() && !addr.Is4In6() {
		return 0, fmt.Errorf("portmap: not an IPv4 address: %s", addr)
	}
	b := addr.Unmap().As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

// Callback 映射更新回调
//
// 由服务投递到绑定的串行队列后调用，零次或多次。
type Callback func(Update)

// ============================================================================
//                              Service 接口
// ============================================================================

// Service 映射服务接口
//
// 由 UPnP / NAT-PMP 后端实现。契约：
//   - CreateMapping 同步分配句柄并可能同步失败；网关交互异步进行，
//     结果通过 cb 以 Update 形式送达
//   - 在 BindQueue 绑定队列之前不得投递任何回调，网关交互从绑定后开始
//   - Deallocate 结束会话并尽力删除网关侧表项；已在途的投递可能晚于
//     Deallocate 返回，调用方需按句柄丢弃迟到回调
type Service interface {
	// Name 返回服务名称，如 "upnp"、"nat-pmp"
	Name() string

	// CreateMapping 发起一次映射会话
	CreateMapping(req Request, cb Callback) (Handle, error)

	// Deallocate 结束映射会话并删除网关侧映射
	Deallocate(h Handle) error

	// BindQueue 将句柄的回调投递绑定到串行队列
	BindQueue(h Handle, q *serialqueue.Queue) error

	// Close 关闭服务并结束所有会话
	Close() error
}

// ============================================================================
//                              配置
// ============================================================================

// Config 端口映射模块配置
type Config struct {
	// EnableUPnP 启用 UPnP 后端
	EnableUPnP bool

	// EnableNATPMP 启用 NAT-PMP 后端
	EnableNATPMP bool

	// DiscoveryTimeout 网关发现超时
	DiscoveryTimeout time.Duration

	// LeaseDuration 默认租约时长
	//
	// 请求未指定租约时采用该值；后端在租约的 2/3 处自动续约。
	LeaseDuration time.Duration

	// ProbeSSDP 在完整 UPnP 发现前先做一次快速 SSDP 探测
	//
	// 局域网内没有 IGD 设备时可以让组合发现尽快落到 NAT-PMP。
	ProbeSSDP bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		EnableUPnP:       true,
		EnableNATPMP:     true,
		DiscoveryTimeout: 10 * time.Second,
		LeaseDuration:    time.Hour,
		ProbeSSDP:        true,
	}
}
