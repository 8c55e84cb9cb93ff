package portmap

import (
	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
)

// ════════════════════════════════════════════════════════════════════════════
//                              契约类型别名
// ════════════════════════════════════════════════════════════════════════════

// 常用契约类型的根包别名，使用方无需直接导入 pkg/interfaces/portmap。
type (
	// Protocol 传输协议
	Protocol = portmapif.Protocol

	// Service 映射服务接口
	Service = portmapif.Service

	// Handle 映射会话句柄
	Handle = portmapif.Handle

	// Request 创建映射的请求参数
	Request = portmapif.Request

	// Update 一次映射回调的负载
	Update = portmapif.Update

	// Callback 映射更新回调
	Callback = portmapif.Callback

	// Config 端口映射模块配置
	Config = portmapif.Config
)

const (
	// ProtocolTCP TCP 协议
	ProtocolTCP = portmapif.ProtocolTCP

	// ProtocolUDP UDP 协议
	ProtocolUDP = portmapif.ProtocolUDP

	// HandleNone 空句柄
	HandleNone = portmapif.HandleNone
)

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return portmapif.DefaultConfig()
}
