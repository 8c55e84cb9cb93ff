package upnp

import (
	"context"
	"errors"
	"net/url"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// ============================================================================
//                              IGD 客户端抽象
// ============================================================================

// igdClient 网关设备端口映射操作的最小方法集。
//
// goupnp 生成的四种 WAN 连接客户端（IGDv1/IGDv2 的 IP/PPP 连接）方法签名
// 完全一致，都直接满足本接口。
type igdClient interface {
	// GetExternalIPAddress 查询网关的公网地址
	GetExternalIPAddress() (string, error)

	// AddPortMapping 在网关上建立端口映射条目
	AddPortMapping(
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
	) error

	// DeletePortMapping 删除网关上的端口映射条目
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error

	// GetGenericPortMappingEntry 按索引枚举网关上的映射条目
	GetGenericPortMappingEntry(index uint16) (
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
		err error,
	)
}

// igdVariant 一种 IGD 服务类型及其两种客户端构造方式。
// byURL 基于 SSDP 搜索得到的描述文档地址构造，bySearch 走 goupnp 的默认发现。
type igdVariant struct {
	name     string
	urn      string
	byURL    func(ctx context.Context, loc *url.URL) (igdClient, error)
	bySearch func(ctx context.Context) (igdClient, error)
}

// igdVariants 按优先级排列：IGDv2 优先于 IGDv1，IP 连接优先于 PPP 连接。
var igdVariants = []igdVariant{
	{
		name: "IGDv2-IP2",
		urn:  internetgateway2.URN_WANIPConnection_2,
		byURL: func(ctx context.Context, loc *url.URL) (igdClient, error) {
			clients, err := internetgateway2.NewWANIPConnection2ClientsByURLCtx(ctx, loc)
			return pickClient(clients, err)
		},
		bySearch: func(ctx context.Context) (igdClient, error) {
			clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
			return pickClient(clients, err)
		},
	},
	{
		name: "IGDv2-PPP1",
		urn:  internetgateway2.URN_WANPPPConnection_1,
		byURL: func(ctx context.Context, loc *url.URL) (igdClient, error) {
			clients, err := internetgateway2.NewWANPPPConnection1ClientsByURLCtx(ctx, loc)
			return pickClient(clients, err)
		},
		bySearch: func(ctx context.Context) (igdClient, error) {
			clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
			return pickClient(clients, err)
		},
	},
	{
		name: "IGDv1-IP1",
		urn:  internetgateway1.URN_WANIPConnection_1,
		byURL: func(ctx context.Context, loc *url.URL) (igdClient, error) {
			clients, err := internetgateway1.NewWANIPConnection1ClientsByURLCtx(ctx, loc)
			return pickClient(clients, err)
		},
		bySearch: func(ctx context.Context) (igdClient, error) {
			clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
			return pickClient(clients, err)
		},
	},
	{
		name: "IGDv1-PPP1",
		urn:  internetgateway1.URN_WANPPPConnection_1,
		byURL: func(ctx context.Context, loc *url.URL) (igdClient, error) {
			clients, err := internetgateway1.NewWANPPPConnection1ClientsByURLCtx(ctx, loc)
			return pickClient(clients, err)
		},
		bySearch: func(ctx context.Context) (igdClient, error) {
			clients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx)
			return pickClient(clients, err)
		},
	},
}

// pickClient 从构造结果中取第一个可用客户端
func pickClient[C igdClient](clients []C, err error) (igdClient, error) {
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, errors.New("no usable clients at location")
	}
	return clients[0], nil
}

// friendlyName 返回网关设备的友好名称，仅用于日志
func friendlyName(c igdClient) string {
	var sc *goupnp.ServiceClient
	switch v := c.(type) {
	case *internetgateway2.WANIPConnection2:
		sc = &v.ServiceClient
	case *internetgateway2.WANPPPConnection1:
		sc = &v.ServiceClient
	case *internetgateway1.WANIPConnection1:
		sc = &v.ServiceClient
	case *internetgateway1.WANPPPConnection1:
		sc = &v.ServiceClient
	default:
		return ""
	}
	if sc.RootDevice == nil {
		return ""
	}
	return sc.RootDevice.Device.FriendlyName
}
