package upnp

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
	"github.com/jackpal/gateway"
	kssdp "github.com/koron/go-ssdp"
)

// ============================================================================
//                              网关发现
// ============================================================================

const (
	// ssdpSearchTimeout 单次定向 SSDP 搜索的等待上限
	ssdpSearchTimeout = 3 * time.Second

	// probeWaitSeconds 快速探测的 SSDP 等待秒数
	probeWaitSeconds = 1
)

// virtualIfacePrefixes 虚拟网卡名称前缀。
// 从这些网卡发出的 SSDP 搜索到不了真实网关，发现阶段直接跳过。
var virtualIfacePrefixes = []string{
	// 隧道与 VPN
	"utun", "tun", "tap", "ppp", "ipsec", "wg", "zt", "ts",
	// 虚拟化与容器
	"vnic", "vmnet", "vboxnet", "docker", "veth", "virbr", "lxc",
	// 链路聚合与桥接
	"bridge", "br-", "bond", "team",
	// 其他平台特有
	"awdl", "llw", "anpi", "gif", "stf", "nat64", "npf",
}

// blockedCIDRs 不适合作为 SSDP 源地址的网段
var blockedCIDRs = []*net.IPNet{
	mustParseCIDR("127.0.0.0/8"),    // 环回
	mustParseCIDR("169.254.0.0/16"), // 链路本地
	mustParseCIDR("198.18.0.0/15"),  // 基准测试保留段
	mustParseCIDR("100.64.0.0/10"),  // CGNAT 共享段
	mustParseCIDR("224.0.0.0/4"),    // 组播
	mustParseCIDR("240.0.0.0/4"),    // 保留
}

// rfc1918CIDRs 私有地址段，家用网关的 LAN 侧几乎都落在这里
var rfc1918CIDRs = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic("upnp: bad builtin CIDR " + s)
	}
	return ipNet
}

// isVirtualInterface 按名称前缀判断是否虚拟网卡
func isVirtualInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualIfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func isRFC1918(ip net.IP) bool {
	for _, cidr := range rfc1918CIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// candidateSourceIPs 收集可作为 SSDP 搜索源的本机 IPv4 地址。
//
// 排序规则：与默认网关同子网的地址最优先，其余 RFC1918 地址次之，
// 公网地址殿后。多网卡机器（VPN、虚拟机宿主）上默认路由常指向
// 隧道网卡，按此顺序逐一尝试才能命中真实网关所在的链路。
func candidateSourceIPs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Debug("枚举网卡失败", "err", err)
		return nil
	}

	gwIP, gwErr := gateway.DiscoverGateway()

	var sameSubnet, private, public []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || isBlockedIP(ip) {
				continue
			}
			switch {
			case gwErr == nil && ipNet.Contains(gwIP):
				sameSubnet = append(sameSubnet, ip)
			case isRFC1918(ip):
				private = append(private, ip)
			default:
				public = append(public, ip)
			}
		}
	}

	candidates := append(append(sameSubnet, private...), public...)
	log.Debug("SSDP 候选源地址", "count", len(candidates), "addrs", formatIPs(candidates))
	return candidates
}

// ssdpSearchFromAddr 从指定源地址发起一次定向 SSDP 搜索，
// 返回响应中去重后的设备描述文档地址。
func ssdpSearchFromAddr(ctx context.Context, localIP net.IP, target string) ([]*url.URL, error) {
	client, err := httpu.NewHTTPUClientAddr(localIP.String())
	if err != nil {
		return nil, err
	}
	defer client.Close()

	searchCtx, cancel := context.WithTimeout(ctx, ssdpSearchTimeout)
	defer cancel()

	responses, err := ssdp.RawSearch(searchCtx, client, target, 2)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var locations []*url.URL
	for _, resp := range responses {
		loc, err := resp.Location()
		if err != nil {
			continue
		}
		if seen[loc.String()] {
			continue
		}
		seen[loc.String()] = true
		locations = append(locations, loc)
	}
	return locations, nil
}

// discoverGateway 在局域网内定位一台可用的 IGD 网关。
//
// 先按候选源地址逐一做定向 SSDP 搜索（多网卡环境下 goupnp 的默认搜索
// 常绑错网卡），四种 IGD 服务类型按优先级尝试；全部落空后回退到
// goupnp 自带的发现流程。返回成功建链的客户端与对应的本机源地址，
// 回退路径命中时源地址为 nil。
func discoverGateway(ctx context.Context) (igdClient, net.IP, error) {
	candidates := candidateSourceIPs()
	for _, localIP := range candidates {
		for _, variant := range igdVariants {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			locations, err := ssdpSearchFromAddr(ctx, localIP, variant.urn)
			if err != nil {
				log.Debug("定向 SSDP 搜索失败",
					"localIP", localIP,
					"variant", variant.name,
					"err", err)
				continue
			}
			for _, loc := range locations {
				client, err := variant.byURL(ctx, loc)
				if err != nil {
					log.Debug("构造网关客户端失败",
						"location", loc,
						"variant", variant.name,
						"err", err)
					continue
				}
				log.Info("发现 UPnP 网关",
					"variant", variant.name,
					"device", friendlyName(client),
					"localIP", localIP)
				return client, localIP, nil
			}
		}
	}

	// 回退：goupnp 默认发现（绑定系统默认组播网卡）
	for _, variant := range igdVariants {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		client, err := variant.bySearch(ctx)
		if err != nil {
			continue
		}
		log.Info("发现 UPnP 网关（回退路径）",
			"variant", variant.name,
			"device", friendlyName(client))
		return client, nil, nil
	}

	return nil, nil, ErrNoGateway
}

// probeRootDevice 用一次简短的 SSDP 搜索快速判断局域网内有无 UPnP 根设备，
// 让无网关环境尽早失败而不必等完整发现超时。探测自身出错时视为存在，
// 交由完整发现流程裁决。
func probeRootDevice() bool {
	services, err := kssdp.Search("upnp:rootdevice", probeWaitSeconds, "")
	if err != nil {
		log.Debug("SSDP 快速探测不可用", "err", err)
		return true
	}
	log.Debug("SSDP 快速探测完成", "devices", len(services))
	return len(services) > 0
}

// fallbackLocalIP 在回退发现路径下推测本机源地址
func fallbackLocalIP() net.IP {
	if candidates := candidateSourceIPs(); len(candidates) > 0 {
		return candidates[0]
	}
	return net.IPv4(127, 0, 0, 1)
}

func formatIPs(ips []net.IP) string {
	parts := make([]string, len(ips))
	for i, ip := range ips {
		parts[i] = ip.String()
	}
	return strings.Join(parts, ",")
}
