package upnp

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// ============================================================================
//                              映射会话
// ============================================================================

// extraPortCandidates 外部端口未指定时在同号端口之外追加的随机候选数
const extraPortCandidates = 9

// session 单个映射句柄的生命周期。
// run 在绑定队列后启动：先在网关上建立条目并投递首次更新，
// 之后按租约的三分之二周期续约，每轮续约重读外部地址并再投递一次，
// 公网地址漂移由此传导给持有者。
type session struct {
	svc    *Service
	handle portmapif.Handle
	req    portmapif.Request
	cb     portmapif.Callback
	queue  *serialqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	granted uint16 // 网关实际分配的外部端口，0 表示尚未建立
}

func newSession(svc *Service, h portmapif.Handle, req portmapif.Request, cb portmapif.Callback) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		svc:    svc,
		handle: h,
		req:    req,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) run() {
	lease := s.req.Lease
	if lease <= 0 {
		lease = s.svc.cfg.LeaseDuration
	}

	granted, err := s.establish(lease)
	if err != nil {
		s.deliverError(err)
		return
	}
	if s.ctx.Err() != nil {
		// 建立完成前会话已被释放，回收刚创建的条目
		s.svc.deleteGatewayMapping(s.req.Protocol, granted)
		return
	}
	s.setGranted(granted)

	if lease <= 0 {
		// 永久映射无需续约
		s.deliverState(granted, lease)
		<-s.ctx.Done()
		return
	}

	ticker := s.svc.clk.Ticker(renewalInterval(lease))
	defer ticker.Stop()

	s.deliverState(granted, lease)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.renew(granted, lease); err != nil {
				log.Warn("UPnP 续约失败",
					"handle", s.handle,
					"externalPort", granted,
					"err", err)
				s.deliverError(fmt.Errorf("renew mapping: %w", err))
				continue
			}
			s.deliverState(granted, lease)
		}
	}
}

// establish 在网关上建立映射条目，返回实际分配的外部端口。
// 未指定外部端口时依次尝试候选，全部被拒绝才算失败。
func (s *session) establish(lease time.Duration) (uint16, error) {
	internalClient, err := s.internalClientIP()
	if err != nil {
		return 0, err
	}

	proto := upnpProtocol(s.req.Protocol)
	desc := s.description()
	secs := leaseSeconds(lease)

	var lastErr error
	for _, candidate := range s.externalCandidates() {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		lastErr = s.svc.client.AddPortMapping(
			"", candidate, proto,
			s.req.InternalPort, internalClient,
			true, desc, secs)
		if lastErr == nil {
			log.Debug("UPnP 映射已建立",
				"handle", s.handle,
				"protocol", proto,
				"internalPort", s.req.InternalPort,
				"externalPort", candidate,
				"lease", lease)
			return candidate, nil
		}
		log.Debug("外部端口候选被拒绝",
			"handle", s.handle,
			"externalPort", candidate,
			"err", lastErr)
	}
	return 0, fmt.Errorf("%w: %v", ErrMappingFailed, lastErr)
}

// renew 以相同参数重建条目，网关据此刷新租约
func (s *session) renew(granted uint16, lease time.Duration) error {
	internalClient, err := s.internalClientIP()
	if err != nil {
		return err
	}
	return s.svc.client.AddPortMapping(
		"", granted, upnpProtocol(s.req.Protocol),
		s.req.InternalPort, internalClient,
		true, s.description(), leaseSeconds(lease))
}

// deliverState 重读网关外部地址并投递一次成功更新
func (s *session) deliverState(granted uint16, lease time.Duration) {
	raw, err := s.svc.client.GetExternalIPAddress()
	if err != nil {
		s.deliverError(fmt.Errorf("get external IP: %w", err))
		return
	}
	packed, err := packExternalIP(raw)
	if err != nil {
		s.deliverError(err)
		return
	}
	s.deliver(portmapif.Update{
		Handle:       s.handle,
		InternalPort: s.req.InternalPort,
		ExternalPort: granted,
		ExternalAddr: packed,
		Lease:        lease,
	})
}

func (s *session) deliverError(err error) {
	s.deliver(portmapif.Update{Handle: s.handle, Err: err})
}

// deliver 把更新投递到绑定队列。会话终止后不再投递。
func (s *session) deliver(u portmapif.Update) {
	if s.ctx.Err() != nil {
		return
	}
	s.queue.Async(func() { s.cb(u) })
}

// stop 终止会话并在后台回收网关条目
func (s *session) stop() {
	s.cancel()
	if granted := s.grantedPort(); granted != 0 {
		go s.svc.deleteGatewayMapping(s.req.Protocol, granted)
	}
}

func (s *session) setGranted(port uint16) {
	s.mu.Lock()
	s.granted = port
	s.mu.Unlock()
}

func (s *session) grantedPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

// externalCandidates 返回尝试申请的外部端口序列。
// 显式指定的端口只试一次；未指定时先试与内部端口同号，
// 再追加随机候选绕开网关上已被占用的条目。
func (s *session) externalCandidates() []uint16 {
	if s.req.ExternalPort != 0 {
		return []uint16{s.req.ExternalPort}
	}
	candidates := []uint16{s.req.InternalPort}
	for len(candidates) < 1+extraPortCandidates {
		p := uint16(1024 + rand.Intn(64512))
		if containsPort(candidates, p) {
			continue
		}
		candidates = append(candidates, p)
	}
	return candidates
}

func containsPort(ports []uint16, p uint16) bool {
	for _, q := range ports {
		if q == p {
			return true
		}
	}
	return false
}

// internalClientIP 解析映射的转发目的地址。
// 指定了网卡序号时取该网卡的首个 IPv4 地址，否则用发现阶段选定的源地址。
func (s *session) internalClientIP() (string, error) {
	if s.req.InterfaceIndex == 0 {
		return s.svc.localIP.String(), nil
	}
	iface, err := net.InterfaceByIndex(s.req.InterfaceIndex)
	if err != nil {
		return "", fmt.Errorf("interface index %d: %w", s.req.InterfaceIndex, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("interface %s addresses: %w", iface.Name, err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", iface.Name)
}

// description 返回条目在网关上的描述文本
func (s *session) description() string {
	if s.req.Description != "" {
		return s.req.Description
	}
	return s.svc.token
}

// ============================================================================
//                              纯函数辅助
// ============================================================================

// upnpProtocol 把协议常量转为 IGD 要求的大写形式
func upnpProtocol(p portmapif.Protocol) string {
	return strings.ToUpper(string(p))
}

// leaseSeconds 把租约时长换算为 IGD 的秒数参数，0 表示永久
func leaseSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs > math.MaxUint32 {
		secs = math.MaxUint32
	}
	return uint32(secs)
}

// renewalInterval 续约周期，取租约时长的三分之二
func renewalInterval(lease time.Duration) time.Duration {
	interval := lease * 2 / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// packExternalIP 把网关返回的外部地址编码为大端序 32 位整数
func packExternalIP(raw string) (uint32, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse external IP %q: %w", raw, err)
	}
	return portmapif.PackIPv4(addr)
}
