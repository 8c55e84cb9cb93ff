// Package natpmp 实现基于 NAT-PMP 协议（RFC 6886）的端口映射后端。
//
// NAT-PMP 是 Apple 提出的轻量级 UDP 协议，只与默认网关对话：
// 客户端请求的外部端口仅是建议值，网关可以改授其他端口；
// 删除映射通过把租约时长置零完成。
//
// 与 UPnP 后端一致，每个映射句柄由独立的会话 goroutine 驱动，
// 网关交互不会阻塞回调队列。
package natpmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/dep2p/go-portmap/internal/util/logger"
	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

var log = logger.Logger("portmap.natpmp")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNoGateway 未能定位默认网关
	ErrNoGateway = errors.New("no NAT-PMP gateway found")

	// ErrNotSupported 网关不响应 NAT-PMP 请求
	ErrNotSupported = errors.New("NAT-PMP not supported by gateway")

	// ErrMappingFailed 网关拒绝了端口映射请求
	ErrMappingFailed = errors.New("port mapping failed")

	// ErrServiceClosed 服务已关闭
	ErrServiceClosed = errors.New("nat-pmp service closed")

	// ErrUnknownHandle 句柄不存在或已释放
	ErrUnknownHandle = errors.New("unknown mapping handle")

	// ErrQueueAlreadyBound 句柄已绑定过投递队列
	ErrQueueAlreadyBound = errors.New("queue already bound for handle")
)

const (
	// requestTimeout 单次 NAT-PMP 请求的重传上限。
	// go-nat-pmp 按协议做 250ms 起步的指数退避重传，不封顶会等两分钟。
	requestTimeout = 10 * time.Second

	// probeTimeout 网关试探请求的重传上限
	probeTimeout = 500 * time.Millisecond

	// defaultLifetimeSecs 请求未指定租约时的兜底秒数
	defaultLifetimeSecs = 3600
)

// ============================================================================
//                              客户端抽象
// ============================================================================

// pmpClient go-nat-pmp 客户端的方法子集，*natpmp.Client 直接满足
type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

var _ pmpClient = (*natpmp.Client)(nil)

// ============================================================================
//                              服务实现
// ============================================================================

// Service NAT-PMP 端口映射服务。
// 通过 New 构造，实现 portmap 契约层的 Service 接口。
type Service struct {
	cfg     portmapif.Config
	clk     clock.Clock
	client  pmpClient
	gateway net.IP

	mu       sync.Mutex
	sessions map[portmapif.Handle]*session
	closed   bool

	nextHandle atomic.Uint64
}

var _ portmapif.Service = (*Service)(nil)

// New 定位默认网关并验证其响应 NAT-PMP，成功后构造映射服务。
//
// go-nat-pmp 的网络调用不支持 context 取消，验证请求用
// goroutine + select 包装以受 cfg.DiscoveryTimeout 约束。
func New(ctx context.Context, cfg portmapif.Config) (*Service, error) {
	gw, err := defaultGateway()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}

	client := natpmp.NewClientWithTimeout(gw, requestTimeout)

	type extResult struct {
		resp *natpmp.GetExternalAddressResult
		err  error
	}
	ch := make(chan extResult, 1)
	go func() {
		resp, err := client.GetExternalAddress()
		ch <- extResult{resp, err}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	defer cancel()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotSupported, r.err)
		}
		log.Info("发现 NAT-PMP 网关",
			"gateway", gw.String(),
			"externalIP", net.IP(r.resp.ExternalIPAddress[:]).String())
	case <-discoverCtx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, discoverCtx.Err())
	}

	return &Service{
		cfg:      cfg,
		clk:      clock.New(),
		client:   client,
		gateway:  gw,
		sessions: make(map[portmapif.Handle]*session),
	}, nil
}

// Name 返回服务名称
func (s *Service) Name() string { return "nat-pmp" }

// CreateMapping 登记一个映射请求并返回句柄。
// 网关交互推迟到 BindQueue 之后的会话 goroutine 中进行。
func (s *Service) CreateMapping(req portmapif.Request, cb portmapif.Callback) (portmapif.Handle, error) {
	if !req.Protocol.Valid() {
		return portmapif.HandleNone, fmt.Errorf("invalid protocol %q", req.Protocol)
	}
	if req.InternalPort == 0 {
		return portmapif.HandleNone, errors.New("internal port must not be zero")
	}
	if cb == nil {
		return portmapif.HandleNone, errors.New("nil update callback")
	}
	if req.InterfaceIndex != 0 {
		// NAT-PMP 只与默认网关通信，映射目标固定为请求方本机
		log.Debug("NAT-PMP 不支持网卡选择，忽略", "interfaceIndex", req.InterfaceIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return portmapif.HandleNone, ErrServiceClosed
	}

	h := portmapif.Handle(s.nextHandle.Add(1))
	s.sessions[h] = newSession(s, h, req, cb)

	log.Debug("登记映射请求",
		"handle", h,
		"protocol", req.Protocol,
		"internalPort", req.InternalPort,
		"externalPort", req.ExternalPort)
	return h, nil
}

// BindQueue 为句柄绑定回调投递队列并启动会话。
// 每个句柄只能绑定一次。
func (s *Service) BindQueue(h portmapif.Handle, q *serialqueue.Queue) error {
	if q == nil {
		return errors.New("nil queue")
	}

	s.mu.Lock()
	sess, ok := s.sessions[h]
	if ok && sess.queue != nil {
		s.mu.Unlock()
		return ErrQueueAlreadyBound
	}
	if ok {
		sess.queue = q
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	go sess.run()
	return nil
}

// Deallocate 释放句柄对应的映射。
// 立即停止回调投递，网关条目的回收在后台完成。
func (s *Service) Deallocate(h portmapif.Handle) error {
	s.mu.Lock()
	sess, ok := s.sessions[h]
	delete(s.sessions, h)
	s.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	sess.stop()
	log.Debug("释放映射", "handle", h)
	return nil
}

// Close 关闭服务并释放所有存活的映射。幂等。
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}
	log.Info("NAT-PMP 映射服务已关闭", "sessions", len(sessions))
	return nil
}

// deleteGatewayMapping 把租约置零以删除网关上的映射（RFC 6886 §3.4）
func (s *Service) deleteGatewayMapping(proto portmapif.Protocol, internalPort uint16) {
	if _, err := s.client.AddPortMapping(string(proto), int(internalPort), 0, 0); err != nil {
		log.Debug("删除网关映射失败",
			"protocol", proto,
			"internalPort", internalPort,
			"err", err)
		return
	}
	log.Debug("网关映射已删除", "protocol", proto, "internalPort", internalPort)
}

// ============================================================================
//                              网关定位
// ============================================================================

// defaultGateway 定位默认网关地址。
// 优先从系统路由表读取，失败后回退到出站地址推断加常见网关地址试探。
func defaultGateway() (net.IP, error) {
	if gw, err := gateway.DiscoverGateway(); err == nil && gw != nil {
		return gw, nil
	}
	return probeGateway()
}

// probeGateway 无法读路由表时的网关推断。
// 用一次出站拨号拿到本机地址，再对子网里常见的网关位置发
// NAT-PMP 试探请求，谁响应用谁。
func probeGateway() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local address type")
	}
	ip := localAddr.IP.To4()
	if ip == nil {
		return nil, errors.New("no IPv4 address")
	}

	candidates := []net.IP{
		net.IPv4(ip[0], ip[1], ip[2], 1),   // x.x.x.1 最常见
		net.IPv4(ip[0], ip[1], ip[2], 254), // x.x.x.254 部分路由器
	}
	for _, gw := range candidates {
		if gatewayResponds(gw) {
			return gw, nil
		}
	}
	// 都不响应时交给上层的验证请求去判定
	return candidates[0], nil
}

// gatewayResponds 用短超时的真实 NAT-PMP 请求验证网关存在
func gatewayResponds(gw net.IP) bool {
	client := natpmp.NewClientWithTimeout(gw, probeTimeout)
	_, err := client.GetExternalAddress()
	return err == nil
}
