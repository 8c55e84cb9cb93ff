// Package upnp 实现基于 UPnP IGD 协议的端口映射后端。
//
// 服务在构造期完成一次网关发现并固定客户端与本机源地址，之后每个映射
// 请求由独立的会话 goroutine 负责：在网关上建立条目、按租约周期续约、
// 把状态变化投递到绑定的串行队列。网关上的所有交互都发生在会话
// goroutine 或后台回收 goroutine 中，不会阻塞调用方。
package upnp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-portmap/internal/util/logger"
	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

var log = logger.Logger("portmap.upnp")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNoGateway 未在局域网内发现可用的 UPnP 网关
	ErrNoGateway = errors.New("no UPnP gateway found")

	// ErrMappingFailed 网关拒绝了端口映射请求
	ErrMappingFailed = errors.New("failed to create port mapping")

	// ErrServiceClosed 服务已关闭
	ErrServiceClosed = errors.New("upnp service closed")

	// ErrUnknownHandle 句柄不存在或已释放
	ErrUnknownHandle = errors.New("unknown mapping handle")

	// ErrQueueAlreadyBound 句柄已绑定过投递队列
	ErrQueueAlreadyBound = errors.New("queue already bound for handle")
)

// ============================================================================
//                              服务实现
// ============================================================================

const (
	// maxCleanupEntries 清理陈旧映射时的枚举上限
	maxCleanupEntries = 1000

	// stalePrefix 识别本项目映射条目的描述子串
	stalePrefix = "portmap"
)

// Service UPnP 端口映射服务。
// 通过 New 构造，实现 portmap 契约层的 Service 接口。
type Service struct {
	cfg portmapif.Config
	clk clock.Clock

	// 发现阶段固定的网关客户端与本机源地址
	client  igdClient
	localIP net.IP

	// token 本进程映射条目的描述文本，带随机后缀以区分历史进程遗留
	token string

	mu       sync.Mutex
	sessions map[portmapif.Handle]*session
	closed   bool

	nextHandle atomic.Uint64
}

var _ portmapif.Service = (*Service)(nil)

// New 发现局域网内的 UPnP 网关并构造映射服务。
// cfg.ProbeSSDP 开启时先做一次一秒级的快速探测，无根设备直接返回
// ErrNoGateway；发现整体受 cfg.DiscoveryTimeout 约束。
func New(ctx context.Context, cfg portmapif.Config) (*Service, error) {
	if cfg.ProbeSSDP && !probeRootDevice() {
		return nil, ErrNoGateway
	}

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	defer cancel()

	client, localIP, err := discoverGateway(discoverCtx)
	if err != nil {
		return nil, err
	}
	if localIP == nil {
		localIP = fallbackLocalIP()
	}

	svc := &Service{
		cfg:      cfg,
		clk:      clock.New(),
		client:   client,
		localIP:  localIP,
		token:    descriptionToken(),
		sessions: make(map[portmapif.Handle]*session),
	}
	svc.cleanupStaleMappings()

	log.Info("UPnP 映射服务就绪",
		"gateway", friendlyName(client),
		"localIP", localIP.String())
	return svc, nil
}

// Name 返回服务名称
func (s *Service) Name() string { return "upnp" }

// CreateMapping 登记一个映射请求并返回句柄。
// 网关交互推迟到 BindQueue 之后的会话 goroutine 中进行，
// 所以绑定队列之前不会有任何回调投递。
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
// 立即停止回调投递，网关条目的删除在后台完成。
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
	log.Info("UPnP 映射服务已关闭", "sessions", len(sessions))
	return nil
}

// deleteGatewayMapping 删除网关上的一条映射
func (s *Service) deleteGatewayMapping(proto portmapif.Protocol, externalPort uint16) {
	if err := s.client.DeletePortMapping("", externalPort, upnpProtocol(proto)); err != nil {
		log.Debug("删除网关映射失败",
			"protocol", proto,
			"externalPort", externalPort,
			"err", err)
		return
	}
	log.Debug("网关映射已删除", "protocol", proto, "externalPort", externalPort)
}

// cleanupStaleMappings 清理历史进程遗留在网关上的映射条目。
// 先完整枚举再删除，边遍历边删除会让网关侧的条目索引错位。
func (s *Service) cleanupStaleMappings() {
	type staleEntry struct {
		externalPort uint16
		protocol     string
		description  string
	}

	var stale []staleEntry
	for i := 0; i < maxCleanupEntries; i++ {
		_, extPort, proto, _, _, _, desc, _, err := s.client.GetGenericPortMappingEntry(uint16(i))
		if err != nil {
			// 索引越界即枚举完毕
			break
		}
		if !strings.Contains(strings.ToLower(desc), stalePrefix) {
			continue
		}
		stale = append(stale, staleEntry{extPort, proto, desc})
	}

	for _, e := range stale {
		if err := s.client.DeletePortMapping("", e.externalPort, e.protocol); err != nil {
			log.Debug("清理陈旧映射失败",
				"externalPort", e.externalPort,
				"protocol", e.protocol,
				"err", err)
			continue
		}
		log.Info("已清理陈旧映射",
			"externalPort", e.externalPort,
			"protocol", e.protocol,
			"description", e.description)
	}
}

// descriptionToken 生成本进程的映射描述文本
func descriptionToken() string {
	return stalePrefix + "-" + uuid.NewString()[:8]
}
