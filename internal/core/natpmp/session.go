package natpmp

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// ============================================================================
//                              映射会话
// ============================================================================

// session 单个映射句柄的生命周期。
// run 在绑定队列后启动：先在网关上建立映射并投递首次更新，
// 之后按授予租约的三分之二周期续约。NAT-PMP 的外部端口只是建议值，
// 续约中网关改授端口时会把新端口随更新传出去。
type session struct {
	svc    *Service
	handle portmapif.Handle
	req    portmapif.Request
	cb     portmapif.Callback
	queue  *serialqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	granted uint16 // 网关授予的外部端口，0 表示尚未建立
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
	granted, grantedLease, err := s.establish()
	if err != nil {
		s.deliverError(err)
		return
	}
	if s.ctx.Err() != nil {
		// 建立完成前会话已被释放，回收刚创建的映射
		s.svc.deleteGatewayMapping(s.req.Protocol, s.req.InternalPort)
		return
	}
	s.setGranted(granted)

	ticker := s.svc.clk.Ticker(renewalInterval(grantedLease))
	defer ticker.Stop()

	s.deliverState(granted, grantedLease)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			newGranted, newLease, err := s.renew(granted)
			if err != nil {
				log.Warn("NAT-PMP 续约失败",
					"handle", s.handle,
					"externalPort", granted,
					"err", err)
				s.deliverError(err)
				continue
			}
			if newGranted != granted {
				log.Info("网关在续约中改授了外部端口",
					"handle", s.handle,
					"old", granted,
					"new", newGranted)
				granted = newGranted
				s.setGranted(granted)
			}
			s.deliverState(granted, newLease)
		}
	}
}

// establish 在网关上建立映射，返回授予的外部端口与租约
func (s *session) establish() (uint16, time.Duration, error) {
	requested := int(s.req.ExternalPort)
	if requested == 0 {
		requested = int(s.req.InternalPort)
	}

	resp, err := s.svc.client.AddPortMapping(
		string(s.req.Protocol), int(s.req.InternalPort), requested, s.lifetimeSecs())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	granted := resp.MappedExternalPort
	grantedLease := time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second
	log.Debug("NAT-PMP 映射已建立",
		"handle", s.handle,
		"protocol", s.req.Protocol,
		"internalPort", s.req.InternalPort,
		"externalPort", granted,
		"lease", grantedLease)
	if s.req.ExternalPort != 0 && granted != s.req.ExternalPort {
		log.Debug("网关未按请求的外部端口授予",
			"requested", s.req.ExternalPort,
			"granted", granted)
	}
	return granted, grantedLease, nil
}

// renew 重发映射请求刷新租约，外部端口以最近一次授予值为建议
func (s *session) renew(granted uint16) (uint16, time.Duration, error) {
	resp, err := s.svc.client.AddPortMapping(
		string(s.req.Protocol), int(s.req.InternalPort), int(granted), s.lifetimeSecs())
	if err != nil {
		return 0, 0, fmt.Errorf("renew mapping: %w", err)
	}
	return resp.MappedExternalPort, time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second, nil
}

// deliverState 重读网关外部地址并投递一次成功更新
func (s *session) deliverState(granted uint16, lease time.Duration) {
	resp, err := s.svc.client.GetExternalAddress()
	if err != nil {
		s.deliverError(fmt.Errorf("get external address: %w", err))
		return
	}
	s.deliver(portmapif.Update{
		Handle:       s.handle,
		InternalPort: s.req.InternalPort,
		ExternalPort: granted,
		ExternalAddr: binary.BigEndian.Uint32(resp.ExternalIPAddress[:]),
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

// stop 终止会话并在后台回收网关映射
func (s *session) stop() {
	s.cancel()
	if s.grantedPort() != 0 {
		go s.svc.deleteGatewayMapping(s.req.Protocol, s.req.InternalPort)
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

// lifetimeSecs 换算本会话请求的租约秒数
func (s *session) lifetimeSecs() int {
	lease := s.req.Lease
	if lease <= 0 {
		lease = s.svc.cfg.LeaseDuration
	}
	secs := int(lease / time.Second)
	if secs <= 0 {
		secs = defaultLifetimeSecs
	}
	return secs
}

// renewalInterval 续约周期，取授予租约的三分之二
func renewalInterval(lease time.Duration) time.Duration {
	interval := lease * 2 / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
