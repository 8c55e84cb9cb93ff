package portmap

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// ════════════════════════════════════════════════════════════════════════════
//                              状态机
// ════════════════════════════════════════════════════════════════════════════

// mappingState 映射生命周期状态
type mappingState int

const (
	// stateIdle 无服务句柄
	stateIdle mappingState = iota

	// stateAwaitingFirst 句柄已建立，等待首次回调
	stateAwaitingFirst

	// stateMapped 首次回调已到达（成功或失败），后续回调只做刷新
	stateMapped
)

// String 返回状态的字符串表示
func (s mappingState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingFirst:
		return "awaiting-first"
	case stateMapped:
		return "mapped"
	default:
		return "unknown"
	}
}

// pendingRequest 等待首次回调的请求槽
//
// 每个 MappedPort 同一时刻至多一个；首次回调（成败皆然）
// 写入 err 并关闭 done，之后槽位清空。
type pendingRequest struct {
	done chan struct{}
	err  error
}

// extBinding 外部绑定（端口与地址成对出现或成对缺席）
type extBinding struct {
	port uint16
	addr uint32
}

// snapshot 供无锁读路径使用的状态快照
//
// 每次队列内的状态变更都会整体替换快照指针，访问器与变更处理器
// 读取快照即可，不必进入串行队列。
type snapshot struct {
	state        mappingState
	internalPort uint16
	binding      *extBinding
	lease        time.Duration
	lastErr      error
}

// ════════════════════════════════════════════════════════════════════════════
//                              MappedPort
// ════════════════════════════════════════════════════════════════════════════

// MappedPort 驱动一个内部端口的外部映射生命周期
//
// 对象只向映射服务发起至多一个未决请求，首次回调到达前挂起
// 发起方；之后的每次回调（续约、网关地址变化、异步失败）刷新
// 外部端口与外部地址，并在串行队列上调用变更处理器。
//
// 内部端口以回调报告的值为准：网关可能确认一个与请求不同的
// 内部端口。
type MappedPort struct {
	svc   Service
	queue *serialqueue.Queue

	// 构造时固定的请求参数
	protocol    Protocol
	externalReq *uint16 // nil 表示默认请求与内部端口相同
	lease       time.Duration
	ifaceIndex  int
	description string

	// 队列内状态（仅在串行队列的任务中读写）
	state   mappingState
	handle  Handle
	pending *pendingRequest
	handler func(*MappedPort)
	closed  bool

	// 无锁读路径
	snap atomic.Pointer[snapshot]

	closeOnce sync.Once
	closeErr  error
}

var _ io.Closer = (*MappedPort)(nil)

// New 创建一个未映射的 MappedPort
//
// internalPort 是待映射的本机端口；映射请求在首次调用
// CreateMapping 或外部值访问器时才发出。
func New(svc Service, internalPort uint16, opts ...Option) (*MappedPort, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	queue := o.queue
	if queue == nil {
		queue = DefaultQueue()
	}

	mp := &MappedPort{
		svc:         svc,
		queue:       queue,
		protocol:    o.protocol,
		externalReq: o.externalPort,
		lease:       o.lease,
		ifaceIndex:  o.ifaceIndex,
		description: o.description,
		handler:     o.handler,
		state:       stateIdle,
	}
	mp.snap.Store(&snapshot{
		state:        stateIdle,
		internalPort: internalPort,
	})
	return mp, nil
}

// NewReserved 便捷构造：先保留一个任意空闲端口再创建 MappedPort
//
// 端口通过保留机制获得，处于 TIME_WAIT 静默期，可安全交给
// 稍后以地址重用方式绑定它的服务端。
func NewReserved(svc Service, opts ...Option) (*MappedPort, error) {
	port, err := ReserveAvailableStartingAt(0)
	if err != nil {
		return nil, err
	}
	return New(svc, port, opts...)
}

// ════════════════════════════════════════════════════════════════════════════
//                              映射请求
// ════════════════════════════════════════════════════════════════════════════

// CreateMapping 显式发起映射请求并等待首次回调
//
// 已处于映射状态时幂等返回 nil。已有请求在等待首次回调时返回
// ErrMappingPending（外部值访问器则合并到同一请求上）。首次回调
// 无论成败都会恢复等待者：失败以 *MappingError 返回，对象保持
// 可再次调用 CreateMapping 重试。
//
// ctx 取消只放弃等待，不撤销底层请求；已发出的请求仍会在
// Close 时释放。
func (mp *MappedPort) CreateMapping(ctx context.Context) error {
	return mp.requestMapping(ctx, false)
}

// requestMapping 发起或加入一次映射请求
//
// coalesce 为真时（外部值访问器路径），未决请求不视为错误，
// 调用方挂起在同一等待槽上。
func (mp *MappedPort) requestMapping(ctx context.Context, coalesce bool) error {
	var (
		pr     *pendingRequest
		reject error
	)
	err := mp.queue.Sync(ctx, func() {
		if mp.closed {
			reject = ErrClosed
			return
		}
		switch mp.state {
		case stateMapped:
			if mp.snap.Load().binding != nil {
				return // 已映射，幂等
			}
			// 首次回调曾报告失败：重试前释放旧会话
			if err := mp.releaseSession(); err != nil {
				log.Warn("重试前释放旧会话失败", "err", err)
			}
			reject = mp.issueRequest()
			pr = mp.pending
		case stateAwaitingFirst:
			if !coalesce {
				reject = ErrMappingPending
				return
			}
			pr = mp.pending
		default: // stateIdle
			reject = mp.issueRequest()
			pr = mp.pending
		}
	})
	if err != nil {
		return err
	}
	if reject != nil {
		return reject
	}
	if pr == nil {
		return nil
	}

	select {
	case <-pr.done:
		return pr.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// issueRequest 向服务发起映射请求（队列任务内调用）
//
// 成功后：句柄进入注册表，队列完成绑定，等待槽建立，
// 状态推进到 stateAwaitingFirst。
func (mp *MappedPort) issueRequest() error {
	internal := mp.snap.Load().internalPort

	external := internal
	if mp.externalReq != nil {
		external = *mp.externalReq
	}

	req := Request{
		Protocol:       mp.protocol,
		InternalPort:   internal,
		ExternalPort:   external,
		Lease:          mp.lease,
		InterfaceIndex: mp.ifaceIndex,
		Description:    mp.description,
	}

	h, err := mp.svc.CreateMapping(req, dispatcherFor(mp.svc))
	if err != nil {
		return &MappingError{Op: "create", Protocol: mp.protocol, InternalPort: internal, Cause: err}
	}

	// 先注册后绑定：绑定前服务不投递回调，注册表查找不会扑空
	mp.handle = h
	handleRegistry.register(mp.svc, h, mp)
	if err := mp.svc.BindQueue(h, mp.queue); err != nil {
		handleRegistry.deregister(mp.svc, h)
		mp.handle = HandleNone
		if derr := mp.svc.Deallocate(h); derr != nil {
			log.Warn("绑定失败后释放会话失败", "handle", h, "err", derr)
		}
		return &MappingError{Op: "bind", Protocol: mp.protocol, InternalPort: internal, Cause: err}
	}

	mp.pending = &pendingRequest{done: make(chan struct{})}
	mp.setState(stateAwaitingFirst)
	log.Debug("映射请求已发出", "internal", internal, "external", external, "protocol", mp.protocol)
	return nil
}

// applyUpdate 应用一次服务回调（队列任务内调用）
//
// 首次回调恢复创建等待者；每次回调之后调用变更处理器。
func (mp *MappedPort) applyUpdate(u Update) {
	next := *mp.snap.Load()

	if u.Err != nil {
		next.lastErr = &MappingError{Op: "update", Protocol: mp.protocol, InternalPort: next.internalPort, Cause: u.Err}
		next.binding = nil
		log.Warn("映射更新报告失败", "internal", next.internalPort, "err", u.Err)
	} else {
		next.internalPort = u.InternalPort
		next.binding = &extBinding{port: u.ExternalPort, addr: u.ExternalAddr}
		next.lease = u.Lease
		next.lastErr = nil
		log.Debug("映射已更新",
			"internal", next.internalPort,
			"external", u.ExternalPort,
			"addr", u.ExternalIP(),
			"lease", u.Lease)
	}

	mp.state = stateMapped
	next.state = stateMapped
	mp.snap.Store(&next)

	if mp.pending != nil {
		mp.pending.err = next.lastErr
		close(mp.pending.done)
		mp.pending = nil
	}

	if mp.handler != nil {
		mp.handler(mp)
	}
}

// setState 推进状态机并同步快照（队列任务内调用）
func (mp *MappedPort) setState(s mappingState) {
	mp.state = s
	next := *mp.snap.Load()
	next.state = s
	mp.snap.Store(&next)
}

// ════════════════════════════════════════════════════════════════════════════
//                              读访问器
// ════════════════════════════════════════════════════════════════════════════

// ExternalPort 返回外部端口
//
// 尚未映射时透明地发起映射请求并挂起到首次回调；已有未决请求时
// 合并到该请求上等待，不会发出重复请求。
func (mp *MappedPort) ExternalPort(ctx context.Context) (uint16, error) {
	if b := mp.snap.Load().binding; b != nil {
		return b.port, nil
	}
	if err := mp.requestMapping(ctx, true); err != nil {
		return 0, err
	}
	if b := mp.snap.Load().binding; b != nil {
		return b.port, nil
	}
	return 0, mp.notMappedErr()
}

// ExternalAddress 返回外部 IPv4 地址（网络字节序的 uint32）
//
// 0x01020304 即 "1.2.3.4"。尚未映射时行为与 ExternalPort 相同。
func (mp *MappedPort) ExternalAddress(ctx context.Context) (uint32, error) {
	if b := mp.snap.Load().binding; b != nil {
		return b.addr, nil
	}
	if err := mp.requestMapping(ctx, true); err != nil {
		return 0, err
	}
	if b := mp.snap.Load().binding; b != nil {
		return b.addr, nil
	}
	return 0, mp.notMappedErr()
}

// ExternalAddressString 返回点分十进制的外部地址
func (mp *MappedPort) ExternalAddressString(ctx context.Context) (string, error) {
	addr, err := mp.ExternalAddress(ctx)
	if err != nil {
		return "", err
	}
	return portmapif.UnpackIPv4(addr).String(), nil
}

// ExternalAddrPort 返回外部地址与端口的组合
func (mp *MappedPort) ExternalAddrPort(ctx context.Context) (netip.AddrPort, error) {
	port, err := mp.ExternalPort(ctx)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := mp.ExternalAddress(ctx)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(portmapif.UnpackIPv4(addr), port), nil
}

// notMappedErr 返回当前未映射的原因
func (mp *MappedPort) notMappedErr() error {
	if le := mp.snap.Load().lastErr; le != nil {
		return le
	}
	return ErrNotMapped
}

// InternalPort 返回当前内部端口
//
// 以最近一次回调报告的值为准，可能与构造时请求的端口不同。
func (mp *MappedPort) InternalPort() uint16 {
	return mp.snap.Load().internalPort
}

// Protocol 返回传输协议
func (mp *MappedPort) Protocol() Protocol {
	return mp.protocol
}

// Mapped 报告外部绑定当前是否存在（非阻塞）
func (mp *MappedPort) Mapped() bool {
	return mp.snap.Load().binding != nil
}

// Binding 返回当前外部绑定（非阻塞，不触发映射请求）
//
// 变更处理器内读取状态应使用本方法与 LastError，而不是会挂起的
// 外部值访问器。
func (mp *MappedPort) Binding() (port uint16, addr netip.Addr, ok bool) {
	b := mp.snap.Load().binding
	if b == nil {
		return 0, netip.Addr{}, false
	}
	return b.port, portmapif.UnpackIPv4(b.addr), true
}

// Lease 返回网关最近一次授予的租约时长（非阻塞）
func (mp *MappedPort) Lease() time.Duration {
	return mp.snap.Load().lease
}

// LastError 返回最近一次异步失败（非阻塞）
//
// 成功的更新会清除该值。
func (mp *MappedPort) LastError() error {
	return mp.snap.Load().lastErr
}

// ════════════════════════════════════════════════════════════════════════════
//                              变更处理器与关闭
// ════════════════════════════════════════════════════════════════════════════

// OnChanged 设置变更处理器，替换之前注册的处理器
//
// 处理器在串行队列上执行：每次映射更新（首次映射、续约、地址
// 变化、异步失败）之后被调用一次，同一对象的处理器调用彼此串行。
// 处理器内不得调用 Close 或会挂起的访问器，应通过 Binding、
// LastError、InternalPort 读取最新状态。
func (mp *MappedPort) OnChanged(fn func(*MappedPort)) {
	mp.queue.Async(func() {
		if mp.closed {
			return
		}
		mp.handler = fn
	})
}

// Close 结束映射会话并释放服务句柄
//
// 关闭在串行队列上执行，保证不与任何回调交错：进行中的回调
// 执行完后才会注销句柄。等待首次回调的请求以 ErrClosed 恢复。
// 幂等；不得在变更处理器内调用。
func (mp *MappedPort) Close() error {
	mp.closeOnce.Do(func() {
		err := mp.queue.Sync(context.Background(), func() {
			if mp.closed {
				return
			}
			mp.closed = true
			mp.handler = nil

			if mp.pending != nil {
				mp.pending.err = ErrClosed
				close(mp.pending.done)
				mp.pending = nil
			}

			mp.closeErr = mp.releaseSession()

			next := *mp.snap.Load()
			next.binding = nil
			next.state = stateIdle
			mp.snap.Store(&next)
			mp.state = stateIdle
		})
		if err != nil {
			// 队列先于对象关闭，会话无法在队列上释放
			mp.closeErr = err
		}
	})
	return mp.closeErr
}

// releaseSession 注销句柄并释放服务侧会话（队列任务内调用）
func (mp *MappedPort) releaseSession() error {
	if mp.handle == HandleNone {
		return nil
	}
	h := mp.handle
	mp.handle = HandleNone
	handleRegistry.deregister(mp.svc, h)

	if err := mp.svc.Deallocate(h); err != nil {
		return &MappingError{Op: "deallocate", Protocol: mp.protocol, InternalPort: mp.snap.Load().internalPort, Cause: err}
	}
	log.Debug("映射会话已释放", "handle", h)
	return nil
}
