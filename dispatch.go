package portmap

import (
	"sync"

	"github.com/dep2p/go-portmap/internal/util/logger"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

var log = logger.Logger("portmap")

// ════════════════════════════════════════════════════════════════════════════
//                              共享串行化域
// ════════════════════════════════════════════════════════════════════════════

var (
	defaultQueue     *serialqueue.Queue
	defaultQueueOnce sync.Once
)

// DefaultQueue 返回包级共享串行队列
//
// 未通过 WithQueue 指定队列的 MappedPort 都在这个队列上串行化：
// 状态变更、回调投递与句柄释放互不交错。队列随进程存活，不需要
// 调用方关闭。
func DefaultQueue() *serialqueue.Queue {
	defaultQueueOnce.Do(func() {
		defaultQueue = serialqueue.New("portmap")
	})
	return defaultQueue
}

// ════════════════════════════════════════════════════════════════════════════
//                              句柄注册表
// ════════════════════════════════════════════════════════════════════════════

// handleRegistry 把服务句柄路由到对应的 MappedPort
//
// 回调不携带对象引用，只携带句柄；投递时在注册表中查找强引用。
// 句柄空间是每个服务各自的，键必须带上服务身份。注册与注销都
// 发生在串行队列的任务中，查不到键的迟到回调被直接丢弃，保证
// Close 返回后不再有回调触达对象。
var handleRegistry = &registry{
	entries: make(map[registryKey]*MappedPort),
}

type registryKey struct {
	svc Service
	h   Handle
}

type registry struct {
	mu      sync.RWMutex
	entries map[registryKey]*MappedPort
}

func (r *registry) register(svc Service, h Handle, mp *MappedPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey{svc, h}] = mp
}

func (r *registry) deregister(svc Service, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, registryKey{svc, h})
}

func (r *registry) lookup(svc Service, h Handle) (*MappedPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.entries[registryKey{svc, h}]
	return mp, ok
}

// dispatcherFor 返回绑定到 svc 的更新分发回调
//
// 作为 Callback 传给该服务，由服务投递到绑定的串行队列后执行。
// 回调只捕获服务身份，不捕获对象：对象注销后的迟到回调在
// 注册表处落空。
func dispatcherFor(svc Service) Callback {
	return func(u Update) {
		mp, ok := handleRegistry.lookup(svc, u.Handle)
		if !ok {
			log.Debug("丢弃已注销句柄的更新", "handle", u.Handle)
			return
		}
		mp.applyUpdate(u)
	}
}
