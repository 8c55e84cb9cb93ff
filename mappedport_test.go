package portmap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// ════════════════════════════════════════════════════════════════════════════
//                              服务替身
// ════════════════════════════════════════════════════════════════════════════

// fakeService 脚本化的映射服务替身。
// onBind 里的更新在队列绑定后立即按序投递（句柄自动填充），
// 置空 onBind 则由测试通过 deliver 手动投递。
type fakeService struct {
	mu       sync.Mutex
	nextH    Handle
	creates  int
	deallocs []Handle
	binds    map[Handle]*serialqueue.Queue
	cbs      map[Handle]Callback
	reqs     map[Handle]Request

	createErr error
	bindErr   error
	onBind    []Update
}

var _ Service = (*fakeService)(nil)

func newFakeService() *fakeService {
	return &fakeService{
		binds: make(map[Handle]*serialqueue.Queue),
		cbs:   make(map[Handle]Callback),
		reqs:  make(map[Handle]Request),
	}
}

func (f *fakeService) Name() string { return "fake" }

func (f *fakeService) CreateMapping(req Request, cb Callback) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return HandleNone, f.createErr
	}
	f.nextH++
	h := f.nextH
	f.cbs[h] = cb
	f.reqs[h] = req
	return h, nil
}

func (f *fakeService) BindQueue(h Handle, q *serialqueue.Queue) error {
	f.mu.Lock()
	if f.bindErr != nil {
		err := f.bindErr
		f.mu.Unlock()
		return err
	}
	f.binds[h] = q
	cb := f.cbs[h]
	script := append([]Update(nil), f.onBind...)
	f.mu.Unlock()

	for _, u := range script {
		u.Handle = h
		update := u
		q.Async(func() { cb(update) })
	}
	return nil
}

func (f *fakeService) Deallocate(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deallocs = append(f.deallocs, h)
	delete(f.cbs, h)
	delete(f.binds, h)
	return nil
}

func (f *fakeService) Close() error { return nil }

// deliver 手动向句柄投递一次更新
func (f *fakeService) deliver(h Handle, u Update) {
	f.mu.Lock()
	cb, okCB := f.cbs[h]
	q, okQ := f.binds[h]
	f.mu.Unlock()
	if !okCB || !okQ {
		return
	}
	u.Handle = h
	q.Async(func() { cb(u) })
}

func (f *fakeService) setOnBind(script []Update) {
	f.mu.Lock()
	f.onBind = script
	f.mu.Unlock()
}

func (f *fakeService) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeService) deallocated() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.deallocs...)
}

// waitBound 等待任意句柄完成队列绑定
func (f *fakeService) waitBound(t *testing.T) Handle {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		f.mu.Lock()
		for h := range f.binds {
			f.mu.Unlock()
			return h
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("等待映射请求发出超时")
		}
		time.Sleep(time.Millisecond)
	}
}

// flush 等待队列中已排队的任务全部执行完
func flush(t *testing.T, q *serialqueue.Queue) {
	t.Helper()
	if err := q.Sync(context.Background(), func() {}); err != nil {
		t.Fatalf("队列刷新失败: %v", err)
	}
}

func successUpdate(internal, external uint16, addr uint32) Update {
	return Update{
		InternalPort: internal,
		ExternalPort: external,
		ExternalAddr: addr,
		Lease:        time.Hour,
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              映射建立
// ════════════════════════════════════════════════════════════════════════════

func TestCreateMappingResolvedByFirstCallback(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(40000, 40000, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 40000, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	require.NoError(t, mp.CreateMapping(context.Background()))
	assert.True(t, mp.Mapped())
	assert.Equal(t, 1, svc.createCount())

	// 已映射状态下重复调用幂等，不发出新请求
	require.NoError(t, mp.CreateMapping(context.Background()))
	assert.Equal(t, 1, svc.createCount())

	port, addr, ok := mp.Binding()
	require.True(t, ok)
	assert.Equal(t, uint16(40000), port)
	assert.Equal(t, "1.2.3.4", addr.String())
	assert.Equal(t, time.Hour, mp.Lease())

	// 请求参数：未指定外部端口时默认与内部端口同号
	svc.mu.Lock()
	req := svc.reqs[Handle(1)]
	svc.mu.Unlock()
	assert.Equal(t, uint16(40000), req.ExternalPort)
	assert.Equal(t, ProtocolTCP, req.Protocol)
}

func TestAccessorsTriggerMappingAndReport(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(40000, 40000, 0x01020304)})

	// 不显式 CreateMapping，访问器透明发起映射；
	// 走包级默认队列，覆盖 DefaultQueue 路径。
	mp, err := New(svc, 40000)
	if err != nil {
		t.Fatalf("New 失败: %v", err)
	}
	defer mp.Close()

	ctx := context.Background()
	port, err := mp.ExternalPort(ctx)
	if err != nil {
		t.Fatalf("ExternalPort 失败: %v", err)
	}
	if port != 40000 {
		t.Fatalf("外部端口 = %d, want 40000", port)
	}

	addr, err := mp.ExternalAddress(ctx)
	if err != nil {
		t.Fatalf("ExternalAddress 失败: %v", err)
	}
	if addr != 0x01020304 {
		t.Fatalf("外部地址 = %#x, want 0x01020304", addr)
	}

	str, err := mp.ExternalAddressString(ctx)
	if err != nil {
		t.Fatalf("ExternalAddressString 失败: %v", err)
	}
	if str != "1.2.3.4" {
		t.Fatalf("外部地址字符串 = %q, want \"1.2.3.4\"", str)
	}

	ap, err := mp.ExternalAddrPort(ctx)
	if err != nil {
		t.Fatalf("ExternalAddrPort 失败: %v", err)
	}
	if ap.String() != "1.2.3.4:40000" {
		t.Fatalf("外部地址端口 = %q, want \"1.2.3.4:40000\"", ap.String())
	}

	if got := svc.createCount(); got != 1 {
		t.Fatalf("三个访问器只应发出一个请求: %d", got)
	}
	t.Log("✅ 访问器透明建立映射并报告外部值")
}

func TestConcurrentAccessorsCoalesce(t *testing.T) {
	svc := newFakeService()

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 7000, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	type result struct {
		port uint16
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			port, err := mp.ExternalPort(context.Background())
			results <- result{port, err}
		}()
	}

	h := svc.waitBound(t)
	svc.deliver(h, successUpdate(7000, 7070, 0x01020304))

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, uint16(7070), r.port)
	}
	assert.Equal(t, 1, svc.createCount(), "并发访问器应合并到同一请求")
}

func TestExplicitCreateWhilePendingRejected(t *testing.T) {
	svc := newFakeService()

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 8000, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- mp.CreateMapping(context.Background()) }()

	h := svc.waitBound(t)

	// 首次回调到达前的显式重复请求被拒绝
	require.ErrorIs(t, mp.CreateMapping(context.Background()), ErrMappingPending)

	svc.deliver(h, successUpdate(8000, 8000, 0x0A000001))
	require.NoError(t, <-errCh)
}

// ════════════════════════════════════════════════════════════════════════════
//                              失败与重试
// ════════════════════════════════════════════════════════════════════════════

func TestFirstCallbackFailureAllowsRetry(t *testing.T) {
	svc := newFakeService()
	gwErr := errors.New("gateway timeout")
	svc.setOnBind([]Update{{Err: gwErr}})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 9000, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	err = mp.CreateMapping(context.Background())
	require.Error(t, err)
	var me *MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "update", me.Op)
	assert.False(t, mp.Mapped())
	assert.Error(t, mp.LastError())

	// 网关恢复后重试成功，旧会话被释放
	svc.setOnBind([]Update{successUpdate(9000, 9000, 0x01020304)})
	require.NoError(t, mp.CreateMapping(context.Background()))
	assert.True(t, mp.Mapped())
	assert.NoError(t, mp.LastError(), "成功更新应清除最近错误")
	assert.Equal(t, 2, svc.createCount())
	require.Contains(t, svc.deallocated(), Handle(1), "重试前应释放失败的旧会话")
}

func TestSyncCreateFailure(t *testing.T) {
	svc := newFakeService()
	svc.createErr = errors.New("service saturated")

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 9100, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	err = mp.CreateMapping(context.Background())
	var me *MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "create", me.Op)
	assert.False(t, mp.Mapped())

	// 同步失败不留下句柄，放开后可直接重试
	svc.mu.Lock()
	svc.createErr = nil
	svc.mu.Unlock()
	svc.setOnBind([]Update{successUpdate(9100, 9100, 0x01020304)})
	require.NoError(t, mp.CreateMapping(context.Background()))
	assert.Empty(t, svc.deallocated(), "同步失败没有会话可释放")
}

func TestErrorUpdateClearsBinding(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(6000, 6000, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 6000, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	require.NoError(t, mp.CreateMapping(context.Background()))
	require.True(t, mp.Mapped())
	h := Handle(1)

	// 续约失败：绑定清空，错误可读
	svc.deliver(h, Update{Err: errors.New("lease expired")})
	flush(t, q)
	assert.False(t, mp.Mapped())
	assert.Error(t, mp.LastError())
	_, _, ok := mp.Binding()
	assert.False(t, ok)

	// 后续成功更新恢复绑定并清除错误
	svc.deliver(h, successUpdate(6000, 6001, 0x01020305))
	flush(t, q)
	assert.True(t, mp.Mapped())
	assert.NoError(t, mp.LastError())
	port, addr, ok := mp.Binding()
	require.True(t, ok)
	assert.Equal(t, uint16(6001), port)
	assert.Equal(t, "1.2.3.5", addr.String())
}

// ════════════════════════════════════════════════════════════════════════════
//                              后续回调与变更处理器
// ════════════════════════════════════════════════════════════════════════════

func TestSubsequentCallbacksRefreshValues(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(5000, 5000, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 5000, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	require.NoError(t, mp.CreateMapping(context.Background()))
	h := Handle(1)

	// 网关改授端口、改报内部端口、租约缩短
	svc.deliver(h, Update{
		InternalPort: 5001,
		ExternalPort: 50100,
		ExternalAddr: 0x05060708,
		Lease:        30 * time.Minute,
	})
	flush(t, q)

	port, addr, ok := mp.Binding()
	require.True(t, ok)
	assert.Equal(t, uint16(50100), port)
	assert.Equal(t, "5.6.7.8", addr.String())
	assert.Equal(t, uint16(5001), mp.InternalPort(), "内部端口以回调报告值为准")
	assert.Equal(t, 30*time.Minute, mp.Lease())
}

func TestOnChangedHandler(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(3000, 3000, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 3000, WithQueue(q))
	if err != nil {
		t.Fatalf("New 失败: %v", err)
	}
	defer mp.Close()

	var mu sync.Mutex
	var seen []bool // 每次回调时的映射存在性
	mp.OnChanged(func(p *MappedPort) {
		// 处理器在串行队列上运行，用非阻塞读取器取状态
		mu.Lock()
		seen = append(seen, p.Mapped())
		mu.Unlock()
	})

	if err := mp.CreateMapping(context.Background()); err != nil {
		t.Fatalf("CreateMapping 失败: %v", err)
	}
	h := Handle(1)
	svc.deliver(h, Update{Err: errors.New("gateway rebooted")})
	svc.deliver(h, successUpdate(3000, 3003, 0x01020304))
	flush(t, q)

	mu.Lock()
	got := append([]bool(nil), seen...)
	mu.Unlock()

	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("处理器调用次数 = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 次回调映射状态 = %v, want %v", i+1, got[i], want[i])
		}
	}
	t.Log("✅ 每次更新调用一次处理器，状态按投递顺序可见")
}

func TestOnChangedReplacesHandler(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(3100, 3100, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 3100, WithQueue(q))
	require.NoError(t, err)
	defer mp.Close()

	var first, second int
	var mu sync.Mutex
	mp.OnChanged(func(*MappedPort) { mu.Lock(); first++; mu.Unlock() })
	mp.OnChanged(func(*MappedPort) { mu.Lock(); second++; mu.Unlock() })

	require.NoError(t, mp.CreateMapping(context.Background()))
	flush(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, first, "被替换的处理器不应再被调用")
	assert.Equal(t, 1, second)
}

// ════════════════════════════════════════════════════════════════════════════
//                              取消与关闭
// ════════════════════════════════════════════════════════════════════════════

func TestContextCancelAbandonsWaitOnly(t *testing.T) {
	svc := newFakeService()

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 4000, WithQueue(q))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- mp.CreateMapping(ctx) }()

	h := svc.waitBound(t)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// 取消只放弃等待，请求仍然有效：迟到的回调照常应用
	svc.deliver(h, successUpdate(4000, 4000, 0x01020304))
	flush(t, q)
	assert.True(t, mp.Mapped())

	// 对象关闭时会话正常释放
	require.NoError(t, mp.Close())
	assert.Contains(t, svc.deallocated(), h)
}

func TestCloseReleasesSession(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(2000, 2000, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 2000, WithQueue(q))
	require.NoError(t, err)
	require.NoError(t, mp.CreateMapping(context.Background()))
	h := Handle(1)

	require.NoError(t, mp.Close())
	require.Equal(t, []Handle{h}, svc.deallocated())
	assert.False(t, mp.Mapped())

	// 幂等
	require.NoError(t, mp.Close())
	require.Len(t, svc.deallocated(), 1, "重复关闭不应重复释放")

	// 关闭后的对象拒绝新请求
	require.ErrorIs(t, mp.CreateMapping(context.Background()), ErrClosed)
	_, err = mp.ExternalPort(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseWhilePendingResolvesWaiter(t *testing.T) {
	svc := newFakeService()

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 2100, WithQueue(q))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- mp.CreateMapping(context.Background()) }()

	h := svc.waitBound(t)
	require.NoError(t, mp.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)
	assert.Contains(t, svc.deallocated(), h)
}

func TestLateCallbackAfterCloseDropped(t *testing.T) {
	svc := newFakeService()
	svc.setOnBind([]Update{successUpdate(2200, 2200, 0x01020304)})

	q := serialqueue.New("test")
	defer q.Close()

	mp, err := New(svc, 2200, WithQueue(q))
	require.NoError(t, err)
	require.NoError(t, mp.CreateMapping(context.Background()))
	h := Handle(1)

	var called int
	var mu sync.Mutex
	mp.OnChanged(func(*MappedPort) { mu.Lock(); called++; mu.Unlock() })
	flush(t, q)

	require.NoError(t, mp.Close())

	// 服务替身在 Deallocate 后仍强行投递，注册表应拦下
	svc.mu.Lock()
	svc.cbs[h] = dispatcherFor(svc)
	svc.binds[h] = q
	svc.mu.Unlock()
	svc.deliver(h, successUpdate(2200, 2200, 0x01020304))
	flush(t, q)

	assert.False(t, mp.Mapped(), "关闭后的迟到回调不应触达对象")
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, called)
}

func TestUnknownHandleCallbackIgnored(t *testing.T) {
	svc := newFakeService()
	// 从未注册过的句柄直接进分发器，不应崩溃
	dispatcherFor(svc)(Update{Handle: Handle(424242)})
}

// ════════════════════════════════════════════════════════════════════════════
//                              保留端口组合
// ════════════════════════════════════════════════════════════════════════════

func TestNewReservedPicksQuiescentPort(t *testing.T) {
	svc := newFakeService()

	mp, err := NewReserved(svc, WithProtocol(ProtocolTCP))
	if err != nil {
		t.Fatalf("NewReserved 失败: %v", err)
	}
	defer mp.Close()

	internal := mp.InternalPort()
	if internal == 0 {
		t.Fatal("保留端口不应为 0")
	}

	// 端口此刻处于静默期
	if ln, err := strictListen(internal); err == nil {
		_ = ln.Close()
		t.Fatalf("端口 %d 应处于保留静默期", internal)
	}

	svc.setOnBind([]Update{successUpdate(internal, internal, 0x01020304)})
	port, err := mp.ExternalPort(context.Background())
	if err != nil {
		t.Fatalf("ExternalPort 失败: %v", err)
	}
	if port != internal {
		t.Fatalf("外部端口 = %d, want %d", port, internal)
	}
	t.Log("✅ 保留端口与映射生命周期端到端贯通")
}
