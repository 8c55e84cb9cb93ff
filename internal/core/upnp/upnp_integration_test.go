//go:build integration

package upnp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-portmap/internal/core/upnp"
	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// TestUPnPAgainstRealGateway 在真实 UPnP 网关上验证映射生命周期
//
// 验证:
//   - SSDP 发现能定位局域网内的 IGD 设备
//   - 映射建立后首次更新携带外部地址与端口
//   - Deallocate 后句柄失效
//
// 需要局域网内存在开启 UPnP 的网关，用 `go test -tags integration` 运行。
func TestUPnPAgainstRealGateway(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. 发现网关
	svc, err := upnp.New(ctx, portmapif.DefaultConfig())
	if errors.Is(err, upnp.ErrNoGateway) {
		t.Skipf("局域网内没有 UPnP 网关: %v", err)
	}
	require.NoError(t, err)
	defer svc.Close()

	// 2. 建立映射并等待首次更新
	q := serialqueue.New("upnp-integration")
	defer q.Close()

	updates := make(chan portmapif.Update, 4)
	h, err := svc.CreateMapping(portmapif.Request{
		Protocol:     portmapif.ProtocolTCP,
		InternalPort: 48321,
		Lease:        5 * time.Minute,
		Description:  "portmap-integration",
	}, func(u portmapif.Update) { updates <- u })
	require.NoError(t, err)
	require.NoError(t, svc.BindQueue(h, q))

	select {
	case u := <-updates:
		require.NoError(t, u.Err, "网关拒绝了映射请求")
		require.NotZero(t, u.ExternalPort)
		require.NotZero(t, u.ExternalAddr)
		t.Logf("✅ 映射建立: %d → %s:%d",
			u.InternalPort, u.ExternalIP(), u.ExternalPort)
	case <-ctx.Done():
		t.Fatal("等待首次更新超时")
	}

	// 3. 释放映射
	require.NoError(t, svc.Deallocate(h))
	require.ErrorIs(t, svc.Deallocate(h), upnp.ErrUnknownHandle)
}
