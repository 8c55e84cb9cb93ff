//go:build integration

package portmap_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	portmap "github.com/dep2p/go-portmap"
)

// TestDiscoverAndMapEndToEnd 在真实局域网网关上验证完整链路
//
// 验证:
//   - Discover 能在 UPnP / NAT-PMP 中选出可用后端
//   - 保留端口到网关映射的端到端贯通
//   - 外部地址与端口可读且非零
//
// 需要局域网内存在开启 UPnP 或 NAT-PMP 的网关，用
// `go test -tags integration` 运行。
func TestDiscoverAndMapEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// 1. 发现映射服务
	svc, err := portmap.Discover(ctx, portmap.DefaultConfig())
	if errors.Is(err, portmap.ErrNoServiceAvailable) {
		t.Skipf("局域网内没有可用网关: %v", err)
	}
	require.NoError(t, err)
	defer svc.Close()
	t.Logf("使用后端: %s", svc.Name())

	// 2. 保留端口并建立映射
	mp, err := portmap.NewReserved(svc,
		portmap.WithLeaseDuration(5*time.Minute),
		portmap.WithDescription("portmap-integration"),
	)
	require.NoError(t, err)
	defer mp.Close()

	// 3. 等待首次回调并读取外部值
	ap, err := mp.ExternalAddrPort(ctx)
	require.NoError(t, err, "首次映射应在超时内完成")
	require.NotZero(t, ap.Port(), "外部端口不应为 0")
	require.True(t, ap.Addr().IsValid(), "外部地址应有效")
	t.Logf("✅ %s %d → %s", mp.Protocol(), mp.InternalPort(), ap)

	// 4. 释放后句柄失效
	require.NoError(t, mp.Close())
	_, err = mp.ExternalPort(ctx)
	require.ErrorIs(t, err, portmap.ErrClosed)
}
