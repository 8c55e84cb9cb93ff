//go:build integration

package natpmp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-portmap/internal/core/natpmp"
	portmapif "github.com/dep2p/go-portmap/pkg/interfaces/portmap"
	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// TestNATPMPAgainstRealGateway 在真实 NAT-PMP 网关上验证映射生命周期
//
// 验证:
//   - 默认网关响应 NAT-PMP 请求
//   - 映射建立后首次更新携带网关授予的外部端口
//   - Deallocate 把租约置零回收映射
//
// 需要默认网关支持 NAT-PMP（或 PCP 兼容模式），用
// `go test -tags integration` 运行。
func TestNATPMPAgainstRealGateway(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. 定位并验证网关
	svc, err := natpmp.New(ctx, portmapif.DefaultConfig())
	if errors.Is(err, natpmp.ErrNoGateway) || errors.Is(err, natpmp.ErrNotSupported) {
		t.Skipf("默认网关不支持 NAT-PMP: %v", err)
	}
	require.NoError(t, err)
	defer svc.Close()

	// 2. 建立映射并等待首次更新
	q := serialqueue.New("natpmp-integration")
	defer q.Close()

	updates := make(chan portmapif.Update, 4)
	h, err := svc.CreateMapping(portmapif.Request{
		Protocol:     portmapif.ProtocolUDP,
		InternalPort: 48322,
		Lease:        5 * time.Minute,
	}, func(u portmapif.Update) { updates <- u })
	require.NoError(t, err)
	require.NoError(t, svc.BindQueue(h, q))

	select {
	case u := <-updates:
		require.NoError(t, u.Err, "网关拒绝了映射请求")
		require.NotZero(t, u.ExternalPort, "网关应授予一个外部端口")
		t.Logf("✅ 映射建立: %d → %s:%d",
			u.InternalPort, u.ExternalIP(), u.ExternalPort)
	case <-ctx.Done():
		t.Fatal("等待首次更新超时")
	}

	// 3. 释放映射
	require.NoError(t, svc.Deallocate(h))
	require.ErrorIs(t, svc.Deallocate(h), natpmp.ErrUnknownHandle)
}
