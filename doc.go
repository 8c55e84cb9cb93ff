// Package portmap 提供端口保留与 NAT 端口映射的生命周期管理
//
// go-portmap 解决两个相关的问题：
//
//   - 端口保留：从操作系统确定性地取得一个本机空闲端口，让它在
//     大约两分钟的静默期内拒绝普通绑定，而本进程不持有任何指向
//     它的套接字。端口号可以安全地交给稍后以地址重用方式绑定它
//     的服务端框架。
//   - 映射生命周期：围绕一个内部端口驱动外部 NAT 映射，首次回调
//     前挂起发起方，之后的每次回调（续约、外网地址变化、异步失败）
//     刷新状态并通知变更处理器，直到对象关闭。
//
// # 核心概念
//
//   - Reserve / ReserveAvailableStartingAt: 端口保留入口
//   - MappedPort: 单个端口的映射生命周期对象
//   - Service: 映射服务契约，由 UPnP 与 NAT-PMP 后端实现
//   - Discover: 组合发现，自动选择本机可用的后端
//
// # 快速开始
//
//	import "github.com/dep2p/go-portmap"
//
//	// 1. 发现映射服务（UPnP 优先，退回 NAT-PMP）
//	svc, err := portmap.Discover(ctx, portmap.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	// 2. 保留一个空闲端口并建立映射
//	mp, err := portmap.NewReserved(svc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mp.Close()
//
//	external, err := mp.ExternalPort(ctx) // 挂起到首次回调
//	addr, _ := mp.ExternalAddressString(ctx)
//	fmt.Printf("%d -> %s:%d\n", mp.InternalPort(), addr, external)
//
//	// 3. 订阅后续变化（续约、外网地址变化）
//	mp.OnChanged(func(mp *portmap.MappedPort) {
//	    if port, ip, ok := mp.Binding(); ok {
//	        fmt.Printf("映射更新: %s:%d\n", ip, port)
//	    }
//	})
//
// # 架构分层
//
//	┌───────────────────────────────────────────────────────────┐
//	│  入口层                                                    │
//	│  Reserve / MappedPort / Discover      （本包）             │
//	├───────────────────────────────────────────────────────────┤
//	│  串行化域                                                  │
//	│  pkg/lib/serialqueue   所有状态变更与回调投递在此串行       │
//	├───────────────────────────────────────────────────────────┤
//	│  契约层                                                    │
//	│  pkg/interfaces/portmap   Service / Update / Config        │
//	├───────────────────────────────────────────────────────────┤
//	│  后端层                                                    │
//	│  internal/core/upnp       UPnP IGD（goupnp）               │
//	│  internal/core/natpmp     NAT-PMP（go-nat-pmp）            │
//	└───────────────────────────────────────────────────────────┘
//
// # 并发模型
//
// 所有 MappedPort 共享一个串行队列（可用 WithQueue 覆盖）。
// 服务回调、状态变更、变更处理器与关闭动作都以任务形式在队列上
// 顺序执行，因此同一对象的回调不会并发，关闭也不会与回调交错。
// 外部值访问器只挂起调用方，不阻塞队列。
//
// 核心不设超时：网关始终不应答时，等待首次回调的调用方会一直
// 挂起，可通过传入可取消的 context 放弃等待（请求本身仍会在
// Close 时释放）。
package portmap
