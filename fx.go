package portmap

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-portmap/pkg/lib/serialqueue"
)

// ════════════════════════════════════════════════════════════════════════════
//                              模块输入依赖
// ════════════════════════════════════════════════════════════════════════════

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 配置（可选，缺省使用 DefaultConfig）
	Config *Config `optional:"true"`
}

// ════════════════════════════════════════════════════════════════════════════
//                              模块输出服务
// ════════════════════════════════════════════════════════════════════════════

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// Service 发现到的映射服务
	Service Service `name:"portmap"`

	// Queue 回调分发共享队列
	Queue *serialqueue.Queue `name:"portmap_queue"`
}

// ════════════════════════════════════════════════════════════════════════════
//                              服务提供
// ════════════════════════════════════════════════════════════════════════════

// ProvideServices 提供模块服务
//
// 在装配阶段执行网关发现，每个后端各自受 Config.DiscoveryTimeout 约束。
// 全部后端不可用时返回错误，Fx 应用装配失败；不把映射服务当作硬依赖的
// 应用应自行调用 Discover 并处理 ErrNoServiceAvailable。
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := DefaultConfig()
	if input.Config != nil {
		cfg = *input.Config
	}

	svc, err := Discover(context.Background(), cfg)
	if err != nil {
		return ModuleOutput{}, err
	}

	return ModuleOutput{
		Service: svc,
		Queue:   DefaultQueue(),
	}, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              模块定义
// ════════════════════════════════════════════════════════════════════════════

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("portmap",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In

	LC      fx.Lifecycle
	Service Service `name:"portmap"`
}

// registerLifecycle 注册生命周期
//
// 共享队列随进程存续，不在 OnStop 关闭：模块外通过 DefaultQueue
// 创建的映射对象可能仍在使用它。
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			log.Info("端口映射模块启动", "service", input.Service.Name())
			return nil
		},
		OnStop: func(_ context.Context) error {
			log.Info("端口映射模块停止")
			if err := input.Service.Close(); err != nil {
				log.Warn("映射服务关闭失败", "err", err)
			}
			return nil
		},
	})
}

// ════════════════════════════════════════════════════════════════════════════
//                              模块元信息
// ════════════════════════════════════════════════════════════════════════════

// 模块元信息常量
const (
	Version     = "v0.1.0"
	Name        = "portmap"
	Description = "端口映射模块，提供 TIME_WAIT 端口保留与 UPnP / NAT-PMP 网关映射"
)
