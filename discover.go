package portmap

import (
	"context"

	"go.uber.org/multierr"

	"github.com/dep2p/go-portmap/internal/core/natpmp"
	"github.com/dep2p/go-portmap/internal/core/upnp"
)

// Discover 发现本机可用的映射服务
//
// 按 UPnP、NAT-PMP 的顺序尝试各启用的后端，返回第一个发现网关
// 的服务。全部不可用时返回 ErrNoServiceAvailable，可用 errors.Is
// 判断，失败原因逐一附在组合错误中。
//
// 返回的服务由调用方负责 Close。
func Discover(ctx context.Context, cfg Config) (Service, error) {
	var causes []error

	if cfg.EnableUPnP {
		svc, err := upnp.New(ctx, cfg)
		if err == nil {
			log.Info("使用 UPnP 映射服务")
			return svc, nil
		}
		log.Debug("UPnP 不可用", "err", err)
		causes = append(causes, err)
	}

	if cfg.EnableNATPMP {
		svc, err := natpmp.New(ctx, cfg)
		if err == nil {
			log.Info("使用 NAT-PMP 映射服务")
			return svc, nil
		}
		log.Debug("NAT-PMP 不可用", "err", err)
		causes = append(causes, err)
	}

	return nil, multierr.Append(ErrNoServiceAvailable, multierr.Combine(causes...))
}
