// Package main 提供 portmap 命令行入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	portmap "github.com/dep2p/go-portmap"
	"github.com/dep2p/go-portmap/internal/util/logger"
)

var log = logger.Logger("portmap.cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
var (
	// ─────────────────────────────────────────────────────────────────────
	// 映射参数
	// ─────────────────────────────────────────────────────────────────────
	port         = flag.Int("port", 0, "内部端口（0 = 自动保留一个空闲端口）")
	useUDP       = flag.Bool("udp", false, "映射 UDP 而非 TCP")
	externalPort = flag.Int("external-port", -1, "期望的外部端口（-1 = 与内部端口相同，0 = 网关分配）")
	ttl          = flag.Duration("ttl", 0, "映射租约时长（0 = 服务默认）")
	ifaceIndex   = flag.Int("iface", 0, "网络接口索引（0 = 任意接口）")
	backend      = flag.String("backend", "auto", "映射后端 (auto/upnp/natpmp)")
	description  = flag.String("description", "", "网关侧映射描述（留空自动生成）")
	timeout      = flag.Duration("timeout", 0, "网关发现超时（0 = 默认 10s）")

	// ─────────────────────────────────────────────────────────────────────
	// 保留模式
	// ─────────────────────────────────────────────────────────────────────
	reserveOnly = flag.Bool("reserve", false, "仅保留端口并退出，不建立映射")

	// ─────────────────────────────────────────────────────────────────────
	// 日志参数
	// ─────────────────────────────────────────────────────────────────────
	logLevel = flag.String("log-level", "", "日志级别 (debug/info/warn/error)，留空使用 PORTMAP_LOG_LEVEL")

	// ─────────────────────────────────────────────────────────────────────
	// 信息显示
	// ─────────────────────────────────────────────────────────────────────
	showVersion = flag.Bool("version", false, "显示版本信息")
	showHelp    = flag.Bool("help", false, "显示帮助信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Printf("portmap %s\n", portmap.Version)
		return nil
	}
	if *showHelp {
		printHelp()
		return nil
	}

	if *logLevel != "" {
		level, err := parseLevel(*logLevel)
		if err != nil {
			return err
		}
		logger.SetGlobalLevel(level)
	}

	if *port < 0 || *port > 65535 {
		return fmt.Errorf("非法端口 %d", *port)
	}
	if *externalPort > 65535 {
		return fmt.Errorf("非法外部端口 %d", *externalPort)
	}

	// 保留模式：取得端口后立即退出，端口号单独输出到 stdout 便于脚本取用
	if *reserveOnly {
		if *useUDP {
			return errors.New("保留模式仅支持 TCP，TIME_WAIT 静默期依赖 TCP 连接状态")
		}
		reserved, err := portmap.Reserve(uint16(*port))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "端口 %d 已保留，静默期内其他进程的严格绑定将失败\n", reserved)
		fmt.Println(reserved)
		return nil
	}

	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	// 信号到达时取消 ctx：既中断等待首次映射，也结束主循环
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	fmt.Println("正在发现映射服务...")
	svc, err := portmap.Discover(ctx, cfg)
	if err != nil {
		return fmt.Errorf("发现映射服务失败: %w", err)
	}
	defer func() { _ = svc.Close() }()

	opts, err := buildOptions()
	if err != nil {
		return err
	}

	var mp *portmap.MappedPort
	if *port > 0 {
		mp, err = portmap.New(svc, uint16(*port), opts...)
	} else {
		mp, err = portmap.NewReserved(svc, opts...)
	}
	if err != nil {
		return fmt.Errorf("创建映射失败: %w", err)
	}
	defer func() { _ = mp.Close() }()

	log.Info("等待首次映射", "service", svc.Name(), "internal", mp.InternalPort())
	external, err := mp.ExternalPort(ctx)
	if err != nil {
		return fmt.Errorf("建立映射失败: %w", err)
	}
	addr, err := mp.ExternalAddressString(ctx)
	if err != nil {
		return fmt.Errorf("读取外网地址失败: %w", err)
	}

	printMappingInfo(svc.Name(), mp, addr, external)

	// 首次映射已打印，之后的每次变化（续约、外网地址变化、异步失败）
	// 都重新打印一行
	mp.OnChanged(func(mp *portmap.MappedPort) {
		if err := mp.LastError(); err != nil {
			fmt.Printf("映射失效: %v\n", err)
			return
		}
		if p, ip, ok := mp.Binding(); ok {
			fmt.Printf("映射更新: %s %d → %s:%d (租约 %s)\n",
				mp.Protocol(), mp.InternalPort(), ip, p, mp.Lease())
		}
	})

	fmt.Println("映射保持中，按 Ctrl+C 退出")
	<-ctx.Done()

	fmt.Println("\n正在释放映射...")
	return nil
}

// buildConfig 根据 -backend 与 -timeout 构建发现配置
func buildConfig() (portmap.Config, error) {
	cfg := portmap.DefaultConfig()
	switch strings.ToLower(*backend) {
	case "auto":
	case "upnp":
		cfg.EnableNATPMP = false
	case "natpmp":
		cfg.EnableUPnP = false
	default:
		return cfg, fmt.Errorf("未知后端 %q（可选 auto/upnp/natpmp）", *backend)
	}
	if *timeout > 0 {
		cfg.DiscoveryTimeout = *timeout
	}
	return cfg, nil
}

// buildOptions 根据命令行参数构建映射选项
func buildOptions() ([]portmap.Option, error) {
	proto := portmap.ProtocolTCP
	if *useUDP {
		proto = portmap.ProtocolUDP
	}

	opts := []portmap.Option{portmap.WithProtocol(proto)}
	if *externalPort >= 0 {
		opts = append(opts, portmap.WithRequestedExternalPort(uint16(*externalPort)))
	}
	if *ttl > 0 {
		opts = append(opts, portmap.WithLeaseDuration(*ttl))
	}
	if *ifaceIndex != 0 {
		opts = append(opts, portmap.WithInterfaceIndex(*ifaceIndex))
	}
	if *description != "" {
		opts = append(opts, portmap.WithDescription(*description))
	}
	return opts, nil
}

// parseLevel 解析日志级别名称
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("未知日志级别 %q（可选 debug/info/warn/error）", s)
	}
}

// printMappingInfo 打印映射信息（美化输出）
func printMappingInfo(service string, mp *portmap.MappedPort, addr string, external uint16) {
	mapping := fmt.Sprintf("%s %d → %s:%d", mp.Protocol(), mp.InternalPort(), addr, external)
	lease := "service default"
	if d := mp.Lease(); d > 0 {
		lease = d.String()
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║            Port Mapping Established (%s)                ║\n", portmap.Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Service:  %-50s  ║\n", service)
	fmt.Printf("║  Mapping:  %-50s  ║\n", mapping)
	fmt.Printf("║  Lease:    %-50s  ║\n", lease)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("portmap - 端口保留与 NAT 端口映射工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  portmap [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("后端说明")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println("  auto     - 依次尝试 UPnP、NAT-PMP，使用第一个发现网关的后端")
	fmt.Println("  upnp     - 仅使用 UPnP IGD（SSDP 多播发现）")
	fmt.Println("  natpmp   - 仅使用 NAT-PMP（默认网关 UDP 5351）")
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("环境变量")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println("  PORTMAP_LOG_LEVEL    日志级别，支持按子系统配置")
	fmt.Println("                       例: PORTMAP_LOG_LEVEL=portmap.upnp=debug,info")
	fmt.Println("  PORTMAP_LOG_FORMAT   日志格式 (text/json)")
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println("使用示例")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════")
	fmt.Println()
	fmt.Println("  # 保留一个空闲端口并为它建立映射（外部端口与内部相同）")
	fmt.Println("  portmap")
	fmt.Println()
	fmt.Println("  # 为已知端口建立 UDP 映射，租约 30 分钟")
	fmt.Println("  portmap -port 51820 -udp -ttl 30m")
	fmt.Println()
	fmt.Println("  # 外部端口交给网关分配")
	fmt.Println("  portmap -port 8080 -external-port 0")
	fmt.Println()
	fmt.Println("  # 仅保留端口（端口号输出到 stdout，便于脚本取用）")
	fmt.Println("  PORT=$(portmap -reserve)")
	fmt.Println()
	fmt.Println("  # 强制使用 NAT-PMP 并打开调试日志")
	fmt.Println("  portmap -backend natpmp -log-level debug")
}
