// Package logger 提供 go-portmap 的统一日志系统
//
// 基于标准库 log/slog，支持：
//   - 按子系统配置日志级别
//   - 环境变量配置（PORTMAP_LOG_LEVEL, PORTMAP_LOG_FORMAT）
//   - 结构化日志
//
// 使用示例:
//
//	package upnp
//
//	import "github.com/dep2p/go-portmap/internal/util/logger"
//
//	var log = logger.Logger("portmap.upnp")
//
//	func foo() {
//	    log.Info("映射已建立", "internal", internalPort, "external", externalPort)
//	    log.Debug("网关响应", "gateway", addr, "lease", lease)
//	    log.Error("映射失败", "err", err, "port", port)
//	}
//
// 环境变量配置:
//
//	# 设置所有子系统为 info，UPnP 后端为 debug
//	PORTMAP_LOG_LEVEL=portmap.upnp=debug,info
//
//	# 使用 JSON 格式输出
//	PORTMAP_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*subsystemHandler

	// globalLogger 全局默认 Logger
	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once
)

// Logger 获取指定子系统的 Logger
//
// Logger 会根据 PORTMAP_LOG_LEVEL 环境变量配置日志级别。
// 同一子系统多次调用会返回相同的 Logger 实例。
//
// 示例:
//
//	var log = logger.Logger("portmap.natpmp")
//	log.Info("网关已发现", "gateway", gatewayIP)
func Logger(subsystem string) *slog.Logger {
	// 尝试从缓存获取
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	// 创建新 Logger
	cfg := ConfigFromEnv()
	level := cfg.LevelForSubsystem(subsystem)

	handler := newHandler(subsystem, level, cfg.Format)
	logger := slog.New(handler)

	// 缓存
	actual, _ := loggers.LoadOrStore(subsystem, logger)
	if h, ok := handler.(*subsystemHandler); ok {
		handlers.Store(subsystem, h)
	}

	return actual.(*slog.Logger)
}

// GlobalLogger 返回全局 Logger
//
// 用于不属于特定子系统的日志。
func GlobalLogger() *slog.Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = Logger("portmap")
	})
	return globalLogger
}

// SetLevel 动态设置子系统的日志级别
//
// 这允许在运行时调整日志级别，无需重启。
//
// 示例:
//
//	logger.SetLevel("upnp", slog.LevelDebug)
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).SetLevel(level)
	}
}

// SetGlobalLevel 设置所有已创建子系统的日志级别
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).SetLevel(level)
		return true
	})
}

// Discard 返回一个丢弃所有日志的 Logger
//
// 主要用于测试，避免日志输出干扰测试结果。
//
// 示例:
//
//	func TestFoo(t *testing.T) {
//	    log := logger.Discard()
//	    // ...
//	}
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// With 创建带有预设属性的 Logger
//
// 示例:
//
//	log := logger.With("portmap.upnp", "gateway", gatewayIP)
//	log.Info("映射已续约")  // 自动包含 gateway 属性
func With(subsystem string, args ...any) *slog.Logger {
	return Logger(subsystem).With(args...)
}

// SetOutput 设置全局日志输出目标
//
// 所有已创建和未来创建的 Logger 的输出都会重定向到新的 Writer。
//
// 示例:
//
//	file, _ := os.OpenFile("portmap.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
//	logger.SetOutput(file)
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()

	// 使用 dynamicWriter，已缓存 logger 的输出会自动重定向
}
