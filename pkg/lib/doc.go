// Package lib 包含基础设施工具库
//
// 本目录包含与映射组件无关的通用工具库：
//
//   - serialqueue: 单 goroutine 串行执行队列
//
// # 与 pkg/ 其他目录的关系
//
// pkg/ 目录包含两类内容：
//
//   - interfaces/: 组件公共契约（架构核心）
//   - lib/: 基础设施工具库（本目录）
//
// # 使用示例
//
//	import (
//	    "github.com/dep2p/go-portmap/pkg/lib/serialqueue"
//	)
package lib
