/*
Package main 提供 BatchFlow 服务端程序入口。

# 概述

cmd/batchflow 把批处理引擎包装为独立的 HTTP 服务：多个调用方通过
/v1/fetch 提交请求，共享同一个去重窗口，再由引擎合并为一次批量
上游调用。程序支持 YAML 配置与环境变量覆盖、结构化日志（zap）、
Prometheus 指标以及 OpenTelemetry 追踪。

# 核心类型

  - Server      — 组装引擎、分析器与 API/Metrics 双端口，errgroup 统一编排生命周期
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、health（探测 /health）、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、Metrics、CORS、RateLimiter（基于 IP）、APIKeyAuth（管理接口）
  - 优雅关闭：SIGINT/SIGTERM → 停止 HTTP → 关闭引擎（刷新并等待在途批次）→ 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
