// 版权所有 2026 BatchFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP 接口与
批处理引擎两个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
Collector 实现 batch.Recorder，可直接通过 batch.WithRecorder 注入管理器。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 批处理指标：批次数、批大小分布、逻辑请求数、去重合并数、
    网络调用数、回退次数、按错误码分组的整批失败数、批次耗时、
    当前排队数 Gauge。
*/
package metrics
