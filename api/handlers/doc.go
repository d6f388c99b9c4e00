/*
Package handlers 提供 BatchFlow HTTP API 的请求处理器实现。

# 概述

handlers 包把批处理引擎暴露为 HTTP 端点，并提供健康检查以及
统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - BatchHandler     — 请求提交（/v1/fetch）、统计、报告、刷新、清空与重置
  - HealthHandler    — 存活与就绪检查（/health, /healthz, /ready, /readyz, /version），/health 附带引擎摘要
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 与上游状态码
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔检查。NewManagerCheck 是关键检查，引擎关闭后返回 503；
    NewBacklogCheck 与 NewFailureRateCheck 是建议性检查，只把状态降为 degraded

# 错误码映射

	INVALID_REQUEST → 400    CLIENT_QUEUE  → 409
	TRANSPORT       → 502    SERVER        → 502
	CLOSED          → 503    CONFIGURATION → 500
	UNAUTHORIZED    → 401    RATE_LIMITED  → 429
	INTERNAL        → 500

等待超时返回 504；请求本身仍留在窗口中并会被正常结算。
*/
package handlers
