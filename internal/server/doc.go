/*
包 server 管理 BatchFlow 的 HTTP 监听生命周期。

Manager 封装 net/http.Server：Start 非阻塞地监听并服务，
Run 在 context 结束时触发优雅关闭，便于交给 errgroup 统一编排；
Shutdown 在配置的超时内排空进行中的请求。API 端口与
Prometheus 指标端口各使用一个 Manager。
*/
package server
