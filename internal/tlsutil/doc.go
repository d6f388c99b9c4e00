// Package tlsutil 提供上游批量接口客户端使用的 TLS 与连接池配置
// （TLS 1.2+，仅 AEAD 密码套件，单主机长连接复用）。
package tlsutil
