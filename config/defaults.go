// =============================================================================
// 📦 BatchFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/batchflow/analytics"
	"github.com/BaSui01/batchflow/batch"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Batch:     DefaultBatchConfig(),
		Analytics: DefaultAnalyticsConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultBatchConfig 返回默认批处理配置，与 batch.DefaultConfig 保持一致
func DefaultBatchConfig() BatchConfig {
	bc := batch.DefaultConfig()
	return BatchConfig{
		DefaultWindow:   bc.DefaultWindow,
		MaxWindow:       bc.MaxWindow,
		MaxBatchSize:    bc.MaxBatchSize,
		BaseURL:         "http://localhost:3000",
		BatchEndpoint:   bc.BatchEndpoint,
		HTTPTimeout:     bc.HTTPTimeout,
		FallbackEnabled: bc.FallbackEnabled,
		FallbackRPS:     bc.FallbackRPS,
		FallbackBurst:   bc.FallbackBurst,
	}
}

// DefaultAnalyticsConfig 返回默认分析配置
func DefaultAnalyticsConfig() AnalyticsConfig {
	ac := analytics.DefaultConfig()
	return AnalyticsConfig{
		HistorySize:        ac.HistorySize,
		PerRequestEstimate: ac.PerRequestEstimate,
		SnapshotInterval:   ac.SnapshotInterval,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "batchflow",
		SampleRate:   0.1,
	}
}
