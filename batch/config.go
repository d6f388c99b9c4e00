package batch

import (
	"time"

	"github.com/BaSui01/batchflow/scheduler"
	"github.com/BaSui01/batchflow/types"
)

// Config 批处理管理器配置
type Config struct {
	// 窗口调度
	DefaultWindow time.Duration `yaml:"default_window" json:"default_window"`
	MaxWindow     time.Duration `yaml:"max_window" json:"max_window"`
	MaxBatchSize  int           `yaml:"max_batch_size" json:"max_batch_size"`

	// 默认网络执行器
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	BatchEndpoint string        `yaml:"batch_endpoint" json:"batch_endpoint"`
	HTTPTimeout   time.Duration `yaml:"http_timeout" json:"http_timeout"`

	// 批量接口失败后逐个请求回退
	FallbackEnabled bool    `yaml:"fallback_enabled" json:"fallback_enabled"`
	FallbackRPS     float64 `yaml:"fallback_rps" json:"fallback_rps"`
	FallbackBurst   int     `yaml:"fallback_burst" json:"fallback_burst"`
}

// DefaultConfig 返回合理的默认值
func DefaultConfig() Config {
	sc := scheduler.DefaultConfig()
	return Config{
		DefaultWindow:   sc.DefaultWindow,
		MaxWindow:       sc.MaxWindow,
		MaxBatchSize:    sc.MaxBatchSize,
		BatchEndpoint:   "/api/batch",
		HTTPTimeout:     30 * time.Second,
		FallbackEnabled: true,
		FallbackRPS:     20,
		FallbackBurst:   1,
	}
}

// SchedulerConfig 提取调度窗口配置
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		DefaultWindow: c.DefaultWindow,
		MaxWindow:     c.MaxWindow,
		MaxBatchSize:  c.MaxBatchSize,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if err := c.SchedulerConfig().Validate(); err != nil {
		return err
	}
	if c.HTTPTimeout < 0 {
		return types.Errorf(types.ErrConfiguration, "http timeout must not be negative, got %s", c.HTTPTimeout)
	}
	if c.FallbackRPS < 0 {
		return types.Errorf(types.ErrConfiguration, "fallback rps must not be negative, got %v", c.FallbackRPS)
	}
	if c.FallbackRPS > 0 && c.FallbackBurst < 1 {
		return types.Errorf(types.ErrConfiguration, "fallback burst must be positive when rps is set, got %d", c.FallbackBurst)
	}
	return nil
}
