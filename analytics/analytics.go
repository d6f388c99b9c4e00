// Package analytics 汇总批处理引擎的统计，维护快照历史并生成调优建议。
//
// Analytics 只读取引擎状态，唯一的写操作是通过引擎自身的 ResetStats 清零。
package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/batch"
	"github.com/BaSui01/batchflow/clock"
	"github.com/BaSui01/batchflow/dedup"
	"github.com/BaSui01/batchflow/scheduler"
)

// 建议规则阈值
const (
	lowEfficiency      = 0.3
	lowEfficiencyAfter = 10
	largeAverageBatch  = 15.0
	highDedupRate      = 0.3
	frequentFallback   = 0.1
)

// HealthyMessage 没有任何规则命中时的建议
const HealthyMessage = "Batching is performing well; no changes recommended."

// Source 被汇总的引擎，*batch.Manager 满足该接口
type Source interface {
	Stats() batch.Stats
	DedupStats() dedup.Stats
	SchedulerStats() scheduler.Stats
	ResetStats()
}

// Config 分析器配置
type Config struct {
	HistorySize        int           `yaml:"history_size" json:"history_size"`
	PerRequestEstimate time.Duration `yaml:"per_request_estimate" json:"per_request_estimate"`
	SnapshotInterval   time.Duration `yaml:"snapshot_interval" json:"snapshot_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		HistorySize:        100,
		PerRequestEstimate: 100 * time.Millisecond,
		SnapshotInterval:   30 * time.Second,
	}
}

// Summary 派生的效率指标
type Summary struct {
	PotentialRequests    int64         `json:"potential_requests"`
	ActualRequests       int64         `json:"actual_requests"`
	TotalBatches         int64         `json:"total_batches"`
	RequestsSaved        int64         `json:"requests_saved"`
	RequestsDeduplicated int64         `json:"requests_deduplicated"`
	Efficiency           float64       `json:"efficiency"`
	DeduplicationRate    float64       `json:"deduplication_rate"`
	AverageBatchSize     float64       `json:"average_batch_size"`
	FallbackBatches      int64         `json:"fallback_batches"`
	FailedBatches        int64         `json:"failed_batches"`
	PendingRequests      int           `json:"pending_requests"`
	EstimatedTimeSaved   time.Duration `json:"estimated_time_saved"`
}

// Snapshot 某一时刻三个组件的统计
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Manager   batch.Stats     `json:"manager"`
	Dedup     dedup.Stats     `json:"dedup"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

// Report 汇总 + 历史 + 建议
type Report struct {
	GeneratedAt     time.Time  `json:"generated_at"`
	Summary         Summary    `json:"summary"`
	History         []Snapshot `json:"history"`
	Recommendations []string   `json:"recommendations"`
}

// Option configures Analytics
type Option func(*Analytics)

// WithConfig 覆盖默认配置
func WithConfig(cfg Config) Option {
	return func(a *Analytics) {
		a.cfg = cfg
	}
}

// WithClock 注入时钟
func WithClock(c clock.Clock) Option {
	return func(a *Analytics) {
		a.clock = c
	}
}

// WithLogger 注入日志
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analytics) {
		a.logger = logger
	}
}

// Analytics 批处理效率分析器
type Analytics struct {
	src    Source
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	history []Snapshot
	next    int
	full    bool
}

// New 创建分析器
func New(src Source, opts ...Option) *Analytics {
	a := &Analytics{
		src:    src,
		cfg:    DefaultConfig(),
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.HistorySize <= 0 {
		a.cfg.HistorySize = DefaultConfig().HistorySize
	}
	a.history = make([]Snapshot, a.cfg.HistorySize)
	a.logger = a.logger.With(zap.String("component", "batch_analytics"))
	return a
}

// Summary 计算当前效率指标
func (a *Analytics) Summary() Summary {
	return summarize(a.src.Stats(), a.src.DedupStats(), a.cfg.PerRequestEstimate)
}

func summarize(ms batch.Stats, ds dedup.Stats, perRequest time.Duration) Summary {
	s := Summary{
		PotentialRequests:    ms.TotalRequests,
		ActualRequests:       ms.NetworkCalls,
		TotalBatches:         ms.TotalBatches,
		RequestsSaved:        ms.RequestsSaved,
		RequestsDeduplicated: ds.DeduplicatedRequests,
		DeduplicationRate:    ds.DeduplicationRate,
		AverageBatchSize:     ms.AverageBatchSize,
		FallbackBatches:      ms.FallbackBatches,
		FailedBatches:        ms.FailedBatches,
		PendingRequests:      ms.PendingRequests,
	}
	if s.PotentialRequests > 0 {
		s.Efficiency = 1 - float64(s.ActualRequests)/float64(s.PotentialRequests)
		if s.Efficiency < 0 {
			s.Efficiency = 0
		}
	}

	// 管理器按批次统计的节省数 + 去重器统计的合并数
	s.EstimatedTimeSaved = time.Duration(ms.RequestsSaved+ds.DeduplicatedRequests) * perRequest
	return s
}

// Snapshot 记录一次快照，容量满时淘汰最旧的
func (a *Analytics) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: a.clock.Now(),
		Manager:   a.src.Stats(),
		Dedup:     a.src.DedupStats(),
		Scheduler: a.src.SchedulerStats(),
	}

	a.mu.Lock()
	a.history[a.next] = snap
	a.next = (a.next + 1) % len(a.history)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	return snap
}

// History 按时间顺序返回快照
func (a *Analytics) History() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		return append([]Snapshot(nil), a.history[:a.next]...)
	}
	out := make([]Snapshot, 0, len(a.history))
	out = append(out, a.history[a.next:]...)
	out = append(out, a.history[:a.next]...)
	return out
}

// Report 生成报告
func (a *Analytics) Report() Report {
	summary := a.Summary()
	return Report{
		GeneratedAt:     a.clock.Now(),
		Summary:         summary,
		History:         a.History(),
		Recommendations: Recommend(summary),
	}
}

// Reset 清零引擎统计并清空历史
func (a *Analytics) Reset() {
	a.src.ResetStats()

	a.mu.Lock()
	a.history = make([]Snapshot, len(a.history))
	a.next = 0
	a.full = false
	a.mu.Unlock()

	a.logger.Info("analytics reset")
}

// Run 按 interval 周期快照，直到 ctx 结束
func (a *Analytics) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.cfg.SnapshotInterval
	}
	if interval <= 0 {
		return fmt.Errorf("analytics: snapshot interval must be positive, got %s", interval)
	}

	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return a.clock.AfterFunc(interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			timer = arm()
			snap := a.Snapshot()
			a.logger.Debug("snapshot recorded",
				zap.Int64("total_requests", snap.Manager.TotalRequests),
				zap.Int64("network_calls", snap.Manager.NetworkCalls),
				zap.Float64("dedup_rate", snap.Dedup.DeduplicationRate),
			)
		}
	}
}

// Recommend 按阈值规则生成建议
func Recommend(s Summary) []string {
	var recs []string

	if s.TotalBatches > lowEfficiencyAfter && s.Efficiency < lowEfficiency {
		recs = append(recs, fmt.Sprintf(
			"Efficiency is %.0f%% across %d batches; consider widening the batch window so more requests share a round trip.",
			s.Efficiency*100, s.TotalBatches))
	}
	if s.AverageBatchSize > largeAverageBatch {
		recs = append(recs, fmt.Sprintf(
			"Average batch size is %.1f; large batches add latency, consider lowering max batch size or the window.",
			s.AverageBatchSize))
	}
	if s.DeduplicationRate > highDedupRate {
		recs = append(recs, fmt.Sprintf(
			"%.0f%% of requests are duplicates; callers may be fetching the same data redundantly.",
			s.DeduplicationRate*100))
	}
	if s.TotalBatches > 0 && float64(s.FallbackBatches)/float64(s.TotalBatches) > frequentFallback {
		recs = append(recs, fmt.Sprintf(
			"The batch endpoint failed for %d of %d batches; check its health, fallback loses the batching benefit.",
			s.FallbackBatches, s.TotalBatches))
	}

	if len(recs) == 0 {
		recs = append(recs, HealthyMessage)
	}
	return recs
}
