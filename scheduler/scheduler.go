package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/clock"
	"github.com/BaSui01/batchflow/types"
)

// =============================================================================
// ⏱️ 窗口调度器
// =============================================================================

// Config 调度窗口配置
type Config struct {
	// 首次调度后等待的窗口
	DefaultWindow time.Duration `yaml:"default_window" json:"default_window"`
	// 窗口可被持续调度延长的上限（自首次武装起算）
	MaxWindow time.Duration `yaml:"max_window" json:"max_window"`
	// 累计调度次数达到该值时立即刷新
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
}

// DefaultConfig 返回默认调度配置
func DefaultConfig() Config {
	return Config{
		DefaultWindow: 50 * time.Millisecond,
		MaxWindow:     200 * time.Millisecond,
		MaxBatchSize:  20,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.DefaultWindow < 0 {
		return types.Errorf(types.ErrConfiguration, "default window must not be negative, got %s", c.DefaultWindow)
	}
	if c.MaxWindow < c.DefaultWindow {
		return types.Errorf(types.ErrConfiguration, "max window %s is shorter than default window %s", c.MaxWindow, c.DefaultWindow)
	}
	if c.MaxBatchSize < 1 {
		return types.Errorf(types.ErrConfiguration, "max batch size must be positive, got %d", c.MaxBatchSize)
	}
	return nil
}

// State 调度器状态
type State int

const (
	StateIdle State = iota
	StateArmed
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats 调度统计
type Stats struct {
	TotalScheduled int64 `json:"total_scheduled"`
	TotalFlushes   int64 `json:"total_flushes"`
	TimerFlushes   int64 `json:"timer_flushes"`
	SizeFlushes    int64 `json:"size_flushes"`
	UrgentFlushes  int64 `json:"urgent_flushes"`
	ManualFlushes  int64 `json:"manual_flushes"`
	Cleared        int64 `json:"cleared"`
}

type flushReason string

const (
	reasonTimer  flushReason = "timer"
	reasonSize   flushReason = "size"
	reasonUrgent flushReason = "urgent"
	reasonManual flushReason = "manual"
)

// WindowScheduler 把突发的 Schedule 调用合并为有限次刷新
type WindowScheduler struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	callback func()
	count    int
	armedAt  time.Time
	deadline time.Time
	timer    clock.Timer
	gen      uint64
	flushing int
	stats    Stats
}

// Option configures the WindowScheduler
type Option func(*WindowScheduler)

// WithClock 注入时钟
func WithClock(c clock.Clock) Option {
	return func(s *WindowScheduler) {
		s.clock = c
	}
}

// WithLogger 注入日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *WindowScheduler) {
		s.logger = logger
	}
}

// New 创建调度器
func New(cfg Config, opts ...Option) (*WindowScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &WindowScheduler{
		cfg:    cfg,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "window_scheduler"))

	return s, nil
}

// Schedule 登记一次待刷新的工作。
// urgent 或达到 MaxBatchSize 时立即在调用方 goroutine 中执行 cb，
// 否则武装（或延长）窗口定时器。
func (s *WindowScheduler) Schedule(cb func(), priority types.Priority) {
	s.mu.Lock()
	s.callback = cb
	s.count++
	s.stats.TotalScheduled++

	var reason flushReason
	switch {
	case priority >= types.PriorityUrgent:
		reason = reasonUrgent
	case s.count >= s.cfg.MaxBatchSize:
		reason = reasonSize
	default:
		s.armLocked()
		s.mu.Unlock()
		return
	}

	fn := s.takeLocked(reason)
	s.mu.Unlock()
	s.run(fn)
}

// Flush 立即执行待处理回调并解除定时器
func (s *WindowScheduler) Flush() {
	s.mu.Lock()
	if s.callback == nil && s.timer == nil {
		s.mu.Unlock()
		return
	}
	fn := s.takeLocked(reasonManual)
	s.mu.Unlock()
	s.run(fn)
}

// Withdraw 从当前窗口撤回 n 次调度（其请求已另行执行）。
// 窗口因此变空时解除定时器。
func (s *WindowScheduler) Withdraw(n int) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count -= n
	if s.count > 0 {
		return
	}
	s.count = 0
	s.stopTimerLocked()
	s.callback = nil
	s.logger.Debug("window emptied by withdraw")
}

// Clear 解除定时器但不执行回调
func (s *WindowScheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.callback = nil
	s.count = 0
	s.stats.Cleared++
}

// State 返回当前状态
func (s *WindowScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.timer != nil:
		return StateArmed
	case s.flushing > 0:
		return StateFlushing
	default:
		return StateIdle
	}
}

// IsArmed 定时器是否已武装
func (s *WindowScheduler) IsArmed() bool {
	return s.State() == StateArmed
}

// Pending 当前窗口内累计的调度次数
func (s *WindowScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Deadline 当前窗口的刷新时刻，未武装时返回零值
func (s *WindowScheduler) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}
	}
	return s.deadline
}

// Config 返回调度配置
func (s *WindowScheduler) Config() Config {
	return s.cfg
}

// Stats 返回统计快照
func (s *WindowScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats 清零统计
func (s *WindowScheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

// =============================================================================
// 🔧 内部方法
// =============================================================================

func (s *WindowScheduler) armLocked() {
	now := s.clock.Now()

	if s.timer == nil {
		s.armedAt = now
		s.deadline = now.Add(s.cfg.DefaultWindow)
		s.startTimerLocked(s.cfg.DefaultWindow)
		s.logger.Debug("window armed", zap.Duration("window", s.cfg.DefaultWindow))
		return
	}

	// 滑动延长，但不超过 armedAt + MaxWindow
	next := now.Add(s.cfg.DefaultWindow)
	if limit := s.armedAt.Add(s.cfg.MaxWindow); next.After(limit) {
		next = limit
	}
	if !next.After(s.deadline) {
		return
	}

	s.timer.Stop()
	s.deadline = next
	s.startTimerLocked(next.Sub(now))
}

func (s *WindowScheduler) startTimerLocked(d time.Duration) {
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() {
		s.onTimer(gen)
	})
}

func (s *WindowScheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// 使已经在途的定时器回调失效
	s.gen++
}

func (s *WindowScheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	fn := s.takeLocked(reasonTimer)
	s.mu.Unlock()
	s.run(fn)
}

func (s *WindowScheduler) takeLocked(reason flushReason) func() {
	s.stopTimerLocked()

	fn := s.callback
	count := s.count
	s.callback = nil
	s.count = 0
	s.flushing++

	s.stats.TotalFlushes++
	switch reason {
	case reasonTimer:
		s.stats.TimerFlushes++
	case reasonSize:
		s.stats.SizeFlushes++
	case reasonUrgent:
		s.stats.UrgentFlushes++
	case reasonManual:
		s.stats.ManualFlushes++
	}

	s.logger.Debug("window flushing",
		zap.String("reason", string(reason)),
		zap.Int("scheduled", count),
	)
	return fn
}

func (s *WindowScheduler) run(fn func()) {
	defer func() {
		s.mu.Lock()
		s.flushing--
		s.mu.Unlock()
	}()
	if fn != nil {
		fn()
	}
}
