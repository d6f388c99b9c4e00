// Package dedup 计算请求的规范化指纹，并跟踪活跃（排队或在途）的指纹。
package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/types"
)

// Stats 去重统计
type Stats struct {
	TotalRequests        int64   `json:"total_requests"`
	DeduplicatedRequests int64   `json:"deduplicated_requests"`
	DeduplicationRate    float64 `json:"deduplication_rate"`
	Active               int     `json:"active"`
}

// Deduplicator 指纹生成与活跃指纹跟踪
type Deduplicator struct {
	logger *zap.Logger

	mu           sync.Mutex
	active       map[string]struct{}
	total        int64
	deduplicated int64
}

// New 创建去重器
func New(logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		logger: logger.With(zap.String("component", "deduplicator")),
		active: make(map[string]struct{}),
	}
}

// GenerateKey 生成稳定的指纹。params 先经 JSON 往返规范化，
// 对象键排序，因此 {a:1,b:2} 与 {b:2,a:1} 得到相同的 key。
func (d *Deduplicator) GenerateKey(endpoint string, params any) (string, error) {
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", types.NewError(types.ErrInvalidRequest, "params are not serializable").WithCause(err)
	}
	hash := sha256.Sum256(canonical)
	return endpoint + ":" + hex.EncodeToString(hash[:16]), nil
}

// Canonicalize 返回 v 的规范 JSON 表示（键有序、数字原样保留）
func Canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	// encoding/json 对 map 键排序输出
	return json.Marshal(generic)
}

// Track 记录一次逻辑请求。key 已活跃时返回 true，表示该请求被合并。
func (d *Deduplicator) Track(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.total++
	if _, ok := d.active[key]; ok {
		d.deduplicated++
		return true
	}
	d.active[key] = struct{}{}
	return false
}

// Release 指纹的所有等待方已结算后释放
func (d *Deduplicator) Release(key string) {
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

// ReleaseAll 清空全部活跃指纹
func (d *Deduplicator) ReleaseAll() {
	d.mu.Lock()
	d.active = make(map[string]struct{})
	d.mu.Unlock()
}

// IsActive 指纹是否处于排队或在途状态
func (d *Deduplicator) IsActive(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[key]
	return ok
}

// ActiveCount 活跃指纹数
func (d *Deduplicator) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Stats 返回去重统计
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		TotalRequests:        d.total,
		DeduplicatedRequests: d.deduplicated,
		Active:               len(d.active),
	}
	if d.total > 0 {
		stats.DeduplicationRate = float64(d.deduplicated) / float64(d.total)
	}
	return stats
}

// ResetStats 清零计数，不影响活跃指纹
func (d *Deduplicator) ResetStats() {
	d.mu.Lock()
	d.total = 0
	d.deduplicated = 0
	d.mu.Unlock()
	d.logger.Debug("dedup stats reset")
}
