package batch

import (
	"time"

	"github.com/BaSui01/batchflow/types"
)

// Recorder 接收批处理引擎的指标事件，internal/metrics.Collector 提供 Prometheus 实现
type Recorder interface {
	// RecordBatch 一个批次结算完成
	RecordBatch(unique, waiters int, duration time.Duration)
	// RecordBatchFailure 整批失败
	RecordBatchFailure(code types.ErrorCode, waiters int)
	// RecordDeduplicated 一个请求被合并到已有指纹
	RecordDeduplicated()
	// RecordFallback 批量接口失败后回退逐个执行
	RecordFallback(requests int)
	// RecordNetworkCalls 实际发出的网络调用次数
	RecordNetworkCalls(n int)
	// SetPending 当前排队的等待方数量
	SetPending(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordBatch(int, int, time.Duration)     {}
func (nopRecorder) RecordBatchFailure(types.ErrorCode, int) {}
func (nopRecorder) RecordDeduplicated()                     {}
func (nopRecorder) RecordFallback(int)                      {}
func (nopRecorder) RecordNetworkCalls(int)                  {}
func (nopRecorder) SetPending(int)                          {}
