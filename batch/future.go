package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Future 单次完成的结果占位。引擎对每个 Future 恰好结算一次。
type Future struct {
	id      string
	done    chan struct{}
	settled atomic.Bool
	value   json.RawMessage
	err     error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID 返回对应请求的 ID
func (f *Future) ID() string {
	return f.id
}

// Done 结算后关闭
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled 是否已结算
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await 等待结算。ctx 取消只停止等待，请求本身仍会被结算。
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result 返回已结算的结果；未结算时返回 (nil, nil)
func (f *Future) Result() (json.RawMessage, error) {
	if !f.Settled() {
		return nil, nil
	}
	return f.value, f.err
}

func (f *Future) resolve(value json.RawMessage) {
	f.complete(value, nil)
}

func (f *Future) reject(err error) {
	f.complete(nil, err)
}

func (f *Future) complete(value json.RawMessage, err error) {
	if !f.settled.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("batch: future %s settled twice", f.id))
	}
	f.value = value
	f.err = err
	close(f.done)
}

// Await 等待 f 并把结果解码为 T
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var out T
	raw, err := f.Await(ctx)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("batch: decode response for %s: %w", f.id, err)
	}
	return out, nil
}
