package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/batchflow/clock"
	"github.com/BaSui01/batchflow/testutil"
	"github.com/BaSui01/batchflow/testutil/mocks"
	"github.com/BaSui01/batchflow/types"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(testEpoch)
	opts = append([]Option{WithClock(clk), WithLogger(zaptest.NewLogger(t))}, opts...)
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})
	return m, clk
}

// constantData answers every request with the same payload.
func constantData(data string) func(types.BatchRequest) types.BatchResponse {
	return func(req types.BatchRequest) types.BatchResponse {
		return types.BatchResponse{ID: req.ID, Success: true, Data: json.RawMessage(data)}
	}
}

func awaitAll(t *testing.T, ctx context.Context, futures ...*Future) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(futures))
	for i, f := range futures {
		raw, err := f.Await(ctx)
		require.NoError(t, err)
		out[i] = raw
	}
	return out
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 0
	_, err := NewManager(cfg, WithExecutor(mocks.NewMockExecutor()))
	testutil.AssertErrorCode(t, err, types.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.MaxWindow = cfg.DefaultWindow / 2
	_, err = NewManager(cfg, WithExecutor(mocks.NewMockExecutor()))
	testutil.AssertErrorCode(t, err, types.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.BatchEndpoint = ""
	_, err = NewManager(cfg)
	testutil.AssertErrorCode(t, err, types.ErrConfiguration)
}

func TestManager_DuplicateRequestsShareOneCall(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().WithHandler(constantData(`"X"`))
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	f1 := m.Add(ctx, "/x", types.MethodGet, map[string]any{"id": 1}, types.PriorityNormal)
	f2 := m.Add(ctx, "/x", types.MethodGet, map[string]any{"id": 1}, types.PriorityNormal)
	assert.Equal(t, 2, m.PendingCount())
	assert.NotEqual(t, f1.ID(), f2.ID())

	require.NoError(t, m.Flush(ctx))

	results := awaitAll(t, ctx, f1, f2)
	assert.Equal(t, `"X"`, string(results[0]))
	assert.Equal(t, `"X"`, string(results[1]))

	require.Equal(t, 1, exec.CallCount())
	require.Len(t, exec.LastCall().Requests, 1)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TotalBatches)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.RequestsSaved)
	assert.Equal(t, int64(1), stats.NetworkCalls)
	assert.InDelta(t, 2.0, stats.AverageBatchSize, 0.0001)
	assert.InDelta(t, 0.5, stats.Efficiency, 0.0001)
	assert.Zero(t, stats.PendingRequests)

	dstats := m.DedupStats()
	assert.Equal(t, int64(2), dstats.TotalRequests)
	assert.Equal(t, int64(1), dstats.DeduplicatedRequests)
	assert.Zero(t, dstats.Active, "fingerprints are released once settled")
}

func TestManager_MethodAndKeyOrderParticipateInFingerprint(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	futures := []*Future{
		m.Get(ctx, "/lists", map[string]any{"a": 1, "b": 2}, types.PriorityNormal),
		m.Get(ctx, "/lists", map[string]any{"b": 2, "a": 1}, types.PriorityNormal),
		m.Post(ctx, "/lists", map[string]any{"a": 1, "b": 2}, types.PriorityNormal),
		m.Add(ctx, "/lists", "get", map[string]any{"a": 1, "b": 2}, types.PriorityNormal),
	}
	require.NoError(t, m.Flush(ctx))
	awaitAll(t, ctx, futures...)

	require.Equal(t, 1, exec.CallCount())
	assert.Len(t, exec.LastCall().Requests, 2, "GET and POST are separate fingerprints")
	assert.Equal(t, int64(2), m.Stats().RequestsSaved)
}

func TestManager_TimerFlush(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	cfg := DefaultConfig()
	m, clk := newTestManager(t, cfg, WithExecutor(exec))

	f := m.Get(ctx, "/users/1", nil, types.PriorityNormal)
	assert.Equal(t, 1, clk.PendingTimers())

	clk.Advance(cfg.DefaultWindow - time.Millisecond)
	assert.Zero(t, exec.CallCount(), "window has not elapsed")
	assert.False(t, f.Settled())

	clk.Advance(time.Millisecond)
	raw, err := f.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint":"/users/1","method":"GET","data":null}`, string(raw))
	assert.Equal(t, int64(1), m.SchedulerStats().TimerFlushes)
}

func TestManager_SizeCapFlushesWithoutTimer(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 20
	m, clk := newTestManager(t, cfg, WithExecutor(exec))

	futures := make([]*Future, 25)
	for i := range futures {
		futures[i] = m.Get(ctx, fmt.Sprintf("/items/%d", i), nil, types.PriorityNormal)
	}

	require.True(t, testutil.WaitFor(func() bool { return len(exec.Calls()) == 1 }, 2*time.Second))
	assert.Len(t, exec.Calls()[0].Requests, 20)
	assert.Equal(t, 5, m.PendingCount(), "the remaining requests open a new window")
	assert.Equal(t, int64(1), m.SchedulerStats().SizeFlushes)

	clk.Advance(cfg.DefaultWindow)
	awaitAll(t, ctx, futures...)
	require.Len(t, exec.Calls(), 2)
	assert.Len(t, exec.Calls()[1].Requests, 5)
}

func TestManager_UrgentBypassesWindow(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, clk := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	normal := m.Get(ctx, "/feed", nil, types.PriorityNormal)
	urgent := m.Get(ctx, "/me", nil, types.PriorityUrgent)

	awaitAll(t, ctx, normal, urgent)
	assert.Zero(t, clk.PendingTimers(), "urgent flush disarms the window")
	assert.Len(t, exec.LastCall().Requests, 2, "queued requests ride along with the urgent flush")
	assert.Equal(t, int64(1), m.SchedulerStats().UrgentFlushes)
}

func TestManager_Immediate(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, clk := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	other := m.Get(ctx, "/other", nil, types.PriorityNormal)
	queued := m.Get(ctx, "/me", nil, types.PriorityNormal)
	now := m.Immediate(ctx, "/me", types.MethodGet, nil)

	results := awaitAll(t, ctx, queued, now)
	assert.Equal(t, string(results[0]), string(results[1]))
	require.Equal(t, 1, exec.CallCount())
	assert.Len(t, exec.LastCall().Requests, 1, "immediate carries only its own fingerprint")

	assert.False(t, other.Settled())
	assert.Equal(t, 1, m.PendingCount())

	clk.Advance(DefaultConfig().DefaultWindow)
	awaitAll(t, ctx, other)
}

func TestManager_FlushSettlesBeforeReturning(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, clk := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	futures := []*Future{
		m.Get(ctx, "/a", nil, types.PriorityLow),
		m.Get(ctx, "/b", nil, types.PriorityHigh),
	}
	require.NoError(t, m.Flush(ctx))

	for _, f := range futures {
		assert.True(t, f.Settled())
	}
	assert.Zero(t, clk.PendingTimers())
	assert.Equal(t, int64(1), m.SchedulerStats().ManualFlushes)

	// 空窗口刷新是 no-op
	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, 1, exec.CallCount())
}

func TestManager_ClearRejectsPending(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, clk := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	futures := []*Future{
		m.Get(ctx, "/a", nil, types.PriorityNormal),
		m.Get(ctx, "/a", nil, types.PriorityNormal),
		m.Get(ctx, "/b", nil, types.PriorityNormal),
	}
	m.Clear()

	assert.Zero(t, m.PendingCount())
	assert.Zero(t, clk.PendingTimers())
	assert.Zero(t, m.DedupStats().Active)
	for _, f := range futures {
		_, err := f.Await(ctx)
		testutil.AssertErrorCode(t, err, types.ErrClientQueue)
	}

	clk.Advance(time.Second)
	assert.Zero(t, exec.CallCount())
}

func TestManager_ClearRejectsInflight(t *testing.T) {
	ctx := testutil.TestContext(t)
	release := make(chan struct{})
	exec := mocks.NewMockExecutor().WithBlock(release)
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	f := m.Get(ctx, "/slow", nil, types.PriorityUrgent)
	require.True(t, testutil.WaitFor(func() bool { return exec.CallCount() == 1 }, 2*time.Second))

	m.Clear()
	_, err := f.Await(ctx)
	testutil.AssertErrorCode(t, err, types.ErrClientQueue)

	// 执行器返回后不会再次结算
	close(release)
	require.True(t, testutil.WaitFor(func() bool { return len(exec.Calls()) == 1 }, 2*time.Second))
	require.NoError(t, m.Close(ctx))

	stats := m.Stats()
	assert.Zero(t, stats.TotalBatches, "a batch with no remaining waiters is not counted")
	assert.Zero(t, stats.NetworkCalls)
	assert.Zero(t, stats.AverageBatchSize)
}

func TestManager_JoinWhileBatchStarting(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	for round := 0; round < 50; round++ {
		futures := []*Future{m.Immediate(ctx, "/k", types.MethodGet, nil)}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f := m.Add(ctx, "/k", types.MethodGet, nil, types.PriorityNormal)
				mu.Lock()
				futures = append(futures, f)
				mu.Unlock()
			}()
		}
		wg.Wait()

		// 没赶上在途批次的调用方留在窗口里
		require.NoError(t, m.Flush(ctx))
		awaitAll(t, ctx, futures...)
	}

	stats := m.Stats()
	assert.Equal(t, int64(50*9), stats.TotalRequests)
	assert.Zero(t, m.DedupStats().Active)
}

func TestManager_ImmediateReleasesWindowCapacity(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 3
	m, clk := newTestManager(t, cfg, WithExecutor(exec))

	a := m.Get(ctx, "/a", nil, types.PriorityNormal)
	b := m.Get(ctx, "/b", nil, types.PriorityNormal)
	now := m.Immediate(ctx, "/a", types.MethodGet, nil)
	awaitAll(t, ctx, a, now)

	c := m.Get(ctx, "/c", nil, types.PriorityNormal)
	assert.Zero(t, m.SchedulerStats().SizeFlushes, "window holds two requests, below the cap")
	assert.Equal(t, 2, m.PendingCount())
	assert.False(t, b.Settled())

	clk.Advance(cfg.DefaultWindow)
	awaitAll(t, ctx, b, c)
	assert.Equal(t, int64(1), m.SchedulerStats().TimerFlushes)
	assert.Equal(t, 2, exec.CallCount())
}

func TestManager_FlushSurvivesCallerCancellation(t *testing.T) {
	ctx := testutil.TestContext(t)
	release := make(chan struct{})
	exec := mocks.NewMockExecutor().WithBlock(release)
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	f := m.Get(ctx, "/shared", nil, types.PriorityNormal)

	flushCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- m.Flush(flushCtx) }()
	require.True(t, testutil.WaitFor(func() bool { return exec.CallCount() == 1 }, 2*time.Second))

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not return after cancellation")
	}
	assert.False(t, f.Settled(), "batch keeps running after the flush caller leaves")

	close(release)
	awaitAll(t, ctx, f)
	assert.Equal(t, int64(1), m.Stats().TotalBatches)
	assert.Zero(t, m.Stats().FailedBatches)
}

func TestManager_JoinsInflightFingerprint(t *testing.T) {
	ctx := testutil.TestContext(t)
	release := make(chan struct{})
	exec := mocks.NewMockExecutor().WithBlock(release)
	m, clk := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	first := m.Get(ctx, "/user", map[string]any{"id": 1}, types.PriorityUrgent)
	require.True(t, testutil.WaitFor(func() bool { return exec.CallCount() == 1 }, 2*time.Second))

	second := m.Get(ctx, "/user", map[string]any{"id": 1}, types.PriorityNormal)
	assert.Zero(t, m.PendingCount(), "in-flight fingerprint is joined, not queued")
	assert.Zero(t, clk.PendingTimers())

	close(release)
	results := awaitAll(t, ctx, first, second)
	assert.Equal(t, string(results[0]), string(results[1]))
	assert.Equal(t, 1, exec.CallCount())

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.RequestsSaved)
}

func TestManager_PerItemFailureIsolated(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().WithFailure("/bad", "not found")
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	good := m.Get(ctx, "/good", nil, types.PriorityNormal)
	bad1 := m.Get(ctx, "/bad", nil, types.PriorityNormal)
	bad2 := m.Get(ctx, "/bad", nil, types.PriorityNormal)
	require.NoError(t, m.Flush(ctx))

	awaitAll(t, ctx, good)
	for _, f := range []*Future{bad1, bad2} {
		_, err := f.Await(ctx)
		testutil.AssertErrorCode(t, err, types.ErrServer)
		assert.Contains(t, err.Error(), "not found")
	}
	assert.Zero(t, m.Stats().FailedBatches, "per-item failure does not fail the batch")
}

func TestManager_MissingResponseFailsFingerprint(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().WithMissing("/gone")
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	ok := m.Get(ctx, "/here", nil, types.PriorityNormal)
	gone := m.Get(ctx, "/gone", nil, types.PriorityNormal)
	require.NoError(t, m.Flush(ctx))

	awaitAll(t, ctx, ok)
	_, err := gone.Await(ctx)
	testutil.AssertErrorCode(t, err, types.ErrServer)
	assert.Contains(t, err.Error(), "no response for request")
}

func TestManager_ExecutorErrorRejectsWholeBatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	sentinel := errors.New("network down")

	tests := []struct {
		name string
		exec *mocks.MockExecutor
		code types.ErrorCode
		is   error
	}{
		{name: "plain error", exec: mocks.NewMockExecutor().WithError(sentinel), code: types.ErrTransport, is: sentinel},
		{name: "typed error", exec: mocks.NewMockExecutor().WithError(types.NewError(types.ErrServer, "overloaded")), code: types.ErrServer},
		{name: "panic", exec: mocks.NewMockExecutor().WithPanic("boom"), code: types.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			m, _ := newTestManager(t, DefaultConfig(), WithExecutor(tt.exec), WithRecorder(rec))

			futures := []*Future{
				m.Get(ctx, "/a", nil, types.PriorityNormal),
				m.Get(ctx, "/a", nil, types.PriorityNormal),
				m.Get(ctx, "/b", nil, types.PriorityNormal),
			}
			require.NoError(t, m.Flush(ctx))

			for _, f := range futures {
				_, err := f.Await(ctx)
				testutil.AssertErrorCode(t, err, tt.code)
				if tt.is != nil {
					assert.ErrorIs(t, err, tt.is)
				}
			}

			stats := m.Stats()
			assert.Equal(t, int64(1), stats.FailedBatches)
			assert.Equal(t, int64(3), stats.TotalRequests)
			assert.Equal(t, int64(1), stats.RequestsSaved)
			assert.Zero(t, m.DedupStats().Active)
			assert.Equal(t, []types.ErrorCode{tt.code}, rec.failureCodes())
		})
	}
}

func TestManager_UnserializableData(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	m, clk := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	f := m.Post(ctx, "/x", map[string]any{"ch": make(chan int)}, types.PriorityNormal)
	_, err := f.Await(ctx)
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
	assert.Zero(t, m.PendingCount())
	assert.Zero(t, clk.PendingTimers())
}

func TestManager_CloseFlushesAndRejectsNewWork(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().WithDelay(10 * time.Millisecond)
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	pending := m.Get(ctx, "/a", nil, types.PriorityNormal)
	require.NoError(t, m.Close(ctx))
	assert.True(t, pending.Settled())
	assert.True(t, m.Closed())

	late := m.Get(ctx, "/b", nil, types.PriorityNormal)
	_, err := late.Await(ctx)
	testutil.AssertErrorCode(t, err, types.ErrClosed)

	late = m.Immediate(ctx, "/b", types.MethodGet, nil)
	_, err = late.Await(ctx)
	testutil.AssertErrorCode(t, err, types.ErrClosed)

	require.NoError(t, m.Close(ctx), "close is idempotent")
}

func TestManager_CloseWaitsForRunningBatches(t *testing.T) {
	ctx := testutil.TestContext(t)
	release := make(chan struct{})
	exec := mocks.NewMockExecutor().WithBlock(release)
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	f := m.Get(ctx, "/slow", nil, types.PriorityUrgent)
	require.True(t, testutil.WaitFor(func() bool { return exec.CallCount() == 1 }, 2*time.Second))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := m.Close(short)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	awaitAll(t, ctx, f)
}

func TestManager_ConcurrentAdds(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor()
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 1000
	m, _ := newTestManager(t, cfg, WithExecutor(exec))

	const callers, keys = 50, 5
	futures := make([]*Future, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = m.Get(ctx, "/shared", map[string]any{"k": i % keys}, types.PriorityNormal)
		}(i)
	}
	wg.Wait()

	require.NoError(t, m.Flush(ctx))
	results := awaitAll(t, ctx, futures...)

	for i := range results {
		assert.Equal(t, string(results[i%keys]), string(results[i]))
	}
	assert.Equal(t, 1, exec.CallCount())
	assert.Equal(t, int64(callers-keys), m.Stats().RequestsSaved)
}

func TestManager_StatsAndReset(t *testing.T) {
	ctx := testutil.TestContext(t)
	rec := &fakeRecorder{}
	exec := mocks.NewMockExecutor()
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec), WithRecorder(rec))

	for i := 0; i < 3; i++ {
		m.Get(ctx, "/same", nil, types.PriorityNormal)
	}
	assert.Equal(t, 3, m.Stats().PendingRequests)
	require.NoError(t, m.Flush(ctx))

	m.Get(ctx, "/solo", nil, types.PriorityNormal)
	require.NoError(t, m.Flush(ctx))

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TotalBatches)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.RequestsSaved)
	assert.InDelta(t, 2.0, stats.AverageBatchSize, 0.0001)
	assert.InDelta(t, 0.5, stats.Efficiency, 0.0001)

	assert.Equal(t, int64(2), rec.batches.Load())
	assert.Equal(t, int64(2), rec.deduplicated.Load())
	assert.Equal(t, int64(2), rec.networkCalls.Load())

	m.ResetStats()
	assert.Equal(t, Stats{}, m.Stats())
	assert.Zero(t, m.DedupStats().TotalRequests)
	assert.Zero(t, m.SchedulerStats().TotalScheduled)
}

func TestManager_DefaultNetworkPath(t *testing.T) {
	ctx := testutil.TestContext(t)

	var batchCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batchCalls.Add(1)
		var env types.BatchEnvelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		out := types.ResponseEnvelope{}
		for _, req := range env.Requests {
			out.Responses = append(out.Responses, types.BatchResponse{
				ID: req.ID, Success: true, Data: json.RawMessage(fmt.Sprintf("%q", req.Endpoint)),
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	m, _ := newTestManager(t, cfg, WithHTTPClient(srv.Client()))

	a := m.Get(ctx, "/a", nil, types.PriorityNormal)
	b := m.Get(ctx, "/b", nil, types.PriorityNormal)
	require.NoError(t, m.Flush(ctx))

	results := awaitAll(t, ctx, a, b)
	assert.Equal(t, `"/a"`, string(results[0]))
	assert.Equal(t, `"/b"`, string(results[1]))
	assert.Equal(t, int32(1), batchCalls.Load())
	assert.Zero(t, m.Stats().FallbackBatches)
}

func TestManager_FallbackToIndividualRequests(t *testing.T) {
	ctx := testutil.TestContext(t)

	var mu sync.Mutex
	var individual []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/batch", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "batch disabled", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		individual = append(individual, r.Method+" "+r.URL.String())
		mu.Unlock()
		_, _ = io.WriteString(w, `{"id":`+r.URL.Query().Get("id")+`}`)
	})
	mux.HandleFunc("/lists", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		individual = append(individual, r.Method+" "+r.URL.String())
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.FallbackRPS = 0
	rec := &fakeRecorder{}
	m, _ := newTestManager(t, cfg, WithHTTPClient(srv.Client()), WithRecorder(rec))

	u1 := m.Get(ctx, "/users", map[string]any{"id": 1}, types.PriorityNormal)
	u2 := m.Get(ctx, "/users", map[string]any{"id": 1}, types.PriorityNormal)
	list := m.Post(ctx, "/lists", map[string]any{"title": "top"}, types.PriorityNormal)
	require.NoError(t, m.Flush(ctx))

	results := awaitAll(t, ctx, u1, u2, list)
	assert.JSONEq(t, `{"id":1}`, string(results[0]))
	assert.JSONEq(t, `{"id":1}`, string(results[1]))
	assert.JSONEq(t, `{"title":"top"}`, string(results[2]))

	// 回退只重放去重后的代表请求
	mu.Lock()
	assert.ElementsMatch(t, []string{"GET /users?id=1", "POST /lists"}, individual)
	mu.Unlock()

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.FallbackBatches)
	assert.Equal(t, int64(3), stats.NetworkCalls)
	assert.Zero(t, stats.FailedBatches)
	assert.Equal(t, int64(2), rec.fallbackRequests.Load())
}

func TestManager_FallbackDisabled(t *testing.T) {
	ctx := testutil.TestContext(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.FallbackEnabled = false
	m, _ := newTestManager(t, cfg, WithHTTPClient(srv.Client()))

	f := m.Get(ctx, "/users", nil, types.PriorityNormal)
	require.NoError(t, m.Flush(ctx))

	_, err := f.Await(ctx)
	testutil.AssertErrorCode(t, err, types.ErrServer)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, http.StatusInternalServerError, typed.HTTPStatus)
}

func TestDo_DecodesIntoType(t *testing.T) {
	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().WithHandler(constantData(`{"name":"ada","score":9}`))
	m, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	type row struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
	}

	done := make(chan struct{})
	var got row
	var err error
	go func() {
		defer close(done)
		got, err = Do[row](ctx, m, "/rows/1", types.MethodGet, nil, types.PriorityNormal)
	}()

	require.True(t, testutil.WaitFor(func() bool { return m.PendingCount() == 1 }, 2*time.Second))
	require.NoError(t, m.Flush(ctx))
	<-done

	require.NoError(t, err)
	assert.Equal(t, row{Name: "ada", Score: 9}, got)
}

func TestDefaultManager(t *testing.T) {
	exec := mocks.NewMockExecutor()
	custom, _ := newTestManager(t, DefaultConfig(), WithExecutor(exec))

	prev := SetDefault(custom)
	t.Cleanup(func() { SetDefault(prev) })

	assert.Same(t, custom, Default())

	SetDefault(nil)
	fresh := Default()
	require.NotNil(t, fresh)
	assert.NotSame(t, custom, fresh)
	assert.Equal(t, DefaultConfig(), fresh.Config())
}

// =============================================================================
// 🧪 测试用 Recorder
// =============================================================================

type fakeRecorder struct {
	batches          atomic.Int64
	deduplicated     atomic.Int64
	fallbackRequests atomic.Int64
	networkCalls     atomic.Int64
	pending          atomic.Int64

	mu       sync.Mutex
	failures []types.ErrorCode
}

func (r *fakeRecorder) RecordBatch(int, int, time.Duration) { r.batches.Add(1) }
func (r *fakeRecorder) RecordDeduplicated()                 { r.deduplicated.Add(1) }
func (r *fakeRecorder) RecordFallback(n int)                { r.fallbackRequests.Add(int64(n)) }
func (r *fakeRecorder) RecordNetworkCalls(n int)            { r.networkCalls.Add(int64(n)) }
func (r *fakeRecorder) SetPending(n int)                    { r.pending.Store(int64(n)) }

func (r *fakeRecorder) RecordBatchFailure(code types.ErrorCode, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, code)
}

func (r *fakeRecorder) failureCodes() []types.ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ErrorCode(nil), r.failures...)
}
