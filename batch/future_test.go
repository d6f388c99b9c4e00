package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/batchflow/testutil"
	"github.com/BaSui01/batchflow/types"
)

func TestFuture_ResolveAndAwait(t *testing.T) {
	ctx := testutil.TestContext(t)

	f := newFuture("req-1")
	assert.Equal(t, "req-1", f.ID())
	assert.False(t, f.Settled())

	raw, err := f.Result()
	assert.Nil(t, raw)
	assert.NoError(t, err)

	go f.resolve(json.RawMessage(`{"ok":true}`))

	raw, err = f.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.True(t, f.Settled())

	_, ok := testutil.WaitForChannel(f.Done(), time.Second)
	assert.True(t, ok)
}

func TestFuture_Reject(t *testing.T) {
	f := newFuture("req-2")
	f.reject(types.NewError(types.ErrServer, "boom"))

	raw, err := f.Result()
	assert.Nil(t, raw)
	testutil.AssertErrorCode(t, err, types.ErrServer)
}

func TestFuture_SettleTwicePanics(t *testing.T) {
	f := newFuture("req-3")
	f.resolve(nil)

	assert.PanicsWithValue(t, "batch: future req-3 settled twice", func() {
		f.reject(errors.New("late"))
	})
}

func TestFuture_AwaitContextStopsWaitingOnly(t *testing.T) {
	f := newFuture("req-4")

	_, err := f.Await(testutil.CancelledContext())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.Settled(), "cancelling the waiter does not settle the future")

	f.resolve(json.RawMessage(`1`))
	raw, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
}

func TestAwait_Decodes(t *testing.T) {
	ctx := testutil.TestContext(t)

	type user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	f := newFuture("req-5")
	f.resolve(json.RawMessage(`{"id":7,"name":"ada"}`))
	u, err := Await[user](ctx, f)
	require.NoError(t, err)
	assert.Equal(t, user{ID: 7, Name: "ada"}, u)

	empty := newFuture("req-6")
	empty.resolve(json.RawMessage(`null`))
	zero, err := Await[user](ctx, empty)
	require.NoError(t, err)
	assert.Equal(t, user{}, zero)

	bad := newFuture("req-7")
	bad.resolve(json.RawMessage(`"not an object"`))
	_, err = Await[user](ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "req-7")
}
