package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/types"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return New(fs, DefaultRetryPolicy(), zap.NewNop())
}

func TestEnqueueAndGetPending(t *testing.T) {
	o := newTestOutbox(t)

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", map[string]interface{}{"text": "Buy milk"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, types.StatusPending, a.Status)
	assert.Greater(t, a.Timestamp, int64(0))

	pending, err := o.GetPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, 1, o.PendingCount())
}

func TestDrainOrderTimestampAsc(t *testing.T) {
	o := newTestOutbox(t)

	ts := int64(1000)
	o.now = func() time.Time { ts += 10; return time.UnixMilli(ts) }

	first, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)
	second, err := o.Enqueue(types.MutationUpdate, "todos", "t2", nil)
	require.NoError(t, err)

	pending, err := o.GetPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestStateMachine(t *testing.T) {
	o := newTestOutbox(t)

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)

	// pending cannot jump straight to done
	err = o.MarkDone(a.ID)
	require.Error(t, err)
	var pe *types.ProtocolError
	assert.ErrorAs(t, err, &pe)

	require.NoError(t, o.MarkSyncing(a.ID))
	require.NoError(t, o.MarkDone(a.ID))

	// done is terminal
	assert.Error(t, o.MarkSyncing(a.ID))

	done, err := o.GetByStatus(types.StatusDone)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	o := newTestOutbox(t)

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)

	require.NoError(t, o.MarkSyncing(a.ID))
	require.NoError(t, o.MarkFailed(a.ID, "connection refused"))

	failed, err := o.GetByStatus(types.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	assert.Equal(t, "connection refused", failed[0].Error)
}

func TestRetryDelaySchedule(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 32*time.Second, p.Delay(5))
	assert.Equal(t, 60*time.Second, p.Delay(6))
	assert.Equal(t, 60*time.Second, p.Delay(20))
}

func TestGetRetryableBackoffWindow(t *testing.T) {
	o := newTestOutbox(t)

	now := time.UnixMilli(0)
	o.now = func() time.Time { return now }

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)
	require.NoError(t, o.MarkSyncing(a.ID))
	require.NoError(t, o.MarkFailed(a.ID, "boom")) // retryCount=1 at t=0

	now = time.UnixMilli(500)
	retryable, err := o.GetRetryable()
	require.NoError(t, err)
	assert.Empty(t, retryable, "backoff window not elapsed at t=500")

	now = time.UnixMilli(1000)
	retryable, err = o.GetRetryable()
	require.NoError(t, err)
	require.Len(t, retryable, 1)

	// second failure at t=1000 pushes eligibility to t=3000
	require.NoError(t, o.Requeue(a.ID))
	require.NoError(t, o.MarkSyncing(a.ID))
	require.NoError(t, o.MarkFailed(a.ID, "boom again"))

	now = time.UnixMilli(2500)
	retryable, err = o.GetRetryable()
	require.NoError(t, err)
	assert.Empty(t, retryable)

	now = time.UnixMilli(3000)
	retryable, err = o.GetRetryable()
	require.NoError(t, err)
	assert.Len(t, retryable, 1)
}

func TestRetryCapExcludesExhaustedActions(t *testing.T) {
	o := newTestOutbox(t)

	now := time.UnixMilli(0)
	o.now = func() time.Time { return now }

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)

	for i := 0; i < o.policy.MaxRetries; i++ {
		if i > 0 {
			require.NoError(t, o.Requeue(a.ID))
		}
		require.NoError(t, o.MarkSyncing(a.ID))
		require.NoError(t, o.MarkFailed(a.ID, "boom"))
	}

	failed, err := o.GetByStatus(types.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, o.policy.MaxRetries, failed[0].RetryCount)

	now = time.UnixMilli(1 << 40)
	retryable, err := o.GetRetryable()
	require.NoError(t, err)
	assert.Empty(t, retryable, "exhausted actions are terminal")
}

func TestRecoverRevertsStrandedSyncing(t *testing.T) {
	o := newTestOutbox(t)

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)
	require.NoError(t, o.MarkSyncing(a.ID))

	n, err := o.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := o.GetPending(0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCleanupRemovesOldDoneActions(t *testing.T) {
	o := newTestOutbox(t)

	now := time.UnixMilli(0)
	o.now = func() time.Time { return now }

	a, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)
	require.NoError(t, o.MarkSyncing(a.ID))
	require.NoError(t, o.MarkDone(a.ID))

	// too fresh to clean at the default 24h age
	removed, err := o.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	now = time.UnixMilli(25 * 3600 * 1000)
	removed, err = o.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	done, err := o.GetByStatus(types.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestObserveEmitsSnapshots(t *testing.T) {
	o := newTestOutbox(t)

	sub := o.Observe()
	defer sub.Cancel()

	// initial snapshot
	snapshot := <-sub.C
	assert.Empty(t, snapshot)

	_, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)

	snapshot = <-sub.C
	require.Len(t, snapshot, 1)
	assert.Equal(t, types.StatusPending, snapshot[0].Status)
}

func TestClear(t *testing.T) {
	o := newTestOutbox(t)

	_, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	require.NoError(t, err)
	require.NoError(t, o.Clear())
	assert.Equal(t, 0, o.PendingCount())
}

func TestDestroyRejectsWrites(t *testing.T) {
	o := newTestOutbox(t)
	o.Destroy()

	_, err := o.Enqueue(types.MutationCreate, "todos", "t1", nil)
	assert.ErrorIs(t, err, types.ErrQueueDestroyed)
}
