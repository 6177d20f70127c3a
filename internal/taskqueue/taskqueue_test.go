package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-engine/internal/status"
)

func setupQueue(t *testing.T) (*RedisQueue, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "expiry")
	q.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	return q, mock
}

func TestRedisQueue_Submit(t *testing.T) {
	q, mock := setupQueue(t)

	mock.ExpectEval(submitScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000+420000), "bk-1", `{"booking_id":"bk-1"}`).SetVal(int64(1))

	added, err := q.Submit(context.Background(), "bk-1", []byte(`{"booking_id":"bk-1"}`), 7*time.Minute)
	require.NoError(t, err)
	assert.True(t, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_Submit_Dedup(t *testing.T) {
	q, mock := setupQueue(t)

	// Second schedule for the same booking id is a no-op.
	mock.ExpectEval(submitScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000+420000), "bk-1", "p").SetVal(int64(0))

	added, err := q.Submit(context.Background(), "bk-1", []byte("p"), 7*time.Minute)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRedisQueue_Submit_StoreDown(t *testing.T) {
	q, mock := setupQueue(t)

	mock.ExpectEval(submitScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000+60000), "bk-1", "p").SetErr(errors.New("broken pipe"))

	_, err := q.Submit(context.Background(), "bk-1", []byte("p"), time.Minute)
	assert.ErrorIs(t, err, status.ErrLockStoreUnavailable)
}

func TestRedisQueue_RunOnce_DispatchesDueTasks(t *testing.T) {
	q, mock := setupQueue(t)

	mock.ExpectEval(claimScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000), 100).SetVal([]interface{}{"bk-1", "p1", "bk-2", "p2"})

	var got []string
	q.runOnce(context.Background(), func(_ context.Context, taskID string, payload []byte) error {
		got = append(got, taskID+"="+string(payload))
		return nil
	})

	assert.Equal(t, []string{"bk-1=p1", "bk-2=p2"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_RunOnce_HandlerFailureReschedules(t *testing.T) {
	q, mock := setupQueue(t)

	mock.ExpectEval(claimScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000), 100).SetVal([]interface{}{"bk-1", "p1"})
	mock.ExpectEval(submitScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000+5000), "bk-1", "p1").SetVal(int64(1))

	q.runOnce(context.Background(), func(_ context.Context, _ string, _ []byte) error {
		return errors.New("boom")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_RunOnce_Empty(t *testing.T) {
	q, mock := setupQueue(t)

	mock.ExpectEval(claimScript,
		[]string{"tasks:expiry:pending", "tasks:expiry:payload"},
		int64(1700000000000), 100).SetVal([]interface{}{})

	called := false
	q.runOnce(context.Background(), func(_ context.Context, _ string, _ []byte) error {
		called = true
		return nil
	})

	assert.False(t, called)
}
