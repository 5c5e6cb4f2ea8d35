package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testItemType = ItemType("TEST")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "queue.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&WorkItem{}))
	return db
}

func TestEnqueueDefaults(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	item, err := db.Enqueue(testItemType, map[string]string{"k": "v"}, EnqueueOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, DefaultMaxAttempts, item.MaxAttempts)
	assert.Equal(t, 0, item.Attempts)
	assert.NotEmpty(t, item.ItemID)
	assert.Nil(t, item.IdempotencyKey)
}

func TestEnqueueIdempotencyKeyCollapsesDuplicates(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	first, err := db.Enqueue(testItemType, nil, EnqueueOptions{IdempotencyKey: "once"})
	require.NoError(t, err)

	second, err := db.Enqueue(testItemType, nil, EnqueueOptions{IdempotencyKey: "once"})
	require.NoError(t, err)
	assert.Equal(t, first.ItemID, second.ItemID)

	count, err := db.CountByStatus(StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEnqueueDistinctKeysAreIndependent(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	first, err := db.Enqueue(testItemType, nil, EnqueueOptions{IdempotencyKey: "a"})
	require.NoError(t, err)
	second, err := db.Enqueue(testItemType, nil, EnqueueOptions{IdempotencyKey: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ItemID, second.ItemID)
}

func TestClaimDueClaimsEachItemOnce(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := db.ClaimDue(10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StatusRunning, claimed[0].Status)

	again, err := db.ClaimDue(10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueSkipsFutureItems(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.Enqueue(testItemType, nil, EnqueueOptions{NotBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	claimed, err := db.ClaimDue(10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestWorkerMarksSuccess(t *testing.T) {
	gormDB := newTestDB(t)
	db := NewDatabase(gormDB)

	worker := NewWorker(gormDB, time.Second)
	worker.Register(testItemType, func(ctx context.Context, item *WorkItem) error {
		return nil
	})

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, worker.RunOnce(context.Background()))

	got, err := db.GetByItemID(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkerTerminalErrorFailsWithoutRetry(t *testing.T) {
	gormDB := newTestDB(t)
	db := NewDatabase(gormDB)

	calls := 0
	worker := NewWorker(gormDB, time.Second)
	worker.Register(testItemType, func(ctx context.Context, item *WorkItem) error {
		calls++
		return Terminal(errors.New("order rejected"))
	})

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, worker.RunOnce(context.Background()))

	got, err := db.GetByItemID(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "order rejected", got.LastError)
	assert.Equal(t, 1, calls)

	// A terminal item is never claimed again.
	require.NoError(t, worker.RunOnce(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	gormDB := newTestDB(t)
	db := NewDatabase(gormDB)

	calls := 0
	worker := NewWorker(gormDB, time.Second)
	worker.SetBackoff(time.Millisecond, time.Minute)
	worker.Register(testItemType, func(ctx context.Context, item *WorkItem) error {
		calls++
		return errors.New("brokerage unavailable")
	})

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, worker.RunOnce(context.Background()))

	got, err := db.GetByItemID(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextRunAt.After(time.Now().Add(-time.Second)))

	// Wait out the backoff, then the final attempt exhausts the budget.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, worker.RunOnce(context.Background()))

	got, err = db.GetByItemID(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 2, calls)

	// Dead-lettered items are never retried automatically.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, worker.RunOnce(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestWorkerBackoffDoublesAndCaps(t *testing.T) {
	worker := NewWorker(newTestDB(t), time.Second)
	worker.SetBackoff(5*time.Second, 40*time.Second)

	assert.Equal(t, 10*time.Second, worker.backoff(1))
	assert.Equal(t, 20*time.Second, worker.backoff(2))
	assert.Equal(t, 40*time.Second, worker.backoff(3))
	assert.Equal(t, 40*time.Second, worker.backoff(10))
}

func TestRecoverStaleResetsRunningItems(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := db.ClaimDue(10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A lease cutoff in the future treats the fresh claim as expired, the
	// same as a worker crash followed by a restart.
	recovered, err := db.RecoverStale(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := db.GetByItemID(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestResetForRetryRequiresDeadLetter(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = db.ResetForRetry(item.ItemID)
	assert.ErrorIs(t, err, ErrNotDeadLetter)

	claimed, err := db.ClaimDue(10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	claimed[0].Attempts = claimed[0].MaxAttempts
	require.NoError(t, db.MarkDeadLetter(&claimed[0], "gave up"))

	reset, err := db.ResetForRetry(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Equal(t, 0, reset.Attempts)
	assert.Empty(t, reset.LastError)
}

func TestForceDeadLetterParksPendingItem(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	parked, err := db.ForceDeadLetter(item.ItemID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, parked.Status)
	assert.Equal(t, "operator request", parked.LastError)

	_, err = db.ForceDeadLetter("missing", "x")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestWorkerFailsItemsWithoutHandler(t *testing.T) {
	gormDB := newTestDB(t)
	db := NewDatabase(gormDB)

	worker := NewWorker(gormDB, time.Second)

	item, err := db.Enqueue(testItemType, nil, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, worker.RunOnce(context.Background()))

	got, err := db.GetByItemID(item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}
