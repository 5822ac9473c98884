package tracker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Thang0611/server-sub000/internal/tracker"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

func seedOrder(store *storage.MockStore, orderID int64, statuses ...models.TaskStatus) {
	store.PutOrder(models.Order{ID: orderID, Code: "ord", PaymentStatus: models.PaidPayment, FulfillmentStatus: models.ProcessingFulfillment})
	for i, s := range statuses {
		id := orderID
		store.PutTask(models.Task{ID: orderID*100 + int64(i), OrderID: &id, Email: "a@b.c", CourseURL: "https://x", Status: s})
	}
}

func TestTrackerFiresOnceWhenAllCompleted(t *testing.T) {
	store := storage.NewMockStore()
	seedOrder(store, 1, models.CompletedTaskStatus, models.CompletedTaskStatus)

	reg := tracker.NewRegistry(store, 5*time.Millisecond, time.Second)
	var fired int32
	reg.Start(context.Background(), 1, func(orderID int64) {
		atomic.AddInt32(&fired, 1)
		// a slow side effect must not allow a second firing
		time.Sleep(30 * time.Millisecond)
	})

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
	// several more poll intervals pass; the count must not move
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.False(t, reg.Active(1))
}

func TestTrackerWaitsForCompletion(t *testing.T) {
	store := storage.NewMockStore()
	seedOrder(store, 2, models.CompletedTaskStatus, models.EnrolledTaskStatus)

	reg := tracker.NewRegistry(store, 5*time.Millisecond, time.Second)
	var fired int32
	reg.Start(context.Background(), 2, func(orderID int64) { atomic.AddInt32(&fired, 1) })

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	// finish the remaining task; the next tick should fire
	ok, err := store.CompleteTaskIf(201, models.EnrolledTaskStatus, "https://drive.example.com/file")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTrackerTimesOut(t *testing.T) {
	store := storage.NewMockStore()
	seedOrder(store, 3, models.EnrolledTaskStatus)

	reg := tracker.NewRegistry(store, 5*time.Millisecond, 30*time.Millisecond)
	var fired int32
	reg.Start(context.Background(), 3, func(orderID int64) { atomic.AddInt32(&fired, 1) })

	assert.Eventually(t, func() bool { return !reg.Active(3) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "timeout never fires the side effect")
}

func TestTrackerReplacedOnRestart(t *testing.T) {
	store := storage.NewMockStore()
	seedOrder(store, 4, models.EnrolledTaskStatus)

	reg := tracker.NewRegistry(store, 5*time.Millisecond, time.Second)
	var first, second int32
	reg.Start(context.Background(), 4, func(orderID int64) { atomic.AddInt32(&first, 1) })
	reg.Start(context.Background(), 4, func(orderID int64) { atomic.AddInt32(&second, 1) })
	assert.True(t, reg.Active(4))

	ok, err := store.CompleteTaskIf(400, models.EnrolledTaskStatus, "https://drive.example.com/file")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&second) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first), "replaced tracker was cancelled before firing")
}

func TestTrackerOutlivesCallerContext(t *testing.T) {
	store := storage.NewMockStore()
	seedOrder(store, 7, models.EnrolledTaskStatus)

	reg := tracker.NewRegistry(store, 5*time.Millisecond, time.Second)
	var fired int32
	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx, 7, func(orderID int64) { atomic.AddInt32(&fired, 1) })
	// the caller returns; its context dies, the poller must not
	cancel()

	time.Sleep(40 * time.Millisecond)
	assert.True(t, reg.Active(7), "poller gone after caller context cancellation")

	ok, err := store.CompleteTaskIf(700, models.EnrolledTaskStatus, "https://drive.example.com/file")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopAll(t *testing.T) {
	store := storage.NewMockStore()
	seedOrder(store, 5, models.EnrolledTaskStatus)
	seedOrder(store, 6, models.EnrolledTaskStatus)

	reg := tracker.NewRegistry(store, 5*time.Millisecond, time.Minute)
	reg.Start(context.Background(), 5, func(int64) {})
	reg.Start(context.Background(), 6, func(int64) {})

	reg.StopAll()
	assert.False(t, reg.Active(5))
	assert.False(t, reg.Active(6))
}
