package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internal_storage "github.com/Thang0611/server-sub000/internal/storage"
	"github.com/Thang0611/server-sub000/internal/testutil"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	now := time.Now()

	saveOrder := func(t *testing.T, store *internal_storage.PostgresStore, code string) int64 {
		id, err := store.SaveOrder(models.Order{
			Code:              code,
			PaymentStatus:     models.PendingPayment,
			FulfillmentStatus: models.PendingFulfillment,
			TotalAmount:       19800,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		assert.NoError(t, err)
		assert.Greater(t, id, int64(0))
		return id
	}

	saveTask := func(t *testing.T, store *internal_storage.PostgresStore, orderID *int64, status models.TaskStatus) int64 {
		id, err := store.SaveTask(models.Task{
			OrderID:    orderID,
			Email:      "buyer@example.com",
			CourseURL:  "https://learn.example.com/go",
			Status:     status,
			CourseType: models.EphemeralCourse,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		assert.NoError(t, err)
		return id
	}

	t.Run("SaveAndGetOrder", func(t *testing.T) {
		store := newTxStore(t)
		id := saveOrder(t, store, "ORD-1")
		saveTask(t, store, &id, models.PendingTaskStatus)
		saveTask(t, store, &id, models.PendingTaskStatus)

		order, err := store.GetOrder(id)
		assert.NoError(t, err)
		assert.Equal(t, "ORD-1", order.Code)
		assert.Equal(t, models.PendingPayment, order.PaymentStatus)
		assert.Len(t, order.Tasks, 2)
	})

	t.Run("GetNonExistingOrder", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetOrder(12345)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateOrderStatuses", func(t *testing.T) {
		store := newTxStore(t)
		id := saveOrder(t, store, "ORD-2")

		assert.NoError(t, store.UpdateOrderPayment(id, models.PaidPayment))
		assert.NoError(t, store.UpdateOrderFulfillment(id, models.ProcessingFulfillment))

		order, err := store.GetOrder(id)
		assert.NoError(t, err)
		assert.Equal(t, models.PaidPayment, order.PaymentStatus)
		assert.Equal(t, models.ProcessingFulfillment, order.FulfillmentStatus)

		assert.ErrorIs(t, store.UpdateOrderPayment(99999, models.PaidPayment), storage.ErrNotFound)
	})

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := newTxStore(t)
		id := saveTask(t, store, nil, models.ProcessingTaskStatus)

		task, err := store.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, "buyer@example.com", task.Email)
		assert.Equal(t, models.ProcessingTaskStatus, task.Status)
		assert.Nil(t, task.OrderID)
		assert.Nil(t, task.ResultURL)
	})

	t.Run("GetNonExistingTask", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTask(12345)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateTaskStatusIfGuard", func(t *testing.T) {
		store := newTxStore(t)
		orderID := saveOrder(t, store, "ORD-3")
		taskID := saveTask(t, store, &orderID, models.PendingTaskStatus)

		ok, err := store.UpdateTaskStatusIf(taskID, models.PendingTaskStatus, models.ProcessingTaskStatus, nil)
		assert.NoError(t, err)
		assert.True(t, ok)

		// guard misses when the expected status is stale
		ok, err = store.UpdateTaskStatusIf(taskID, models.PendingTaskStatus, models.ProcessingTaskStatus, nil)
		assert.NoError(t, err)
		assert.False(t, ok)

		task, err := store.GetTask(taskID)
		assert.NoError(t, err)
		assert.Equal(t, models.ProcessingTaskStatus, task.Status)
	})

	t.Run("UpdateTaskStatusIfLegacyNew", func(t *testing.T) {
		store := newTxStore(t)
		taskID := saveTask(t, store, nil, models.TaskStatus("NEW"))

		// rows written by the old schema spell PENDING as NEW; the guard
		// accepts either
		ok, err := store.UpdateTaskStatusIf(taskID, models.PendingTaskStatus, models.ProcessingTaskStatus, nil)
		assert.NoError(t, err)
		assert.True(t, ok)

		task, err := store.GetTask(taskID)
		assert.NoError(t, err)
		assert.Equal(t, models.ProcessingTaskStatus, task.Status)
	})

	t.Run("GetTaskNormalizesLegacyNew", func(t *testing.T) {
		store := newTxStore(t)
		taskID := saveTask(t, store, nil, models.TaskStatus("NEW"))

		task, err := store.GetTask(taskID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
	})

	t.Run("CompleteTaskIf", func(t *testing.T) {
		store := newTxStore(t)
		detail := "transient failure"
		id, err := store.SaveTask(models.Task{
			Email:       "buyer@example.com",
			CourseURL:   "https://learn.example.com/go",
			Status:      models.EnrolledTaskStatus,
			CourseType:  models.EphemeralCourse,
			ErrorDetail: &detail,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		assert.NoError(t, err)

		ok, err := store.CompleteTaskIf(id, models.EnrolledTaskStatus, "https://drive.example.com/file")
		assert.NoError(t, err)
		assert.True(t, ok)

		task, err := store.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
		assert.NotNil(t, task.ResultURL)
		assert.Equal(t, "https://drive.example.com/file", *task.ResultURL)
		assert.Nil(t, task.ErrorDetail)

		// already completed, guard misses
		ok, err = store.CompleteTaskIf(id, models.EnrolledTaskStatus, "https://drive.example.com/other")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("IncrementTaskRetry", func(t *testing.T) {
		store := newTxStore(t)
		id := saveTask(t, store, nil, models.ProcessingTaskStatus)

		assert.NoError(t, store.IncrementTaskRetry(id))
		assert.NoError(t, store.IncrementTaskRetry(id))

		task, err := store.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, 2, task.RetryCount)
	})

	t.Run("ListRecoverableTasks", func(t *testing.T) {
		store := newTxStore(t)
		orderID := saveOrder(t, store, "ORD-4")
		pending := saveTask(t, store, &orderID, models.PendingTaskStatus)
		processing := saveTask(t, store, &orderID, models.ProcessingTaskStatus)
		enrolled := saveTask(t, store, &orderID, models.EnrolledTaskStatus)
		saveTask(t, store, &orderID, models.CompletedTaskStatus)
		saveTask(t, store, &orderID, models.FailedTaskStatus)
		standalone := saveTask(t, store, nil, models.ProcessingTaskStatus)

		tasks, err := store.ListRecoverableTasks(storage.RecoverableQuery{RequireOrder: true})
		assert.NoError(t, err)
		ids := map[int64]bool{}
		for _, task := range tasks {
			ids[task.ID] = true
		}
		assert.True(t, ids[pending])
		assert.True(t, ids[processing])
		assert.True(t, ids[enrolled])
		assert.False(t, ids[standalone], "standalone tasks excluded unless admin mode")
		assert.Len(t, tasks, 3)

		tasks, err = store.ListRecoverableTasks(storage.RecoverableQuery{})
		assert.NoError(t, err)
		assert.Len(t, tasks, 4)

		tasks, err = store.ListRecoverableTasks(storage.RecoverableQuery{OrderID: &orderID, Limit: 2})
		assert.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("ListCompletedWithoutResult", func(t *testing.T) {
		store := newTxStore(t)
		broken := saveTask(t, store, nil, models.CompletedTaskStatus)
		ok1, err := store.CompleteTaskIf(saveTask(t, store, nil, models.EnrolledTaskStatus), models.EnrolledTaskStatus, "https://drive.example.com/file")
		assert.NoError(t, err)
		assert.True(t, ok1)

		tasks, err := store.ListCompletedWithoutResult(0)
		assert.NoError(t, err)
		assert.Len(t, tasks, 1)
		assert.Equal(t, broken, tasks[0].ID)
	})

	t.Run("AuditEntries", func(t *testing.T) {
		store := newTxStore(t)
		orderID := saveOrder(t, store, "ORD-5")
		taskID := saveTask(t, store, &orderID, models.ProcessingTaskStatus)

		entries := []models.AuditEntry{
			{
				OrderID:   &orderID,
				TaskID:    &taskID,
				EventType: models.EventEnrollmentOK,
				Category:  models.EnrollmentCategory,
				Severity:  models.InfoSeverity,
				Message:   "enrolled buyer@example.com",
				Details:   models.AuditDetails{CourseURL: "https://learn.example.com/go", EnrollStatus: "enrolled"},
				Source:    "service",
				CreatedAt: now,
			},
			{
				OrderID:   &orderID,
				TaskID:    &taskID,
				EventType: models.EventDownloadFailed,
				Category:  models.DownloadCategory,
				Severity:  models.ErrorSeverity,
				Message:   "download timed out",
				Details:   models.AuditDetails{Error: "timeout"},
				Source:    "worker",
				CreatedAt: now.Add(time.Second),
			},
			{
				EventType: models.EventRecoveryRun,
				Category:  models.RecoveryCategory,
				Severity:  models.InfoSeverity,
				Message:   "recovery pass finished",
				Details:   models.AuditDetails{Recovered: 2},
				Source:    "reconciler",
				CreatedAt: now.Add(2 * time.Second),
			},
		}
		for _, e := range entries {
			id, err := store.SaveAuditEntry(e)
			assert.NoError(t, err)
			assert.Greater(t, id, int64(0))
		}

		// newest first, details round-trip
		got, err := store.ListAuditEntries(storage.AuditFilter{})
		assert.NoError(t, err)
		assert.Len(t, got, 3)
		assert.Equal(t, models.EventRecoveryRun, got[0].EventType)
		assert.Equal(t, 2, got[0].Details.Recovered)
		assert.Equal(t, "timeout", got[1].Details.Error)

		errSev := models.ErrorSeverity
		got, err = store.ListAuditEntries(storage.AuditFilter{Severity: &errSev})
		assert.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, models.EventDownloadFailed, got[0].EventType)

		got, err = store.ListAuditEntries(storage.AuditFilter{OrderID: &orderID, Limit: 1})
		assert.NoError(t, err)
		assert.Len(t, got, 1)

		sum, err := store.AuditSummary(storage.AuditFilter{})
		assert.NoError(t, err)
		assert.Equal(t, 3, sum.Total)
		assert.Equal(t, 2, sum.BySeverity[models.InfoSeverity])
		assert.Equal(t, 1, sum.ByCategory[models.DownloadCategory])
	})
}
