package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/Thang0611/server-sub000/internal/enroll"
	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/internal/queue"
	"github.com/Thang0611/server-sub000/internal/tracker"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

// Queue is the slice of the producer the service needs.
type Queue interface {
	Enqueue(ctx context.Context, item queue.Item) (string, error)
}

// Recorder receives audit entries; see internal/audit.
type Recorder interface {
	Record(e models.AuditEntry)
}

// Notifier publishes ephemeral progress events. May be nil.
type Notifier interface {
	Publish(ctx context.Context, scope models.ProgressScope, id int64, typ models.ProgressEventType, payload models.ProgressPayload)
}

// OrderItem describes one course line of a purchase.
type OrderItem struct {
	Email      string
	CourseURL  string
	CourseType models.CourseType
}

// FulfillmentService owns every durable status transition of the pipeline.
// All writers funnel through it so the expected-previous-status guard is
// applied uniformly.
type FulfillmentService struct {
	store    storage.Store
	queue    Queue
	enroller enroll.Enroller
	audit    Recorder
	notifier Notifier
	trackers *tracker.Registry
}

func NewFulfillmentService(store storage.Store, q Queue, e enroll.Enroller, audit Recorder, notifier Notifier, trackers *tracker.Registry) *FulfillmentService {
	return &FulfillmentService{
		store:    store,
		queue:    q,
		enroller: e,
		audit:    audit,
		notifier: notifier,
		trackers: trackers,
	}
}

// CreateOrder persists a purchase and its tasks in one transaction. Tasks
// start PENDING; nothing moves until the payment confirms.
func (s *FulfillmentService) CreateOrder(code string, totalAmount int64, items []OrderItem) (id int64, err error) {
	if code == "" {
		return 0, &models.ValidationError{Field: "code", Reason: "cannot be empty"}
	}
	if len(items) == 0 {
		return 0, &models.ValidationError{Field: "items", Reason: "order needs at least one course"}
	}
	for _, it := range items {
		if it.Email == "" || it.CourseURL == "" {
			return 0, &models.ValidationError{Field: "items", Reason: "email and course url are required"}
		}
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	id, err = txStore.SaveOrder(models.Order{
		Code:              code,
		PaymentStatus:     models.PendingPayment,
		FulfillmentStatus: models.PendingFulfillment,
		TotalAmount:       totalAmount,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		courseType := it.CourseType
		if courseType == "" {
			courseType = models.EphemeralCourse
		}
		orderID := id
		if _, err = txStore.SaveTask(models.Task{
			OrderID:    &orderID,
			Email:      it.Email,
			CourseURL:  it.CourseURL,
			Status:     models.PendingTaskStatus,
			CourseType: courseType,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return 0, err
		}
	}

	s.audit.Record(models.AuditEntry{
		OrderID:   &id,
		EventType: models.EventOrderCreated,
		Category:  models.LifecycleCategory,
		Severity:  models.InfoSeverity,
		Message:   fmt.Sprintf("order %s created with %d tasks", code, len(items)),
		Source:    "api",
	})
	log.GetLogger().Infof("Created order '%s' with ID %d and %d tasks", code, id, len(items))
	return id, nil
}

// CreateStandaloneTask registers an admin-triggered job with no owning
// order. It starts directly in PROCESSING and is driven immediately.
func (s *FulfillmentService) CreateStandaloneTask(ctx context.Context, email, courseURL string, courseType models.CourseType) (int64, error) {
	if email == "" || courseURL == "" {
		return 0, &models.ValidationError{Field: "task", Reason: "email and course url are required"}
	}
	if courseType == "" {
		courseType = models.EphemeralCourse
	}
	now := time.Now()
	id, err := s.store.SaveTask(models.Task{
		Email:      email,
		CourseURL:  courseURL,
		Status:     models.ProcessingTaskStatus,
		CourseType: courseType,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return 0, err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return 0, err
	}
	s.driveTask(ctx, task)
	return id, nil
}

// ConfirmPayment records a paid order and kicks its tasks into the
// pipeline. Partially driven tasks are fine: whatever fails here is picked
// up by the next reconciliation pass.
func (s *FulfillmentService) ConfirmPayment(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == models.PaidPayment {
		log.GetLogger().Infof("Order %d already paid, ignoring duplicate confirmation", orderID)
		return nil
	}
	if err := s.store.UpdateOrderPayment(orderID, models.PaidPayment); err != nil {
		return errors.Wrapf(err, "mark order %d paid", orderID)
	}
	if err := s.store.UpdateOrderFulfillment(orderID, models.ProcessingFulfillment); err != nil {
		return errors.Wrapf(err, "mark order %d processing", orderID)
	}
	s.audit.Record(models.AuditEntry{
		OrderID:   &orderID,
		EventType: models.EventPaymentReceived,
		Category:  models.PaymentCategory,
		Severity:  models.InfoSeverity,
		Message:   fmt.Sprintf("payment received for order %s", order.Code),
		Details:   models.AuditDetails{Amount: order.TotalAmount},
		Source:    "api",
	})

	for _, t := range order.Tasks {
		if t.Status != models.PendingTaskStatus {
			continue
		}
		ok, err := s.transition(t, models.PendingTaskStatus, models.ProcessingTaskStatus, nil, "api")
		if err != nil || !ok {
			log.GetLogger().Warnf("Task %d not kicked: %v", t.ID, err)
			continue
		}
		t.Status = models.ProcessingTaskStatus
		s.driveTask(ctx, t)
	}

	s.startTracker(ctx, orderID)
	return nil
}

// driveTask runs enroll-then-enqueue for one PROCESSING task. Failures are
// logged and audited but not returned: the reconciler re-drives anything
// that stalls here.
func (s *FulfillmentService) driveTask(ctx context.Context, t models.Task) {
	results, err := s.enroller.Enroll(ctx, []string{t.CourseURL}, t.Email, t.OrderID)
	if err != nil || len(results) == 0 || !results[0].Success {
		reason := "enrollment returned no results"
		if err != nil {
			reason = err.Error()
		} else if len(results) > 0 {
			reason = results[0].Message
		}
		s.audit.Record(models.AuditEntry{
			OrderID:   t.OrderID,
			TaskID:    &t.ID,
			EventType: models.EventEnrollmentFailed,
			Category:  models.EnrollmentCategory,
			Severity:  models.WarningSeverity,
			Message:   fmt.Sprintf("enrollment for %s failed", t.Email),
			Details:   models.AuditDetails{CourseURL: t.CourseURL, Error: reason},
			Source:    "service",
		})
		if !t.Standalone() {
			// stays PROCESSING for the reconciler and manual review
			return
		}
		// standalone tasks proceed to download regardless; the course may
		// already be enrolled
	} else {
		ok, err := s.transition(t, models.ProcessingTaskStatus, models.EnrolledTaskStatus, nil, "service")
		if err != nil || !ok {
			log.GetLogger().Warnf("Task %d enroll transition refused: %v", t.ID, err)
			return
		}
		t.Status = models.EnrolledTaskStatus
		s.audit.Record(models.AuditEntry{
			OrderID:   t.OrderID,
			TaskID:    &t.ID,
			EventType: models.EventEnrollmentOK,
			Category:  models.EnrollmentCategory,
			Severity:  models.InfoSeverity,
			Message:   fmt.Sprintf("enrolled %s", t.Email),
			Details:   models.AuditDetails{CourseURL: t.CourseURL, EnrollStatus: results[0].Status},
			Source:    "service",
		})
	}

	if _, err := s.queue.Enqueue(ctx, queue.Item{TaskID: t.ID, Email: t.Email, CourseURL: t.CourseURL}); err != nil {
		// status deliberately untouched; the reconciler retries the enqueue
		log.GetLogger().Errorf("Enqueue for task %d failed: %v", t.ID, err)
		return
	}
	s.publishStatus(ctx, t)
}

// HandleWorkerCompletion is the external worker's success callback: the
// download and upload finished and resultURL points at the delivered
// artifact.
func (s *FulfillmentService) HandleWorkerCompletion(ctx context.Context, taskID int64, resultURL string) error {
	if resultURL == "" {
		// a COMPLETED task without a result link is an invariant
		// violation, so the input is rejected before any mutation
		return &models.ValidationError{Field: "result_url", Reason: "cannot be empty"}
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	// standalone tasks may complete straight from PROCESSING under the
	// enrollment-failure exception
	expected := task.Status
	if expected != models.EnrolledTaskStatus && expected != models.ProcessingTaskStatus {
		return &models.StatusConflictError{TaskID: taskID, Expected: models.EnrolledTaskStatus, Next: models.CompletedTaskStatus}
	}
	ok, err := s.store.CompleteTaskIf(taskID, expected, resultURL)
	if err != nil {
		return errors.Wrapf(err, "complete task %d", taskID)
	}
	if !ok {
		return &models.StatusConflictError{TaskID: taskID, Expected: expected, Next: models.CompletedTaskStatus}
	}

	s.audit.Record(models.AuditEntry{
		OrderID:    task.OrderID,
		TaskID:     &taskID,
		EventType:  models.EventUploadOK,
		Category:   models.UploadCategory,
		Severity:   models.InfoSeverity,
		Message:    fmt.Sprintf("task %d delivered", taskID),
		Details:    models.AuditDetails{ResultURL: resultURL},
		PrevStatus: &expected,
		NewStatus:  statusPtr(models.CompletedTaskStatus),
		Source:     "worker",
	})
	if s.notifier != nil {
		s.notifier.Publish(ctx, models.TaskScope, taskID, models.CompleteEvent,
			models.ProgressPayload{Status: string(models.CompletedTaskStatus), Percent: 100})
	}
	if task.OrderID != nil {
		if err := s.RecomputeOrder(ctx, *task.OrderID); err != nil {
			log.GetLogger().Errorf("Recompute order %d: %v", *task.OrderID, err)
		}
	}
	return nil
}

// HandleWorkerFailure is the worker's unrecoverable-error callback.
func (s *FulfillmentService) HandleWorkerFailure(ctx context.Context, taskID int64, message string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &models.StatusConflictError{TaskID: taskID, Expected: task.Status, Next: models.FailedTaskStatus}
	}
	detail := message
	ok, err := s.store.UpdateTaskStatusIf(taskID, task.Status, models.FailedTaskStatus, &detail)
	if err != nil {
		return errors.Wrapf(err, "fail task %d", taskID)
	}
	if !ok {
		return &models.StatusConflictError{TaskID: taskID, Expected: task.Status, Next: models.FailedTaskStatus}
	}
	s.audit.Record(models.AuditEntry{
		OrderID:    task.OrderID,
		TaskID:     &taskID,
		EventType:  models.EventDownloadFailed,
		Category:   models.DownloadCategory,
		Severity:   models.ErrorSeverity,
		Message:    fmt.Sprintf("task %d failed: %s", taskID, message),
		Details:    models.AuditDetails{Error: message},
		PrevStatus: &task.Status,
		NewStatus:  statusPtr(models.FailedTaskStatus),
		Source:     "worker",
	})
	if s.notifier != nil {
		s.notifier.Publish(ctx, models.TaskScope, taskID, models.StatusEvent,
			models.ProgressPayload{Status: string(models.FailedTaskStatus), Message: message})
	}
	if task.OrderID != nil {
		if err := s.RecomputeOrder(ctx, *task.OrderID); err != nil {
			log.GetLogger().Errorf("Recompute order %d: %v", *task.OrderID, err)
		}
	}
	return nil
}

// AdminRetry resets a terminal task to PROCESSING, clears its error detail
// and drives it again.
func (s *FulfillmentService) AdminRetry(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !models.AdminRetryAllowed(task.Status) {
		return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("task %d is %s, only terminal tasks can be retried", taskID, task.Status)}
	}
	ok, err := s.store.UpdateTaskStatusIf(taskID, task.Status, models.ProcessingTaskStatus, nil)
	if err != nil {
		return errors.Wrapf(err, "retry task %d", taskID)
	}
	if !ok {
		return &models.StatusConflictError{TaskID: taskID, Expected: task.Status, Next: models.ProcessingTaskStatus}
	}
	s.audit.Record(models.AuditEntry{
		OrderID:    task.OrderID,
		TaskID:     &taskID,
		EventType:  models.EventStatusChange,
		Category:   models.LifecycleCategory,
		Severity:   models.InfoSeverity,
		Message:    fmt.Sprintf("task %d reset for administrative retry", taskID),
		PrevStatus: &task.Status,
		NewStatus:  statusPtr(models.ProcessingTaskStatus),
		Source:     "admin",
	})
	task.Status = models.ProcessingTaskStatus
	task.ErrorDetail = nil
	s.driveTask(ctx, task)
	if task.OrderID != nil {
		s.startTracker(ctx, *task.OrderID)
	}
	return nil
}

// RecomputeOrder re-derives the order's fulfillment status from its tasks
// and persists it when it changed.
func (s *FulfillmentService) RecomputeOrder(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	derived := models.DeriveFulfillment(order.Tasks)
	if derived == order.FulfillmentStatus {
		return nil
	}
	if err := s.store.UpdateOrderFulfillment(orderID, derived); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, models.OrderScope, orderID, models.StatusEvent,
			models.ProgressPayload{Status: string(derived)})
	}
	return nil
}

// RepairInvariants closes out COMPLETED tasks that lack a result link by
// moving them to FAILED with an explanatory message. Returns how many rows
// were repaired.
func (s *FulfillmentService) RepairInvariants(ctx context.Context) (int, error) {
	broken, err := s.store.ListCompletedWithoutResult(0)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, t := range broken {
		inv := &models.InvariantError{TaskID: t.ID, Detail: "completed without result link"}
		detail := inv.Error()
		ok, err := s.store.UpdateTaskStatusIf(t.ID, models.CompletedTaskStatus, models.FailedTaskStatus, &detail)
		if err != nil {
			log.GetLogger().Errorf("Repair task %d: %v", t.ID, err)
			continue
		}
		if !ok {
			continue
		}
		repaired++
		s.audit.Record(models.AuditEntry{
			OrderID:    t.OrderID,
			TaskID:     &t.ID,
			EventType:  models.EventStatusChange,
			Category:   models.LifecycleCategory,
			Severity:   models.CriticalSeverity,
			Message:    detail,
			PrevStatus: statusPtr(models.CompletedTaskStatus),
			NewStatus:  statusPtr(models.FailedTaskStatus),
			Source:     "maintenance",
		})
	}
	return repaired, nil
}

// GetTask exposes one task for the read API.
func (s *FulfillmentService) GetTask(id int64) (models.Task, error) {
	return s.store.GetTask(id)
}

// GetOrder exposes one order with its tasks for the read API.
func (s *FulfillmentService) GetOrder(id int64) (models.Order, error) {
	return s.store.GetOrder(id)
}

// startTracker spins up the completion poller whose one-shot side effect
// closes the order out.
func (s *FulfillmentService) startTracker(ctx context.Context, orderID int64) {
	if s.trackers == nil {
		return
	}
	s.trackers.Start(ctx, orderID, func(id int64) {
		if err := s.store.UpdateOrderFulfillment(id, models.CompletedFulfillment); err != nil {
			log.GetLogger().Errorf("Mark order %d completed: %v", id, err)
			return
		}
		s.audit.Record(models.AuditEntry{
			OrderID:   &id,
			EventType: models.EventNotificationSent,
			Category:  models.NotificationCategory,
			Severity:  models.InfoSeverity,
			Message:   fmt.Sprintf("order %d fulfilled, completion notification dispatched", id),
			Source:    "tracker",
		})
		if s.notifier != nil {
			s.notifier.Publish(context.Background(), models.OrderScope, id, models.CompleteEvent,
				models.ProgressPayload{Status: string(models.CompletedFulfillment), Percent: 100})
		}
	})
}

func (s *FulfillmentService) transition(t models.Task, expected, next models.TaskStatus, errDetail *string, source string) (bool, error) {
	ok, err := s.store.UpdateTaskStatusIf(t.ID, expected, next, errDetail)
	if err != nil || !ok {
		return ok, err
	}
	s.audit.Record(models.AuditEntry{
		OrderID:    t.OrderID,
		TaskID:     &t.ID,
		EventType:  models.EventStatusChange,
		Category:   models.LifecycleCategory,
		Severity:   models.InfoSeverity,
		Message:    fmt.Sprintf("task %d: %s -> %s", t.ID, expected, next),
		PrevStatus: &expected,
		NewStatus:  &next,
		Source:     source,
	})
	return true, nil
}

func (s *FulfillmentService) publishStatus(ctx context.Context, t models.Task) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, models.TaskScope, t.ID, models.StatusEvent,
		models.ProgressPayload{Status: string(t.Status)})
}

func statusPtr(s models.TaskStatus) *models.TaskStatus { return &s }
