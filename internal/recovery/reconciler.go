package recovery

import (
	"context"
	"fmt"

	"github.com/Thang0611/server-sub000/internal/enroll"
	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/internal/queue"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

// Queue is the slice of the producer the reconciler needs.
type Queue interface {
	Enqueue(ctx context.Context, item queue.Item) (string, error)
	SnapshotTaskIDs(ctx context.Context) (map[int64]bool, error)
}

// Recorder receives audit entries for everything the reconciler touches.
type Recorder interface {
	Record(e models.AuditEntry)
}

// Notifier publishes ephemeral status events. May be nil.
type Notifier interface {
	Publish(ctx context.Context, scope models.ProgressScope, id int64, typ models.ProgressEventType, payload models.ProgressPayload)
}

// Options bound one reconciliation pass.
type Options struct {
	OrderID   *int64 // restrict the pass to one order
	AdminMode bool   // include standalone/admin tasks
	BatchSize int
}

// TaskError is one task's failure inside a pass. Failures are collected
// here, never thrown; one task must not abort the batch.
type TaskError struct {
	TaskID int64  `json:"task_id"`
	Stage  string `json:"stage"` // enroll | enqueue | transition | order
	Error  string `json:"error"`
}

// Summary is the structured result of a pass, returned to admin callers
// verbatim.
type Summary struct {
	Recovered    int         `json:"recovered"`
	Failed       int         `json:"failed"`
	Skipped      []int64     `json:"skipped"`
	TotalChecked int         `json:"total_checked"`
	Errors       []TaskError `json:"errors"`
}

// Reconciler diffs durable task state against the broker queue and
// re-drives work that went missing, typically because the process died
// between a status write and the matching enqueue.
type Reconciler struct {
	store            storage.Store
	queue            Queue
	enroller         enroll.Enroller
	audit            Recorder
	notifier         Notifier
	maxEnrollRetries int
}

func NewReconciler(store storage.Store, q Queue, e enroll.Enroller, audit Recorder, notifier Notifier, maxEnrollRetries int) *Reconciler {
	if maxEnrollRetries <= 0 {
		maxEnrollRetries = 3
	}
	return &Reconciler{
		store:            store,
		queue:            q,
		enroller:         e,
		audit:            audit,
		notifier:         notifier,
		maxEnrollRetries: maxEnrollRetries,
	}
}

// Run executes one pass. Tasks are processed strictly sequentially, oldest
// updated first, to bound load on the rate-limited enrollment endpoint. The
// returned error covers only setup failures (broker snapshot, task listing);
// per-task failures land in the summary. Concurrent passes are safe: the
// worst case is a duplicate enqueue, which the downstream consumer already
// tolerates.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{Skipped: []int64{}, Errors: []TaskError{}}

	queued, err := r.queue.SnapshotTaskIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("snapshot broker queue: %w", err)
	}

	tasks, err := r.store.ListRecoverableTasks(storage.RecoverableQuery{
		OrderID:      opts.OrderID,
		RequireOrder: !opts.AdminMode,
		Limit:        opts.BatchSize,
	})
	if err != nil {
		return summary, fmt.Errorf("list recoverable tasks: %w", err)
	}
	summary.TotalChecked = len(tasks)

	// drop anything already sitting on the broker
	working := tasks[:0]
	for _, t := range tasks {
		if queued[t.ID] {
			log.GetLogger().Debugf("Task %d already queued, skipping", t.ID)
			summary.Skipped = append(summary.Skipped, t.ID)
			continue
		}
		working = append(working, t)
	}

	// toEnqueue preserves oldest-first order; seen dedups by task id
	var toEnqueue []models.Task
	seen := make(map[int64]bool)
	add := func(t models.Task) {
		if !seen[t.ID] {
			seen[t.ID] = true
			toEnqueue = append(toEnqueue, t)
		}
	}

	for _, t := range working {
		switch t.Status {
		case models.EnrolledTaskStatus:
			add(t)
		case models.ProcessingTaskStatus:
			if enrolled, ok := r.reEnroll(ctx, t, &summary); ok {
				add(enrolled)
			}
		case models.PendingTaskStatus:
			if enrolled, ok := r.kickPending(ctx, t, &summary); ok {
				add(enrolled)
			}
		}
	}

	for _, t := range toEnqueue {
		if _, err := r.queue.Enqueue(ctx, queue.Item{TaskID: t.ID, Email: t.Email, CourseURL: t.CourseURL}); err != nil {
			// status stays untouched so the next pass retries the enqueue
			summary.Failed++
			summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "enqueue", Error: err.Error()})
			log.GetLogger().Errorf("Recovery enqueue for task %d failed: %v", t.ID, err)
			continue
		}
		summary.Recovered++
	}

	r.audit.Record(models.AuditEntry{
		EventType: models.EventRecoveryRun,
		Category:  models.RecoveryCategory,
		Severity:  models.InfoSeverity,
		Message:   fmt.Sprintf("recovery pass finished: %d recovered, %d failed, %d skipped of %d checked", summary.Recovered, summary.Failed, len(summary.Skipped), summary.TotalChecked),
		Details: models.AuditDetails{
			Recovered: summary.Recovered,
			Failed:    summary.Failed,
			Skipped:   len(summary.Skipped),
		},
		Source: "reconciler",
	})
	return summary, nil
}

// reEnroll synchronously re-drives enrollment for a PROCESSING task. The
// returned task is the version to enqueue; ok is false when the task should
// not be enqueued in this pass.
func (r *Reconciler) reEnroll(ctx context.Context, t models.Task, summary *Summary) (models.Task, bool) {
	results, err := r.enroller.Enroll(ctx, []string{t.CourseURL}, t.Email, t.OrderID)
	if err == nil && len(results) > 0 && results[0].Success {
		ok, terr := r.transition(t, models.ProcessingTaskStatus, models.EnrolledTaskStatus, nil)
		if terr != nil || !ok {
			summary.Failed++
			summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "transition", Error: transitionErrString(terr, t.ID)})
			return t, false
		}
		r.audit.Record(models.AuditEntry{
			OrderID:   t.OrderID,
			TaskID:    &t.ID,
			EventType: models.EventEnrollmentOK,
			Category:  models.EnrollmentCategory,
			Severity:  models.InfoSeverity,
			Message:   fmt.Sprintf("re-enrolled %s during recovery", t.Email),
			Details:   models.AuditDetails{CourseURL: t.CourseURL, EnrollStatus: results[0].Status},
			Source:    "reconciler",
		})
		if r.notifier != nil {
			r.notifier.Publish(ctx, models.TaskScope, t.ID, models.StatusEvent,
				models.ProgressPayload{Status: string(models.EnrolledTaskStatus)})
		}
		t.Status = models.EnrolledTaskStatus
		return t, true
	}

	reason := enrollFailureReason(err, results)
	r.audit.Record(models.AuditEntry{
		OrderID:   t.OrderID,
		TaskID:    &t.ID,
		EventType: models.EventEnrollmentFailed,
		Category:  models.EnrollmentCategory,
		Severity:  models.WarningSeverity,
		Message:   fmt.Sprintf("recovery enrollment for %s failed", t.Email),
		Details:   models.AuditDetails{CourseURL: t.CourseURL, Error: reason},
		Source:    "reconciler",
	})

	if !t.Standalone() {
		// leave the task as-is for manual/audit review; no automatic
		// demotion to FAILED
		summary.Failed++
		summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "enroll", Error: reason})
		return t, false
	}

	// Standalone/admin task: the course may already be enrolled, so the
	// download still gets its chance. Each failed attempt burns one retry;
	// past the cap the task is closed out as FAILED instead of looping
	// forever.
	if t.RetryCount+1 >= r.maxEnrollRetries {
		detail := fmt.Sprintf("enrollment failed %d times: %s", t.RetryCount+1, reason)
		if ok, terr := r.transition(t, models.ProcessingTaskStatus, models.FailedTaskStatus, &detail); terr != nil || !ok {
			summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "transition", Error: transitionErrString(terr, t.ID)})
		}
		summary.Failed++
		summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "enroll", Error: detail})
		return t, false
	}
	if err := r.store.IncrementTaskRetry(t.ID); err != nil {
		log.GetLogger().Errorf("Increment retry for task %d: %v", t.ID, err)
	}
	return t, true
}

// kickPending handles a PENDING task whose payment cleared while the
// pipeline was down: move it to PROCESSING and run the enroll step inline.
func (r *Reconciler) kickPending(ctx context.Context, t models.Task, summary *Summary) (models.Task, bool) {
	if !t.Standalone() {
		order, err := r.store.GetOrder(*t.OrderID)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "order", Error: err.Error()})
			return t, false
		}
		if order.PaymentStatus != models.PaidPayment {
			log.GetLogger().Debugf("Task %d order %d not paid (%s), leaving pending", t.ID, order.ID, order.PaymentStatus)
			return t, false
		}
	}
	ok, err := r.transition(t, models.PendingTaskStatus, models.ProcessingTaskStatus, nil)
	if err != nil || !ok {
		summary.Failed++
		summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Stage: "transition", Error: transitionErrString(err, t.ID)})
		return t, false
	}
	t.Status = models.ProcessingTaskStatus
	return r.reEnroll(ctx, t, summary)
}

func (r *Reconciler) transition(t models.Task, expected, next models.TaskStatus, errDetail *string) (bool, error) {
	ok, err := r.store.UpdateTaskStatusIf(t.ID, expected, next, errDetail)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r.audit.Record(models.AuditEntry{
		OrderID:    t.OrderID,
		TaskID:     &t.ID,
		EventType:  models.EventStatusChange,
		Category:   models.LifecycleCategory,
		Severity:   models.InfoSeverity,
		Message:    fmt.Sprintf("task %d: %s -> %s", t.ID, expected, next),
		PrevStatus: &expected,
		NewStatus:  &next,
		Source:     "reconciler",
	})
	return true, nil
}

func transitionErrString(err error, taskID int64) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("task %d: concurrent writer changed status, transition refused", taskID)
}

func enrollFailureReason(err error, results []enroll.Result) string {
	if err != nil {
		return err.Error()
	}
	if len(results) == 0 {
		return "enrollment returned no results"
	}
	if results[0].Message != "" {
		return results[0].Message
	}
	return fmt.Sprintf("enrollment status %q", results[0].Status)
}
