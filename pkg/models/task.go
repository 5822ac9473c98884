package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	ProcessingTaskStatus TaskStatus = "PROCESSING"
	EnrolledTaskStatus   TaskStatus = "ENROLLED"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"

	// legacyNewTaskStatus is an alias written by the pre-rewrite schema.
	legacyNewTaskStatus TaskStatus = "NEW"
)

type CourseType string

const (
	EphemeralCourse CourseType = "ephemeral"
	PermanentCourse CourseType = "permanent"
)

// Task represents one unit of fulfillment work: enroll, download and deliver
// a single course to a single recipient.
type Task struct {
	ID          int64      `json:"id" db:"id"`
	OrderID     *int64     `json:"order_id,omitempty" db:"order_id"` // nil for standalone/admin jobs
	Email       string     `json:"email" db:"email"`
	CourseURL   string     `json:"course_url" db:"course_url"`
	Status      TaskStatus `json:"status" db:"status"`
	CourseType  CourseType `json:"course_type" db:"course_type"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	ErrorDetail *string    `json:"error_detail,omitempty" db:"error_detail"`
	ResultURL   *string    `json:"result_url,omitempty" db:"result_url"` // drive/storage link, set on completion
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Standalone reports whether the task was triggered by an admin rather
// than a purchase.
func (t Task) Standalone() bool {
	return t.OrderID == nil
}

// Terminal reports whether the status permits no further transitions
// outside an explicit administrative retry.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// NormalizeTaskStatus maps legacy status spellings onto the current set.
func NormalizeTaskStatus(s TaskStatus) TaskStatus {
	if s == legacyNewTaskStatus {
		return PendingTaskStatus
	}
	return s
}

// ValidTaskStatus reports whether s (after normalization) is a known status.
func ValidTaskStatus(s TaskStatus) bool {
	switch NormalizeTaskStatus(s) {
	case PendingTaskStatus, ProcessingTaskStatus, EnrolledTaskStatus,
		CompletedTaskStatus, FailedTaskStatus:
		return true
	}
	return false
}

// CanTransition reports whether moving a task from one status to another is
// allowed by the fulfillment lifecycle. FAILED is reachable from any
// non-terminal state. The administrative retry path back to PROCESSING is
// intentionally excluded here; it goes through AdminRetryAllowed.
func CanTransition(from, to TaskStatus) bool {
	from = NormalizeTaskStatus(from)
	to = NormalizeTaskStatus(to)
	if from.Terminal() {
		return false
	}
	if to == FailedTaskStatus {
		return true
	}
	switch from {
	case PendingTaskStatus:
		return to == ProcessingTaskStatus
	case ProcessingTaskStatus:
		return to == EnrolledTaskStatus
	case EnrolledTaskStatus:
		return to == CompletedTaskStatus
	}
	return false
}

// AdminRetryAllowed reports whether an explicit administrative retry may
// reset the task to PROCESSING. Only terminal tasks are retryable this way;
// everything else is still in flight.
func AdminRetryAllowed(from TaskStatus) bool {
	return NormalizeTaskStatus(from).Terminal()
}
