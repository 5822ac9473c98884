package models

import (
	"encoding/json"
	"time"
)

type AuditSeverity string

const (
	InfoSeverity     AuditSeverity = "info"
	WarningSeverity  AuditSeverity = "warning"
	ErrorSeverity    AuditSeverity = "error"
	CriticalSeverity AuditSeverity = "critical"
)

type AuditCategory string

const (
	PaymentCategory      AuditCategory = "payment"
	EnrollmentCategory   AuditCategory = "enrollment"
	DownloadCategory     AuditCategory = "download"
	UploadCategory       AuditCategory = "upload"
	LifecycleCategory    AuditCategory = "lifecycle"
	NotificationCategory AuditCategory = "notification"
	RecoveryCategory     AuditCategory = "recovery"
)

type AuditEventType string

const (
	EventOrderCreated     AuditEventType = "created"
	EventPaymentReceived  AuditEventType = "payment_received"
	EventEnrollmentOK     AuditEventType = "enrollment_succeeded"
	EventEnrollmentFailed AuditEventType = "enrollment_failed"
	EventDownloadOK       AuditEventType = "download_succeeded"
	EventDownloadFailed   AuditEventType = "download_failed"
	EventUploadOK         AuditEventType = "upload_succeeded"
	EventUploadFailed     AuditEventType = "upload_failed"
	EventStatusChange     AuditEventType = "status_change"
	EventNotificationSent AuditEventType = "notification_sent"
	EventRecoveryRun      AuditEventType = "recovery_run"
)

// AuditDetails carries the per-category structured payload of an entry.
// Exactly the fields relevant to the entry's category are set; everything
// else stays zero and is omitted from the stored JSON. This replaces the
// free-form blobs the old schema allowed.
type AuditDetails struct {
	// enrollment
	CourseURL    string `json:"course_url,omitempty"`
	EnrollStatus string `json:"enroll_status,omitempty"`

	// download / upload
	ResultURL string `json:"result_url,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`

	// payment
	Amount  int64  `json:"amount,omitempty"`
	Gateway string `json:"gateway,omitempty"`

	// recovery
	Recovered int `json:"recovered,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Skipped   int `json:"skipped,omitempty"`

	// any category
	Error string `json:"error,omitempty"`
}

// AuditEntry is one immutable lifecycle record. Entries are append-only;
// there is no update or delete path anywhere in the codebase.
type AuditEntry struct {
	ID         int64          `json:"id" db:"id"`
	OrderID    *int64         `json:"order_id,omitempty" db:"order_id"`
	TaskID     *int64         `json:"task_id,omitempty" db:"task_id"`
	EventType  AuditEventType `json:"event_type" db:"event_type"`
	Category   AuditCategory  `json:"category" db:"category"`
	Severity   AuditSeverity  `json:"severity" db:"severity"`
	Message    string         `json:"message" db:"message"`
	Details    AuditDetails   `json:"details" db:"-"`
	DetailsRaw []byte         `json:"-" db:"details"`
	PrevStatus *TaskStatus    `json:"prev_status,omitempty" db:"prev_status"`
	NewStatus  *TaskStatus    `json:"new_status,omitempty" db:"new_status"`
	Source     string         `json:"source" db:"source"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// EncodeDetails serializes Details into DetailsRaw for storage.
func (e *AuditEntry) EncodeDetails() error {
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	e.DetailsRaw = raw
	return nil
}

// DecodeDetails restores Details from the stored JSON.
func (e *AuditEntry) DecodeDetails() error {
	if len(e.DetailsRaw) == 0 {
		return nil
	}
	return json.Unmarshal(e.DetailsRaw, &e.Details)
}

// AuditSummary aggregates entry counts for dashboards.
type AuditSummary struct {
	Total      int                   `json:"total"`
	BySeverity map[AuditSeverity]int `json:"by_severity"`
	ByCategory map[AuditCategory]int `json:"by_category"`
}
