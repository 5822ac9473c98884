package storage

import (
	"github.com/pkg/errors"

	"github.com/Thang0611/server-sub000/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MaxAuditResults is the hard cap applied to audit reads regardless of the
// limit a caller asks for.
const MaxAuditResults = 500

// RecoverableQuery selects tasks whose durable status implies outstanding
// work. Results are always ordered oldest-updated first.
type RecoverableQuery struct {
	OrderID      *int64 // restrict to one order
	RequireOrder bool   // drop standalone/admin tasks
	Limit        int
}

// AuditFilter narrows audit reads. A zero filter matches everything up to
// the result cap.
type AuditFilter struct {
	OrderID  *int64
	TaskID   *int64
	Severity *models.AuditSeverity
	Category *models.AuditCategory
	Limit    int
}

// Store defines the durable operations of the fulfillment pipeline. The
// Task/Order rows it manages are the single source of truth; the broker
// queue and pub/sub channels are transient transports only.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Order operations
	SaveOrder(o models.Order) (int64, error)
	GetOrder(id int64) (models.Order, error)
	UpdateOrderFulfillment(id int64, status models.FulfillmentStatus) error
	UpdateOrderPayment(id int64, status models.PaymentStatus) error

	// Task operations
	SaveTask(t models.Task) (int64, error)
	GetTask(id int64) (models.Task, error)
	ListTasksByOrder(orderID int64) ([]models.Task, error)
	ListRecoverableTasks(q RecoverableQuery) ([]models.Task, error)
	// UpdateTaskStatusIf performs a conditional transition guarded by the
	// expected previous status. It returns false when the guard misses,
	// meaning a concurrent writer already moved the task. errDetail
	// replaces the stored error detail; nil clears it.
	UpdateTaskStatusIf(id int64, expected, next models.TaskStatus, errDetail *string) (bool, error)
	// CompleteTaskIf transitions to COMPLETED and sets the result link in
	// the same statement, so a completed row can never lack its result.
	CompleteTaskIf(id int64, expected models.TaskStatus, resultURL string) (bool, error)
	IncrementTaskRetry(id int64) error
	ListCompletedWithoutResult(limit int) ([]models.Task, error)

	// Audit operations (append-only)
	SaveAuditEntry(e models.AuditEntry) (int64, error)
	ListAuditEntries(f AuditFilter) ([]models.AuditEntry, error)
	AuditSummary(f AuditFilter) (models.AuditSummary, error)
}
