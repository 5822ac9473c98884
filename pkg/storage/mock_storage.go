package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Thang0611/server-sub000/pkg/models"
)

// MockStore implements Store with in-memory state for tests that don't need
// a real database. It is safe for concurrent use.
type MockStore struct {
	mu          sync.Mutex
	orders      map[int64]models.Order
	tasks       map[int64]models.Task
	audit       []models.AuditEntry
	nextOrderID int64
	nextTaskID  int64
	nextAuditID int64

	// FailAuditInsert forces SaveAuditEntry to error, for exercising the
	// best-effort audit path.
	FailAuditInsert bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		orders: make(map[int64]models.Order),
		tasks:  make(map[int64]models.Task),
	}
}

func (m *MockStore) Begin() (Store, error) { return m, nil }
func (m *MockStore) Commit() error         { return nil }
func (m *MockStore) Rollback() error       { return nil }
func (m *MockStore) Close() error          { return nil }

func (m *MockStore) SaveOrder(o models.Order) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrderID++
	o.ID = m.nextOrderID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ID] = o
	return o.ID, nil
}

func (m *MockStore) GetOrder(id int64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	o.Tasks = nil
	for _, t := range m.tasks {
		if t.OrderID != nil && *t.OrderID == id {
			t.Status = models.NormalizeTaskStatus(t.Status)
			o.Tasks = append(o.Tasks, t)
		}
	}
	sortTasksByID(o.Tasks)
	return o, nil
}

func (m *MockStore) UpdateOrderFulfillment(id int64, status models.FulfillmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.FulfillmentStatus = status
	o.UpdatedAt = time.Now()
	m.orders[id] = o
	return nil
}

func (m *MockStore) UpdateOrderPayment(id int64, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentStatus = status
	o.UpdatedAt = time.Now()
	m.orders[id] = o
	return nil
}

func (m *MockStore) SaveTask(t models.Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	t.ID = m.nextTaskID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = t
	return t.ID, nil
}

// PutTask inserts a task with a caller-chosen ID, for seeding test fixtures.
func (m *MockStore) PutTask(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID > m.nextTaskID {
		m.nextTaskID = t.ID
	}
	m.tasks[t.ID] = t
}

// PutOrder inserts an order with a caller-chosen ID, for seeding test
// fixtures.
func (m *MockStore) PutOrder(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID > m.nextOrderID {
		m.nextOrderID = o.ID
	}
	m.orders[o.ID] = o
}

func (m *MockStore) GetTask(id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	t.Status = models.NormalizeTaskStatus(t.Status)
	return t, nil
}

func (m *MockStore) ListTasksByOrder(orderID int64) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.OrderID != nil && *t.OrderID == orderID {
			t.Status = models.NormalizeTaskStatus(t.Status)
			out = append(out, t)
		}
	}
	sortTasksByID(out)
	return out, nil
}

func (m *MockStore) ListRecoverableTasks(q RecoverableQuery) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		status := models.NormalizeTaskStatus(t.Status)
		if status != models.PendingTaskStatus &&
			status != models.ProcessingTaskStatus &&
			status != models.EnrolledTaskStatus {
			continue
		}
		if q.RequireOrder && t.OrderID == nil {
			continue
		}
		if q.OrderID != nil && (t.OrderID == nil || *t.OrderID != *q.OrderID) {
			continue
		}
		t.Status = status
		out = append(out, t)
	}
	sortTasksByUpdatedAt(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MockStore) UpdateTaskStatusIf(id int64, expected, next models.TaskStatus, errDetail *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if models.NormalizeTaskStatus(t.Status) != expected {
		return false, nil
	}
	t.Status = next
	t.ErrorDetail = errDetail
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return true, nil
}

func (m *MockStore) CompleteTaskIf(id int64, expected models.TaskStatus, resultURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if models.NormalizeTaskStatus(t.Status) != expected {
		return false, nil
	}
	t.Status = models.CompletedTaskStatus
	t.ResultURL = &resultURL
	t.ErrorDetail = nil
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return true, nil
}

func (m *MockStore) IncrementTaskRetry(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.RetryCount++
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *MockStore) ListCompletedWithoutResult(limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if models.NormalizeTaskStatus(t.Status) == models.CompletedTaskStatus &&
			(t.ResultURL == nil || *t.ResultURL == "") {
			out = append(out, t)
		}
	}
	sortTasksByID(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) SaveAuditEntry(e models.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAuditInsert {
		return 0, errors.New("audit insert forced to fail")
	}
	m.nextAuditID++
	e.ID = m.nextAuditID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, e)
	return e.ID, nil
}

func (m *MockStore) ListAuditEntries(f AuditFilter) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > MaxAuditResults {
		limit = MaxAuditResults
	}
	// newest first, same as the SQL store
	var out []models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if !matchAudit(e, f) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockStore) AuditSummary(f AuditFilter) (models.AuditSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := models.AuditSummary{
		BySeverity: make(map[models.AuditSeverity]int),
		ByCategory: make(map[models.AuditCategory]int),
	}
	for _, e := range m.audit {
		if !matchAudit(e, f) {
			continue
		}
		sum.Total++
		sum.BySeverity[e.Severity]++
		sum.ByCategory[e.Category]++
	}
	return sum, nil
}

// AuditEntries returns a copy of everything recorded so far.
func (m *MockStore) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func matchAudit(e models.AuditEntry, f AuditFilter) bool {
	if f.OrderID != nil && (e.OrderID == nil || *e.OrderID != *f.OrderID) {
		return false
	}
	if f.TaskID != nil && (e.TaskID == nil || *e.TaskID != *f.TaskID) {
		return false
	}
	if f.Severity != nil && e.Severity != *f.Severity {
		return false
	}
	if f.Category != nil && e.Category != *f.Category {
		return false
	}
	return true
}

func sortTasksByID(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func sortTasksByUpdatedAt(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].UpdatedAt.Equal(tasks[j].UpdatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
	})
}
