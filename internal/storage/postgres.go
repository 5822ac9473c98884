package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveOrder creates a new order and returns its ID
func (s *PostgresStore) SaveOrder(o models.Order) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO orders (code, payment_status, fulfillment_status, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		o.Code, o.PaymentStatus, o.FulfillmentStatus, o.TotalAmount, o.CreatedAt, o.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save order: %w", err)
	}
	return id, nil
}

// GetOrder retrieves an order by ID, including its tasks
func (s *PostgresStore) GetOrder(id int64) (models.Order, error) {
	var o models.Order
	err := s.db.Get(&o, "SELECT id, code, payment_status, fulfillment_status, total_amount, created_at, updated_at FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Order{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Order{}, err
	}
	tasks, err := s.ListTasksByOrder(id)
	if err != nil {
		return models.Order{}, fmt.Errorf("get order %d: %w", id, err)
	}
	o.Tasks = tasks
	return o, nil
}

func (s *PostgresStore) UpdateOrderFulfillment(id int64, status models.FulfillmentStatus) error {
	res, err := s.db.Exec("UPDATE orders SET fulfillment_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateOrderPayment(id int64, status models.PaymentStatus) error {
	res, err := s.db.Exec("UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveTask creates a new task and returns its ID
func (s *PostgresStore) SaveTask(t models.Task) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO tasks (order_id, email, course_url, status, course_type, retry_count, error_detail, result_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		t.OrderID, t.Email, t.CourseURL, t.Status, t.CourseType, t.RetryCount, t.ErrorDetail, t.ResultURL, t.CreatedAt, t.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save task: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetTask(id int64) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	t.Status = models.NormalizeTaskStatus(t.Status)
	return t, nil
}

func (s *PostgresStore) ListTasksByOrder(orderID int64) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Status = models.NormalizeTaskStatus(tasks[i].Status)
	}
	return tasks, nil
}

// ListRecoverableTasks returns tasks whose status implies outstanding work,
// oldest-updated first. The legacy 'NEW' spelling counts as PENDING.
func (s *PostgresStore) ListRecoverableTasks(q storage.RecoverableQuery) ([]models.Task, error) {
	query := "SELECT * FROM tasks WHERE status IN ('PENDING', 'NEW', 'PROCESSING', 'ENROLLED')"
	args := []interface{}{}
	if q.RequireOrder {
		query += " AND order_id IS NOT NULL"
	}
	if q.OrderID != nil {
		args = append(args, *q.OrderID)
		query += fmt.Sprintf(" AND order_id = $%d", len(args))
	}
	query += " ORDER BY updated_at ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	tasks := []models.Task{}
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list recoverable tasks: %w", err)
	}
	for i := range tasks {
		tasks[i].Status = models.NormalizeTaskStatus(tasks[i].Status)
	}
	return tasks, nil
}

// UpdateTaskStatusIf performs the guarded transition. The WHERE clause
// carries the expected previous status so two concurrent writers can never
// clobber each other; zero rows affected means the guard missed.
func (s *PostgresStore) UpdateTaskStatusIf(id int64, expected, next models.TaskStatus, errDetail *string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		error_detail = $2,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND (status = $4 OR ($4 = 'PENDING' AND status = 'NEW'))`,
		next, errDetail, id, expected)
	if err != nil {
		return false, fmt.Errorf("update task %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTaskIf sets COMPLETED and the result link in one statement so the
// completed-implies-result invariant holds row by row.
func (s *PostgresStore) CompleteTaskIf(id int64, expected models.TaskStatus, resultURL string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'COMPLETED',
		result_url = $1,
		error_detail = NULL,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status = $3`,
		resultURL, id, expected)
	if err != nil {
		return false, fmt.Errorf("complete task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) IncrementTaskRetry(id int64) error {
	res, err := s.db.Exec("UPDATE tasks SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListCompletedWithoutResult(limit int) ([]models.Task, error) {
	tasks := []models.Task{}
	query := "SELECT * FROM tasks WHERE status = 'COMPLETED' AND (result_url IS NULL OR result_url = '') ORDER BY id"
	args := []interface{}{}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveAuditEntry appends one immutable audit row. There is deliberately no
// update or delete counterpart.
func (s *PostgresStore) SaveAuditEntry(e models.AuditEntry) (int64, error) {
	if err := e.EncodeDetails(); err != nil {
		return 0, fmt.Errorf("encode audit details: %w", err)
	}
	var id int64
	err := s.db.QueryRowx(`INSERT INTO audit_log (order_id, task_id, event_type, category, severity, message, details, prev_status, new_status, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		e.OrderID, e.TaskID, e.EventType, e.Category, e.Severity, e.Message, e.DetailsRaw, e.PrevStatus, e.NewStatus, e.Source, e.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save audit entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListAuditEntries(f storage.AuditFilter) ([]models.AuditEntry, error) {
	query, args := buildAuditQuery("SELECT * FROM audit_log", f)
	limit := f.Limit
	if limit <= 0 || limit > storage.MaxAuditResults {
		limit = storage.MaxAuditResults
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	entries := []models.AuditEntry{}
	if err := s.db.Select(&entries, query, args...); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	for i := range entries {
		if err := entries[i].DecodeDetails(); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return entries, nil
}

func (s *PostgresStore) AuditSummary(f storage.AuditFilter) (models.AuditSummary, error) {
	query, args := buildAuditQuery("SELECT severity, category, COUNT(*) AS n FROM audit_log", f)
	query += " GROUP BY severity, category"

	rows := []struct {
		Severity models.AuditSeverity `db:"severity"`
		Category models.AuditCategory `db:"category"`
		N        int                  `db:"n"`
	}{}
	if err := s.db.Select(&rows, query, args...); err != nil {
		return models.AuditSummary{}, fmt.Errorf("audit summary: %w", err)
	}
	sum := models.AuditSummary{
		BySeverity: make(map[models.AuditSeverity]int),
		ByCategory: make(map[models.AuditCategory]int),
	}
	for _, r := range rows {
		sum.Total += r.N
		sum.BySeverity[r.Severity] += r.N
		sum.ByCategory[r.Category] += r.N
	}
	return sum, nil
}

func buildAuditQuery(base string, f storage.AuditFilter) (string, []interface{}) {
	query := base + " WHERE 1=1"
	args := []interface{}{}
	if f.OrderID != nil {
		args = append(args, *f.OrderID)
		query += fmt.Sprintf(" AND order_id = $%d", len(args))
	}
	if f.TaskID != nil {
		args = append(args, *f.TaskID)
		query += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if f.Severity != nil {
		args = append(args, *f.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if f.Category != nil {
		args = append(args, *f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	return query, args
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
