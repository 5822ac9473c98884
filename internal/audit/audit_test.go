package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Thang0611/server-sub000/internal/audit"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

func int64Ptr(v int64) *int64 { return &v }

func TestRecordReachesStoreAndFile(t *testing.T) {
	store := storage.NewMockStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	rec := audit.NewRecorder(store, audit.FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	defer rec.Close()

	rec.Record(models.AuditEntry{
		OrderID:   int64Ptr(9),
		TaskID:    int64Ptr(42),
		EventType: models.EventEnrollmentOK,
		Category:  models.EnrollmentCategory,
		Severity:  models.InfoSeverity,
		Message:   "Enrolled a@b.c in course",
		Details:   models.AuditDetails{CourseURL: "https://learn.example.com/go"},
		Source:    "fulfillment",
	})
	rec.Flush()

	entries := store.AuditEntries()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, models.EventEnrollmentOK, entries[0].EventType)
		assert.Equal(t, int64(42), *entries[0].TaskID)
		assert.False(t, entries[0].CreatedAt.IsZero())
	}

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	assert.True(t, scanner.Scan(), "expected one JSON line in the audit file")
	var decoded models.AuditEntry
	assert.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
	assert.Equal(t, "Enrolled a@b.c in course", decoded.Message)
	assert.Equal(t, "https://learn.example.com/go", decoded.Details.CourseURL)
	assert.False(t, scanner.Scan(), "exactly one line expected")
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	store := storage.NewMockStore()
	store.FailAuditInsert = true
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	rec := audit.NewRecorder(store, audit.FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	defer rec.Close()

	// must not panic or block; the file sink still gets the line
	rec.Record(models.AuditEntry{
		EventType: models.EventUploadFailed,
		Category:  models.UploadCategory,
		Severity:  models.ErrorSeverity,
		Message:   "upload failed",
		Source:    "worker",
	})
	rec.Flush()

	assert.Empty(t, store.AuditEntries())
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "upload failed")
}

func TestRecordWithoutFileSink(t *testing.T) {
	store := storage.NewMockStore()
	rec := audit.NewRecorder(store, audit.FileConfig{})
	defer rec.Close()

	rec.Record(models.AuditEntry{
		EventType: models.EventStatusChange,
		Category:  models.LifecycleCategory,
		Severity:  models.InfoSeverity,
		Message:   "status change",
		Source:    "fulfillment",
	})
	rec.Flush()

	assert.Len(t, store.AuditEntries(), 1)
}

func TestListAndSummaryDelegate(t *testing.T) {
	store := storage.NewMockStore()
	rec := audit.NewRecorder(store, audit.FileConfig{})
	defer rec.Close()

	for i := 0; i < 3; i++ {
		sev := models.InfoSeverity
		if i == 2 {
			sev = models.ErrorSeverity
		}
		rec.Record(models.AuditEntry{
			OrderID:   int64Ptr(7),
			EventType: models.EventStatusChange,
			Category:  models.LifecycleCategory,
			Severity:  sev,
			Message:   "tick",
			Source:    "fulfillment",
			CreatedAt: time.Now(),
		})
	}
	rec.Flush()

	errSev := models.ErrorSeverity
	got, err := rec.List(storage.AuditFilter{Severity: &errSev})
	assert.NoError(t, err)
	assert.Len(t, got, 1)

	sum, err := rec.Summary(storage.AuditFilter{OrderID: int64Ptr(7)})
	assert.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.BySeverity[models.InfoSeverity])
	assert.Equal(t, 3, sum.ByCategory[models.LifecycleCategory])
}
