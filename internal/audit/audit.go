package audit

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

// FileConfig controls the rotating audit file sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Recorder fans every lifecycle event out to three sinks: a synchronous
// console echo, an asynchronous durable-store insert, and an asynchronous
// rotating-file append. All three are best-effort. A sink failure is logged
// internally and never reaches the business operation being documented.
type Recorder struct {
	store  storage.Store
	file   *lumberjack.Logger
	fileMu sync.Mutex
	wg     sync.WaitGroup
}

func NewRecorder(store storage.Store, fc FileConfig) *Recorder {
	r := &Recorder{store: store}
	if fc.Path != "" {
		r.file = &lumberjack.Logger{
			Filename:   fc.Path,
			MaxSize:    fc.MaxSizeMB,
			MaxBackups: fc.MaxBackups,
		}
	}
	return r
}

// Record writes one audit entry. It never returns an error: logging must
// not abort or roll back the operation it documents.
func (r *Recorder) Record(e models.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	r.echo(e)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.persist(e)
	}()
	go func() {
		defer r.wg.Done()
		r.append(e)
	}()
}

// Flush waits for in-flight sink writes. Tests and shutdown only.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

func (r *Recorder) Close() error {
	r.wg.Wait()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Recorder) echo(e models.AuditEntry) {
	entry := log.GetLogger().WithFields(map[string]interface{}{
		"event":    e.EventType,
		"category": e.Category,
		"source":   e.Source,
	})
	if e.OrderID != nil {
		entry = entry.WithField("order", *e.OrderID)
	}
	if e.TaskID != nil {
		entry = entry.WithField("task", *e.TaskID)
	}
	switch e.Severity {
	case models.WarningSeverity:
		entry.Warn(e.Message)
	case models.ErrorSeverity, models.CriticalSeverity:
		entry.Error(e.Message)
	default:
		entry.Info(e.Message)
	}
}

func (r *Recorder) persist(e models.AuditEntry) {
	if r.store == nil {
		return
	}
	if _, err := r.store.SaveAuditEntry(e); err != nil {
		log.GetLogger().Errorf("Audit store insert failed (event %s): %v", e.EventType, err)
	}
}

func (r *Recorder) append(e models.AuditEntry) {
	if r.file == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		log.GetLogger().Errorf("Audit file encode failed (event %s): %v", e.EventType, err)
		return
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		log.GetLogger().Errorf("Audit file append failed (event %s): %v", e.EventType, err)
	}
}

// List reads entries matching the filter, newest first, capped at the store
// limit.
func (r *Recorder) List(f storage.AuditFilter) ([]models.AuditEntry, error) {
	return r.store.ListAuditEntries(f)
}

// Summary aggregates counts per severity and category for dashboards.
func (r *Recorder) Summary(f storage.AuditFilter) (models.AuditSummary, error) {
	return r.store.AuditSummary(f)
}
