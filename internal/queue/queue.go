package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Thang0611/server-sub000/internal/log"
)

// Item is the caller-facing description of one download job.
type Item struct {
	TaskID    int64
	Email     string
	CourseURL string
}

// wireJob is the exact JSON shape the external worker consumes. Changing a
// field here breaks the worker; treat it as a frozen contract.
type wireJob struct {
	TaskID    int64  `json:"taskId"`
	Email     string `json:"email"`
	CourseURL string `json:"courseUrl"`
	Timestamp string `json:"timestamp"`
	JobID     string `json:"jobId"`
}

// UnavailableError wraps a broker failure. It is retryable: the caller must
// leave the task's status untouched so a later reconciliation pass retries
// the enqueue.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Producer appends download jobs to the durable ordered list the external
// worker pool consumes. It performs no deduplication of its own; the
// reconciler checks broker membership before re-enqueueing.
type Producer struct {
	rdb *redis.Client
	key string
}

func NewProducer(rdb *redis.Client, key string) *Producer {
	return &Producer{rdb: rdb, key: key}
}

// Enqueue pushes one job and returns its job descriptor ("task-<id>").
func (p *Producer) Enqueue(ctx context.Context, item Item) (string, error) {
	job := wireJob{
		TaskID:    item.TaskID,
		Email:     item.Email,
		CourseURL: item.CourseURL,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		JobID:     fmt.Sprintf("task-%d", item.TaskID),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job for task %d: %w", item.TaskID, err)
	}
	if err := p.rdb.RPush(ctx, p.key, payload).Err(); err != nil {
		return "", &UnavailableError{Err: err}
	}
	log.GetLogger().Debugf("Enqueued job %s onto %s", job.JobID, p.key)
	return job.JobID, nil
}

// SnapshotTaskIDs scans the whole list and returns the set of task ids
// currently queued. O(n); reconciler and admin tooling only.
func (p *Producer) SnapshotTaskIDs(ctx context.Context) (map[int64]bool, error) {
	entries, err := p.rdb.LRange(ctx, p.key, 0, -1).Result()
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	ids := make(map[int64]bool, len(entries))
	for _, raw := range entries {
		var job wireJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// foreign entries on the list are skipped, not fatal
			log.GetLogger().Warnf("Skipping unparsable queue entry on %s: %v", p.key, err)
			continue
		}
		ids[job.TaskID] = true
	}
	return ids, nil
}

// Length returns the queue depth. O(1) on the broker but still meant for
// introspection, not hot paths.
func (p *Producer) Length(ctx context.Context) (int64, error) {
	n, err := p.rdb.LLen(ctx, p.key).Result()
	if err != nil {
		return 0, &UnavailableError{Err: err}
	}
	return n, nil
}
