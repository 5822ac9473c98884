package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Thang0611/server-sub000/internal/queue"
	"github.com/Thang0611/server-sub000/internal/testutil"
)

func TestProducerEnqueue(t *testing.T) {
	mr, rdb := testutil.SetupRedis(t)
	p := queue.NewProducer(rdb, "course_download_queue")
	ctx := context.Background()

	jobID, err := p.Enqueue(ctx, queue.Item{TaskID: 42, Email: "buyer@example.com", CourseURL: "https://courses.example.com/go-101"})
	assert.NoError(t, err)
	assert.Equal(t, "task-42", jobID)

	entries, err := mr.List("course_download_queue")
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	// the worker depends on this exact shape
	var job map[string]interface{}
	assert.NoError(t, json.Unmarshal([]byte(entries[0]), &job))
	assert.Equal(t, float64(42), job["taskId"])
	assert.Equal(t, "buyer@example.com", job["email"])
	assert.Equal(t, "https://courses.example.com/go-101", job["courseUrl"])
	assert.Equal(t, "task-42", job["jobId"])
	_, err = time.Parse(time.RFC3339, job["timestamp"].(string))
	assert.NoError(t, err)
}

func TestProducerSnapshotAndLength(t *testing.T) {
	_, rdb := testutil.SetupRedis(t)
	p := queue.NewProducer(rdb, "course_download_queue")
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := p.Enqueue(ctx, queue.Item{TaskID: id, Email: "buyer@example.com", CourseURL: "https://courses.example.com/c"})
		assert.NoError(t, err)
	}

	ids, err := p.SnapshotTaskIDs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, ids)

	n, err := p.Length(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestProducerSnapshotSkipsForeignEntries(t *testing.T) {
	mr, rdb := testutil.SetupRedis(t)
	p := queue.NewProducer(rdb, "course_download_queue")
	ctx := context.Background()

	mr.Lpush("course_download_queue", "not json at all")
	_, err := p.Enqueue(ctx, queue.Item{TaskID: 7, Email: "a@b.c", CourseURL: "https://x"})
	assert.NoError(t, err)

	ids, err := p.SnapshotTaskIDs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, map[int64]bool{7: true}, ids)
}

func TestProducerBrokerDown(t *testing.T) {
	mr, rdb := testutil.SetupRedis(t)
	p := queue.NewProducer(rdb, "course_download_queue")
	ctx := context.Background()

	mr.Close()

	_, err := p.Enqueue(ctx, queue.Item{TaskID: 1, Email: "a@b.c", CourseURL: "https://x"})
	assert.Error(t, err)
	var unavailable *queue.UnavailableError
	assert.ErrorAs(t, err, &unavailable)

	_, err = p.SnapshotTaskIDs(ctx)
	assert.ErrorAs(t, err, &unavailable)
}
