package bus

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/Thang0611/server-sub000/pkg/models"
)

type testSession struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames []Frame
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) Send(f Frame) error {
	if s.fail {
		return errors.New("connection gone")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *testSession) received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func TestHubFanoutIsolation(t *testing.T) {
	hub := NewHub()
	seven := &testSession{id: "s7"}
	sevenToo := &testSession{id: "s7b"}
	eight := &testSession{id: "s8"}

	hub.Subscribe(models.TaskScope, 7, seven)
	hub.Subscribe(models.TaskScope, 7, sevenToo)
	hub.Subscribe(models.TaskScope, 8, eight)

	hub.Broadcast(GroupKey(models.TaskScope, 7), Frame{Event: "progress", Data: models.ProgressPayload{TaskID: 7, Percent: 40}})

	assert.Len(t, seven.frames, 1)
	assert.Len(t, sevenToo.frames, 1)
	assert.Empty(t, eight.frames, "session joined only to task:8 must not receive task:7 events")
	assert.Equal(t, float64(40), seven.frames[0].Data.Percent)
}

func TestHubBroadcastWithoutAudience(t *testing.T) {
	hub := NewHub()
	// no sessions joined; dropping is fine and must not panic
	hub.Broadcast(GroupKey(models.OrderScope, 1), Frame{Event: "status"})
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	s := &testSession{id: "s1"}
	hub.Subscribe(models.TaskScope, 7, s)
	hub.Unsubscribe(models.TaskScope, 7, s)

	hub.Broadcast(GroupKey(models.TaskScope, 7), Frame{Event: "progress"})
	assert.Empty(t, s.frames)
	assert.Equal(t, 0, hub.GroupSize(models.TaskScope, 7))
}

func TestHubDetachSessionLeavesAllGroups(t *testing.T) {
	hub := NewHub()
	s := &testSession{id: "s1"}
	hub.Subscribe(models.TaskScope, 7, s)
	hub.Subscribe(models.OrderScope, 3, s)

	hub.DetachSession("s1")

	assert.Equal(t, 0, hub.GroupSize(models.TaskScope, 7))
	assert.Equal(t, 0, hub.GroupSize(models.OrderScope, 3))
}

func TestHubDropsFailingSession(t *testing.T) {
	hub := NewHub()
	broken := &testSession{id: "broken", fail: true}
	healthy := &testSession{id: "healthy"}
	hub.Subscribe(models.TaskScope, 7, broken)
	hub.Subscribe(models.TaskScope, 7, healthy)

	hub.Broadcast(GroupKey(models.TaskScope, 7), Frame{Event: "progress"})

	assert.Len(t, healthy.frames, 1)
	assert.Equal(t, 1, hub.GroupSize(models.TaskScope, 7), "failing session is detached")
}
