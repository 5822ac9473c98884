package bus

import (
	"strconv"
	"sync"

	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/pkg/models"
)

// Frame is one routed event as delivered to a live session.
type Frame struct {
	Event string                 `json:"event"` // progress | status | complete
	Data  models.ProgressPayload `json:"data"`
}

// Session is a live observer connection. The concrete socket transport
// lives outside this package; anything that can be addressed and written to
// qualifies.
type Session interface {
	ID() string
	Send(f Frame) error
}

// Hub tracks which sessions are joined to which scope:id groups and fans
// published frames out to them. Delivery is best-effort and at-most-once; a
// session that errors on send is detached from all groups.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[string]Session // group -> session id -> session
	sessions map[string]map[string]bool    // session id -> joined groups
}

func NewHub() *Hub {
	return &Hub{
		groups:   make(map[string]map[string]Session),
		sessions: make(map[string]map[string]bool),
	}
}

// GroupKey builds the registry key for one scope:id pair.
func GroupKey(scope models.ProgressScope, id int64) string {
	return string(scope) + ":" + strconv.FormatInt(id, 10)
}

// Subscribe joins a session to a group.
func (h *Hub) Subscribe(scope models.ProgressScope, id int64, s Session) {
	group := GroupKey(scope, id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]Session)
	}
	h.groups[group][s.ID()] = s
	if h.sessions[s.ID()] == nil {
		h.sessions[s.ID()] = make(map[string]bool)
	}
	h.sessions[s.ID()][group] = true
}

// Unsubscribe removes a session from one group.
func (h *Hub) Unsubscribe(scope models.ProgressScope, id int64, s Session) {
	group := GroupKey(scope, id)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(group, s.ID())
}

// DetachSession removes a session from every group it joined. Called on
// disconnect.
func (h *Hub) DetachSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group := range h.sessions[sessionID] {
		h.leave(group, sessionID)
	}
}

func (h *Hub) leave(group, sessionID string) {
	if members, ok := h.groups[group]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if joined, ok := h.sessions[sessionID]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// Broadcast delivers a frame to every session joined to the group. A frame
// with no audience is dropped quietly; durable state lives on the Task and
// Order rows, not here.
func (h *Hub) Broadcast(group string, f Frame) {
	h.mu.RLock()
	members := make([]Session, 0, len(h.groups[group]))
	for _, s := range h.groups[group] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		log.GetLogger().Debugf("No sessions joined to %s, dropping %s frame", group, f.Event)
		return
	}
	for _, s := range members {
		if err := s.Send(f); err != nil {
			log.GetLogger().Warnf("Dropping session %s after send failure: %v", s.ID(), err)
			h.DetachSession(s.ID())
		}
	}
}

// GroupSize reports how many sessions are joined to a group.
func (h *Hub) GroupSize(scope models.ProgressScope, id int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[GroupKey(scope, id)])
}
