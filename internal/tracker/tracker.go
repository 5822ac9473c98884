package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

// CompletionFunc is the terminal side effect fired once when every task of
// an order has completed.
type CompletionFunc func(orderID int64)

// Registry owns the ephemeral per-order completion pollers. At most one
// poller runs per order; starting a new one cancels and replaces the old.
// Pollers do not survive process restarts; operators re-trigger manually.
type Registry struct {
	store       storage.Store
	interval    time.Duration
	maxDuration time.Duration

	mu       sync.Mutex
	trackers map[int64]*tracker
}

type tracker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(store storage.Store, interval, maxDuration time.Duration) *Registry {
	return &Registry{
		store:       store,
		interval:    interval,
		maxDuration: maxDuration,
		trackers:    make(map[int64]*tracker),
	}
}

// Start begins polling the order's tasks. The previous poller for the same
// order, if any, is cancelled first. The poller's lifetime is detached from
// ctx's cancellation: callers are typically request handlers, and the poller
// must keep running after the request returns. Only replacement, StopAll or
// the max-duration bound ends it.
func (r *Registry) Start(ctx context.Context, orderID int64, onComplete CompletionFunc) {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &tracker{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if old, ok := r.trackers[orderID]; ok {
		old.cancel()
		log.GetLogger().Debugf("Replacing completion tracker for order %d", orderID)
	}
	r.trackers[orderID] = t
	r.mu.Unlock()

	go r.poll(pollCtx, orderID, t, onComplete)
}

// Active reports whether a poller currently runs for the order.
func (r *Registry) Active(orderID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.trackers[orderID]
	return ok
}

// StopAll cancels every running poller and waits for them to exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	trackers := make([]*tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		t.cancel()
		trackers = append(trackers, t)
	}
	r.mu.Unlock()
	for _, t := range trackers {
		<-t.done
	}
}

func (r *Registry) poll(ctx context.Context, orderID int64, t *tracker, onComplete CompletionFunc) {
	defer close(t.done)

	deadline := time.NewTimer(r.maxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.remove(orderID, t)
			return
		case <-deadline.C:
			log.GetLogger().Warnf("Completion tracker for order %d timed out after %s without all tasks completing", orderID, r.maxDuration)
			r.remove(orderID, t)
			return
		case <-ticker.C:
			done, err := r.allCompleted(orderID)
			if err != nil {
				log.GetLogger().Errorf("Completion tracker for order %d: %v", orderID, err)
				continue
			}
			if !done {
				continue
			}
			// cancel and deregister before the side effect runs, so a
			// slow callback can never cause a second firing
			r.remove(orderID, t)
			t.cancel()
			onComplete(orderID)
			return
		}
	}
}

func (r *Registry) allCompleted(orderID int64) (bool, error) {
	tasks, err := r.store.ListTasksByOrder(orderID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, task := range tasks {
		if models.NormalizeTaskStatus(task.Status) != models.CompletedTaskStatus {
			return false, nil
		}
	}
	return true, nil
}

// remove deregisters t, but only while it is still the current tracker for
// the order; a replacement must not be evicted by its predecessor.
func (r *Registry) remove(orderID int64, t *tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.trackers[orderID]; ok && cur == t {
		delete(r.trackers, orderID)
	}
}
