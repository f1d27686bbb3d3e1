/**
 * @description
 * This file implements the in-process event bus: a registry of live sessions
 * keyed by user id, and a publish path that fans a committed domain event out
 * to every connected session of every target user.
 *
 * Delivery contract: at-least-once toward connected sessions, never blocking
 * the publisher. Each session owns a bounded queue; on overflow the oldest
 * queued event is dropped. A drop is a capacity signal, not a correctness
 * violation: clients reconcile against authoritative reads, the push channel
 * is a liveness optimization.
 *
 * @notes
 * - The registry is an explicitly-owned object handed to the gateway and the
 *   engines at construction, not ambient global state.
 */

package bus

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
)

// DefaultQueueSize is the per-session outbound queue depth used when the
// configured value is not positive.
const DefaultQueueSize = 64

// SessionHandle is one connected session's subscription to the bus. The
// gateway drains Events() onto the wire.
type SessionHandle struct {
	userID uuid.UUID
	queue  chan domain.Event
}

// UserID returns the authenticated user this session belongs to.
func (h *SessionHandle) UserID() uuid.UUID {
	return h.userID
}

// Events returns the session's outbound queue.
func (h *SessionHandle) Events() <-chan domain.Event {
	return h.queue
}

// Bus fans events out to registered sessions. All registry mutation happens
// under the bus's own mutex, independent of any entity lock.
type Bus struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]map[*SessionHandle]struct{}
	queueSize int
}

// New creates a Bus whose sessions buffer up to queueSize events.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		sessions:  make(map[uuid.UUID]map[*SessionHandle]struct{}),
		queueSize: queueSize,
	}
}

// Register adds a session for userID and returns its handle.
func (b *Bus) Register(userID uuid.UUID) *SessionHandle {
	h := &SessionHandle{
		userID: userID,
		queue:  make(chan domain.Event, b.queueSize),
	}
	b.mu.Lock()
	set, ok := b.sessions[userID]
	if !ok {
		set = make(map[*SessionHandle]struct{})
		b.sessions[userID] = set
	}
	set[h] = struct{}{}
	b.mu.Unlock()
	return h
}

// Deregister removes a session. Safe to call more than once.
func (b *Bus) Deregister(h *SessionHandle) {
	if h == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.sessions[h.userID]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(b.sessions, h.userID)
		}
	}
	b.mu.Unlock()
}

// SessionCount reports how many sessions are registered for userID.
func (b *Bus) SessionCount(userID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[userID])
}

// Publish writes the event to the queue of every live session belonging to a
// target user. It never blocks: a full queue sheds its oldest event to make
// room for the newest.
func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	var handles []*SessionHandle
	for _, userID := range event.TargetUserIDs {
		for h := range b.sessions[userID] {
			handles = append(handles, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handles {
		b.enqueue(h, event)
	}
}

func (b *Bus) enqueue(h *SessionHandle, event domain.Event) {
	for {
		select {
		case h.queue <- event:
			return
		default:
		}
		// Queue full: shed the oldest event and retry. The consumer may have
		// drained concurrently, in which case the retry just succeeds.
		select {
		case dropped := <-h.queue:
			log.Printf("level=warn component=bus msg=\"session queue overflow; oldest event dropped\" user_id=%s dropped_type=%s", h.userID, dropped.Type)
		default:
		}
	}
}
