// Package notify fans task events out to connected owner sessions.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"recapai/pkg/domain"
)

// DefaultBuffer is the per-session event buffer.
const DefaultBuffer = 16

// Deliverer accepts task events for delivery. Implementations never block
// on a slow session.
type Deliverer interface {
	Deliver(ctx context.Context, event domain.TaskEvent)
}

// Session is one connected push channel.
type Session struct {
	ID      uint64
	OwnerID string
	events  chan domain.TaskEvent
	closed  atomic.Bool
	dropped atomic.Int64
}

// Events yields events until the session is closed.
func (s *Session) Events() <-chan domain.TaskEvent { return s.events }

// Dropped counts events discarded because the buffer was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Hub is the in-process registry of owner sessions.
type Hub struct {
	buffer int
	nextID atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]map[uint64]*Session
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, sessions: make(map[string]map[uint64]*Session)}
}

// Open registers a new session for ownerID.
func (h *Hub) Open(ownerID string) *Session {
	s := &Session{
		ID:      h.nextID.Add(1),
		OwnerID: ownerID,
		events:  make(chan domain.TaskEvent, h.buffer),
	}
	h.mu.Lock()
	owned := h.sessions[ownerID]
	if owned == nil {
		owned = make(map[uint64]*Session)
		h.sessions[ownerID] = owned
	}
	owned[s.ID] = s
	h.mu.Unlock()
	return s
}

// Close unregisters s and closes its channel. Safe to call twice.
func (h *Hub) Close(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if owned := h.sessions[s.OwnerID]; owned != nil {
		delete(owned, s.ID)
		if len(owned) == 0 {
			delete(h.sessions, s.OwnerID)
		}
	}
	close(s.events)
}

// Deliver hands event to every session of its owner. Full buffers drop the
// event for that session only.
func (h *Hub) Deliver(ctx context.Context, event domain.TaskEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions[event.OwnerID] {
		select {
		case s.events <- event:
		default:
			s.dropped.Add(1)
			slog.WarnContext(ctx, "notification dropped", "owner_id", event.OwnerID, "session", s.ID, "task_id", event.TaskID)
		}
	}
}

// Sessions reports how many sessions ownerID has open.
func (h *Hub) Sessions(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[ownerID])
}
