package hub

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"poolwatch/internal/model"
)

// Frame types delivered to subscribers.
const (
	FrameBootstrap = "bootstrap"
	FrameEvent     = "event"
	FrameResync    = "resync_required"
)

// Frame is one message on a session's push channel.
type Frame struct {
	Type   string             `json:"type"`
	Event  *model.StoredEvent `json:"event,omitempty"`
	State  *model.PoolState   `json:"state,omitempty"`
	States []model.PoolState  `json:"states,omitempty"`
}

// SnapshotSource supplies bootstrap snapshots for new subscribers.
type SnapshotSource interface {
	Snapshots(filter string) []model.PoolState
}

// Session is one connected subscriber. Frames arrives on a bounded
// channel; when the queue overflows the hub stops incremental delivery
// and the client must re-subscribe for a fresh bootstrap.
type Session struct {
	ID     string
	Filter string

	frames chan Frame
	resync chan Frame

	mu      sync.Mutex
	dropped bool
	closed  bool
}

// Frames is the session's incremental delivery channel.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Resync delivers at most one resync_required frame.
func (s *Session) Resync() <-chan Frame { return s.resync }

// Hub tracks connected sessions and fans out committed events and
// aggregate deltas without ever blocking the publisher.
type Hub struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	capacity  int
	snapshots SnapshotSource
	logger    *zap.Logger
}

func NewHub(capacity int, snapshots SnapshotSource, logger *zap.Logger) *Hub {
	if capacity <= 0 {
		capacity = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		capacity:  capacity,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Subscribe registers a session for the filter and returns it together
// with the bootstrap snapshot frame, so a client never renders a blank
// view before incremental updates begin.
func (h *Hub) Subscribe(filter string) (*Session, Frame) {
	session := &Session{
		ID:     uuid.NewString(),
		Filter: filter,
		frames: make(chan Frame, h.capacity),
		resync: make(chan Frame, 1),
	}

	var bootstrap Frame
	bootstrap.Type = FrameBootstrap
	if h.snapshots != nil {
		bootstrap.States = h.snapshots.Snapshots(filter)
	}

	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()

	h.logger.Debug("session subscribed", zap.String("session", session.ID), zap.String("filter", filter))
	return session, bootstrap
}

// Unsubscribe releases the session immediately.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	session, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	if !session.closed {
		session.closed = true
		close(session.frames)
	}
	session.mu.Unlock()
	h.logger.Debug("session unsubscribed", zap.String("session", id))
}

// Publish fans a committed event and its aggregate delta out to matching
// sessions. Delivery is non-blocking: a full session queue marks the
// session for forced resynchronization with exactly one resync_required
// frame, and ingestion is never throttled.
func (h *Hub) Publish(event model.StoredEvent, state model.PoolState) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		if session.Filter != "" && session.Filter != event.PoolID {
			continue
		}
		sessions = append(sessions, session)
	}
	h.mu.Unlock()

	frame := Frame{Type: FrameEvent, Event: &event, State: &state}
	for _, session := range sessions {
		h.deliver(session, frame)
	}
}

func (h *Hub) deliver(session *Session, frame Frame) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.closed || session.dropped {
		return
	}

	select {
	case session.frames <- frame:
	default:
		session.dropped = true
		session.resync <- Frame{Type: FrameResync}
		h.logger.Warn("session queue full, forcing resync", zap.String("session", session.ID))
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
