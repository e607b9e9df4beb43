package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"poolwatch/internal/aggregate"
	"poolwatch/internal/hub"
	"poolwatch/internal/model"
	"poolwatch/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	defaultLimit   = 100
	maxLimit       = 1000
)

// Server exposes the read/query surface and the subscription entry
// point. It holds no business logic of its own.
type Server struct {
	hub    *hub.Hub
	store  store.Store
	engine *aggregate.Engine
	logger *zap.Logger
}

func NewServer(h *hub.Hub, st store.Store, engine *aggregate.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{hub: h, store: st, engine: engine, logger: logger}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/events", s.handleEvents)
	r.Get("/subscribe", s.handleSubscribe)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity != "" {
		state, ok := s.engine.Snapshot(entity)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown entity")
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshots(""))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	cursor, err := model.ParseCursor(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since cursor")
		return
	}

	limit := defaultLimit
	if rawLimit := query.Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	events, err := s.store.ListSince(r.Context(), cursor, query.Get("entity"), limit)
	if err != nil {
		s.logger.Error("list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"next_cursor": next.Cursor(),
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	cursor, err := model.ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamEvents(r.Context(), conn, filter, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamEvents delivers the bootstrap snapshot, a catch-up replay when a
// cursor is supplied, then live frames. The replay and live sources are
// stitched without gap or duplicate: a live frame is delivered only when
// its identity is strictly greater than the last replayed one.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter string, cursor model.EventID) error {
	// CloseRead cancels the context when the peer goes away.
	ctx = conn.CloseRead(ctx)

	session, bootstrap := s.hub.Subscribe(filter)
	defer s.hub.Unsubscribe(session.ID)

	if err := writeFrame(ctx, conn, bootstrap); err != nil {
		return err
	}

	lastDelivered := cursor
	if !cursor.IsZero() {
		last, err := s.replay(ctx, conn, filter, cursor)
		if err != nil {
			return err
		}
		lastDelivered = last
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-session.Resync():
			if err := writeFrame(ctx, conn, frame); err != nil {
				return err
			}
		case frame, ok := <-session.Frames():
			if !ok {
				return nil
			}
			if frame.Event != nil && !frame.Event.ID.After(lastDelivered) {
				continue
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return err
			}
			if frame.Event != nil {
				lastDelivered = frame.Event.ID
			}
		}
	}
}

func (s *Server) replay(ctx context.Context, conn *websocket.Conn, filter string, cursor model.EventID) (model.EventID, error) {
	last := cursor
	for {
		events, err := s.store.ListSince(ctx, last, filter, defaultLimit)
		if err != nil {
			return last, err
		}
		if len(events) == 0 {
			return last, nil
		}
		for i := range events {
			frame := hub.Frame{Type: hub.FrameEvent, Event: &events[i]}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return last, err
			}
			last = events[i].ID
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame hub.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
