package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/taskhook/tasks"
)

// stream feeds task views to emit until the task is terminal, ctx ends or
// the server shuts down. ping is called every WatchPingInterval.
func (s *Server) stream(ctx context.Context, updates <-chan *tasks.Record, emit func(TaskView) error, ping func() error) {
	var tick <-chan time.Time
	if s.config.WatchPingInterval > 0 {
		ticker := time.NewTicker(s.config.WatchPingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-tick:
			if err := ping(); err != nil {
				return
			}
		case rec, ok := <-updates:
			if !ok {
				return
			}
			if err := emit(viewOf(rec)); err != nil {
				return
			}
			if rec.Status.IsTerminal() {
				return
			}
		}
	}
}

// handleWatch handles GET /tasks/{id}/watch.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Resolve the task before upgrading so unknown ids get a plain 404.
	updates, err := s.store.Watch(ctx, taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	// Reader: notices the client going away. Inbound messages are ignored.
	conn.SetReadLimit(512)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := func() time.Time { return time.Now().Add(s.config.WatchWriteTimeout) }
	emit := func(v TaskView) error {
		if err := conn.SetWriteDeadline(deadline()); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, deadline())
	}

	s.logger.Debug("watch_opened", map[string]interface{}{"task_id": taskID, "transport": "websocket"})
	s.stream(ctx, updates, emit, ping)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.logger.Debug("watch_closed", map[string]interface{}{"task_id": taskID, "transport": "websocket"})
}

// handleEvents handles GET /tasks/{id}/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	updates, err := s.store.Watch(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Per-write deadlines replace the server-wide write timeout.
	rc := http.NewResponseController(w)
	write := func(format string, args ...interface{}) error {
		_ = rc.SetWriteDeadline(time.Now().Add(s.config.WatchWriteTimeout))
		if _, err := fmt.Fprintf(w, format, args...); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	emit := func(v TaskView) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return write("event: task\ndata: %s\n\n", data)
	}
	ping := func() error {
		return write(": heartbeat\n\n")
	}

	s.stream(r.Context(), updates, emit, ping)
}
