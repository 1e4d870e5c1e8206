package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/pkg/schema"
)

// handleRunEvents streams a run's events as Server-Sent Events. Events are
// read from the log, so a client that reconnects with Last-Event-ID or
// ?since= resumes after the last sequence it saw. The stream ends after a
// terminal event.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	runID := chi.URLParam(r, "id")

	since := int64(queryInt(r, "since", 0))
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil {
			since = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()
	for {
		events, err := s.deps.Runs.GetEvents(r.Context(), runID, since)
		if err != nil {
			s.deps.Logger.ErrorContext(r.Context(), "run event stream read failed", "run_id", runID, "error", err)
			return
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
			since = ev.Sequence
		}
		if len(events) > 0 {
			flusher.Flush()
			if terminal(events[len(events)-1]) {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func terminal(ev *store.Event) bool {
	return ev.Type == schema.EventRunSucceeded || ev.Type == schema.EventRunFailed
}

// handleEscalationStream pushes escalation notices over a websocket until the
// client goes away. The current pending set is sent first as "requested"
// notices so a fresh client needs no separate list call.
func (s *Server) handleEscalationStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.deps.AllowedOrigins})
	if err != nil {
		s.deps.Logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	notices, unsubscribe := s.deps.Escalations.Subscribe(32)
	defer unsubscribe()

	// Reads are only drained to notice the close frame.
	ctx := conn.CloseRead(r.Context())

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return true
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
			s.deps.Logger.DebugContext(r.Context(), "websocket write failed", "error", err)
			return false
		}
		return true
	}

	for _, p := range s.deps.Escalations.Pending() {
		if !send(map[string]any{"type": "requested", "escalation": p}) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-notices:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "broker closed")
				return
			}
			if !send(n) {
				return
			}
		}
	}
}
