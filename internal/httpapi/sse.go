package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/summaryq/internal/broadcast"
)

// RetryMillis is sent once per stream as the client reconnect delay.
const RetryMillis = 3000

// StreamEvents handles GET /api/events as a Server-Sent Events stream.
// ?types=job.progress,job.completed limits the stream to those types.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := broadcast.ParseEventTypes(r.URL.Query().Get("types"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	conn := h.svc.Subscribe(filter...)
	defer h.svc.Unsubscribe(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", RetryMillis); err != nil {
		return
	}
	flusher.Flush()
	h.log.Debug("event stream opened", "conn_id", conn.ID(), "filter", filter, "request_id", requestID(r))

	for {
		events, err := h.svc.NextEvent(r.Context(), conn, h.heartbeat)
		if err != nil {
			if !errors.Is(err, broadcast.ErrConnectionClosed) && r.Context().Err() == nil {
				h.log.Warn("event stream aborted", "conn_id", conn.ID(), "error", err)
			}
			h.log.Debug("event stream closed", "conn_id", conn.ID(),
				"duration", time.Since(conn.CreatedAt()), "delivered", conn.Delivered(), "dropped", conn.Dropped())
			return
		}
		for _, e := range events {
			if err := writeEvent(w, e); err != nil {
				h.log.Debug("event stream write failed", "conn_id", conn.ID(), "error", err)
				return
			}
		}
		flusher.Flush()
	}
}

// writeEvent writes one SSE frame: id, event name and the JSON event.
func writeEvent(w io.Writer, e broadcast.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", e.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}
