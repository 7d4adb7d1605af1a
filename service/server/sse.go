package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/brojonat/charityledger/service/metrics"
	natspkg "github.com/brojonat/charityledger/service/nats"
)

const sseKeepaliveInterval = 10 * time.Second

// handleStreamEvents streams committed ledger events as Server-Sent Events.
// GET /api/v1/stream/events?kind=transaction_completed
//
// Each event is written as "event: <kind>" with the journal sequence number as its id.
func handleStreamEvents(sub natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("kind")
		if _, err := natspkg.FilterSubject(kind); err != nil {
			writeError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", "internal", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		filter := kind
		if filter == "" {
			filter = "all"
		}
		logger.DebugContext(r.Context(), "SSE client connected",
			"kind", filter,
			"remote_addr", r.RemoteAddr,
		)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events := make(chan ledger.Event, 16)
		subErr := make(chan error, 1)
		go func() {
			subErr <- sub.Subscribe(ctx, natspkg.SubscribeOptions{Kind: kind}, func(ev ledger.Event) {
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			})
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"kind\":%q}\n\n", filter)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()

			case ev := <-events:
				data, err := json.Marshal(ev)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "seq", ev.Seq, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Kind, ev.Seq, data)
				flusher.Flush()
				if m != nil {
					m.RecordSSEEventSent(string(ev.Kind))
				}

			case err := <-subErr:
				if err != nil && ctx.Err() == nil {
					logger.ErrorContext(ctx, "event subscription failed", "error", err)
					fmt.Fprint(w, "event: error\ndata: {\"error\":\"subscription failed\"}\n\n")
					flusher.Flush()
				}
				return

			case <-ctx.Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"kind", filter,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
