package admin

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/devkishan/fluxgate/internal/eventstream"
)

// StreamHandler serves GET /dashboard/stream: an SSE feed of every
// AccessLogEvent broadcast by the Event Stream Registry, per §6. The
// first emission is a connection-established comment; every subsequent
// emission is a JSON-encoded AccessLogEvent.
func StreamHandler(registry *eventstream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		events, unregister := registry.Register()
		defer unregister()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := sonic.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
