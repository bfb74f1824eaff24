package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

const streamHeartbeat = 25 * time.Second

// Stream pushes purchase workflow events to admin dashboards over
// Server-Sent Events. Heartbeat comments keep idle proxies from closing
// the connection.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := a.events.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: purchase\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
		}
		flusher.Flush()
	}
}
