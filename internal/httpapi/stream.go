package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// handleSyncStream pushes change notifications for one group over
// Server-Sent Events. The author device is filtered out, mirroring the
// pull self-exclusion.
func (a *API) handleSyncStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	q := r.URL.Query()
	groupID := strings.TrimSpace(q.Get("groupId"))
	deviceID := strings.TrimSpace(q.Get("deviceId"))
	if groupID == "" || deviceID == "" {
		writeError(w, r, http.StatusBadRequest, "groupId and deviceId are required")
		return
	}

	ok, err := a.relay.IsMember(r.Context(), deviceID, groupID)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, "device not registered in group")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Initial comment establishes the stream on the client side.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if event.GroupID != groupID || event.DeviceID == deviceID {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
