package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/YaishRiaz/SyncLedger/internal/audit"
	"github.com/YaishRiaz/SyncLedger/internal/relay"
	"github.com/YaishRiaz/SyncLedger/internal/stream"
)

type pushRequest struct {
	GroupID  string              `json:"groupId"`
	DeviceID string              `json:"deviceId"`
	Changes  []relay.ChangeInput `json:"changes"`
}

type pushResponse struct {
	Accepted int `json:"accepted"`
}

type pullResponse struct {
	Changes []relay.Change `json:"changes"`
}

func (a *API) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req pushRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	groupID := strings.TrimSpace(req.GroupID)
	deviceID := strings.TrimSpace(req.DeviceID)
	if groupID == "" || deviceID == "" || req.Changes == nil {
		writeError(w, r, http.StatusBadRequest, "groupId, deviceId and changes are required")
		return
	}

	accepted, err := a.relay.Push(r.Context(), groupID, deviceID, req.Changes)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}

	if a.stream != nil && accepted > 0 {
		a.stream.Publish(stream.ChangeEvent{
			GroupID:   groupID,
			DeviceID:  deviceID,
			Accepted:  accepted,
			Timestamp: time.Now().UTC(),
		})
	}

	_ = audit.LogEvent(r.Context(), "sync.push", map[string]any{
		"group_id":  groupID,
		"device_id": deviceID,
		"accepted":  accepted,
	})

	writeJSON(w, http.StatusOK, pushResponse{Accepted: accepted})
}

func (a *API) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	groupID := strings.TrimSpace(q.Get("groupId"))
	deviceID := strings.TrimSpace(q.Get("deviceId"))
	if groupID == "" || deviceID == "" {
		writeError(w, r, http.StatusBadRequest, "groupId and deviceId are required")
		return
	}

	var sinceID int64
	if raw := strings.TrimSpace(q.Get("sinceId")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, r, http.StatusBadRequest, "sinceId must be a non-negative integer")
			return
		}
		sinceID = v
	}

	changes, err := a.relay.Pull(r.Context(), groupID, deviceID, sinceID)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}
	if changes == nil {
		changes = []relay.Change{}
	}

	writeJSON(w, http.StatusOK, pullResponse{Changes: changes})
}
