package httpapi

import (
	"net/http"
	"strings"

	"github.com/YaishRiaz/SyncLedger/internal/audit"
)

type pairStartRequest struct {
	GroupID  string `json:"groupId"`
	DeviceID string `json:"deviceId"`
}

type pairStartResponse struct {
	PairingToken string `json:"pairingToken"`
}

type pairFinishRequest struct {
	GroupID      string `json:"groupId"`
	DeviceID     string `json:"deviceId"`
	PairingToken string `json:"pairingToken"`
}

type pairFinishResponse struct {
	Success bool   `json:"success"`
	GroupID string `json:"groupId"`
}

func (a *API) handlePairStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req pairStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	groupID := strings.TrimSpace(req.GroupID)
	deviceID := strings.TrimSpace(req.DeviceID)
	if groupID == "" || deviceID == "" {
		writeError(w, r, http.StatusBadRequest, "groupId and deviceId are required")
		return
	}
	if len(groupID) > 64 || len(deviceID) > 64 {
		writeError(w, r, http.StatusBadRequest, "identifiers must be <=64 characters")
		return
	}

	token, err := a.relay.IssueToken(r.Context(), groupID, deviceID)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "pair.token.issue", map[string]any{
		"group_id":  groupID,
		"device_id": deviceID,
	})

	writeJSON(w, http.StatusOK, pairStartResponse{PairingToken: token})
}

func (a *API) handlePairFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req pairFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	groupID := strings.TrimSpace(req.GroupID)
	deviceID := strings.TrimSpace(req.DeviceID)
	token := strings.TrimSpace(req.PairingToken)
	if groupID == "" || deviceID == "" || token == "" {
		writeError(w, r, http.StatusBadRequest, "groupId, deviceId and pairingToken are required")
		return
	}
	if len(token) > 128 {
		writeError(w, r, http.StatusBadRequest, "pairingToken too long")
		return
	}

	gid, err := a.relay.RedeemToken(r.Context(), token, groupID, deviceID)
	if err != nil {
		handleRelayError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "pair.token.redeem", map[string]any{
		"group_id":  gid,
		"device_id": deviceID,
	})

	writeJSON(w, http.StatusOK, pairFinishResponse{Success: true, GroupID: gid})
}
