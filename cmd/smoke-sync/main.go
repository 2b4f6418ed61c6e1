// Command smoke-sync drives a running syncledger server through the full
// pairing and sync flow and exits non-zero on any deviation. Point it at a
// dev server with SYNCLEDGER_API_URL (default http://localhost:8742).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	base := os.Getenv("SYNCLEDGER_API_URL")
	if base == "" {
		base = "http://localhost:8742"
	}

	run := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	groupID := run + "-group"
	d1 := run + "-d1"
	d2 := run + "-d2"

	// Pair d1 (creator) and d2 (joiner).
	var start struct {
		PairingToken string `json:"pairingToken"`
	}
	post(base+"/v1/pair/start", map[string]any{"groupId": groupID, "deviceId": d1}, &start)
	if start.PairingToken == "" {
		log.Fatal("pair/start returned an empty token")
	}

	var finish struct {
		Success bool   `json:"success"`
		GroupID string `json:"groupId"`
	}
	post(base+"/v1/pair/finish", map[string]any{
		"groupId": groupID, "deviceId": d2, "pairingToken": start.PairingToken,
	}, &finish)
	if !finish.Success || finish.GroupID != groupID {
		log.Fatalf("pair/finish unexpected payload: %+v", finish)
	}

	// The token must be dead now.
	if code := postStatus(base+"/v1/pair/finish", map[string]any{
		"groupId": groupID, "deviceId": d2, "pairingToken": start.PairingToken,
	}); code != http.StatusForbidden {
		log.Fatalf("token reuse: expected 403, got %d", code)
	}

	// d1 publishes two changes; the duplicate seq must collapse.
	batch := []map[string]any{
		{"seq": 1, "entityType": "expense", "entityId": "e1", "opType": "create",
			"payloadCiphertext": "AB==", "payloadNonce": "n1", "payloadMac": "m1"},
		{"seq": 2, "entityType": "expense", "entityId": "e2", "opType": "update"},
	}
	var push struct {
		Accepted int `json:"accepted"`
	}
	post(base+"/v1/sync/push", map[string]any{"groupId": groupID, "deviceId": d1, "changes": batch}, &push)
	if push.Accepted != 2 {
		log.Fatalf("push: expected accepted=2, got %d", push.Accepted)
	}
	post(base+"/v1/sync/push", map[string]any{"groupId": groupID, "deviceId": d1, "changes": batch}, &push)

	// d2 drains; the retransmission must not have duplicated rows.
	changes := pull(base, groupID, d2, 0)
	if len(changes) != 2 {
		log.Fatalf("pull by d2: expected 2 changes, got %d", len(changes))
	}
	if changes[0]["deviceId"] != d1 {
		log.Fatalf("pull by d2: unexpected author %v", changes[0]["deviceId"])
	}

	// d1 never sees its own writes.
	if own := pull(base, groupID, d1, 0); len(own) != 0 {
		log.Fatalf("pull by d1: expected self-exclusion, got %d changes", len(own))
	}

	fmt.Println("smoke-sync OK")
}

func post(url string, body any, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", url, err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}

func postStatus(url string, body any) int {
	payload, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func pull(base, groupID, deviceID string, sinceID int64) []map[string]any {
	u := fmt.Sprintf("%s/v1/sync/pull?groupId=%s&deviceId=%s&sinceId=%d",
		base, url.QueryEscape(groupID), url.QueryEscape(deviceID), sinceID)
	resp, err := client.Get(u)
	if err != nil {
		log.Fatalf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("GET %s: status %d", u, resp.StatusCode)
	}
	var out struct {
		Changes []map[string]any `json:"changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode pull: %v", err)
	}
	return out.Changes
}
