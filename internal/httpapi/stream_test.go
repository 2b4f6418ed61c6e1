package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/YaishRiaz/SyncLedger/internal/relay"
	"github.com/YaishRiaz/SyncLedger/internal/stream"
)

func TestStreamRequiresMembership(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/sync/stream", map[string][]string{
		"groupId": {"g1"}, "deviceId": {"stranger"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStreamDeliversGroupEvents(t *testing.T) {
	svc := relay.NewInMemory()
	st := stream.New()
	api := New(ReadyProbe{}, "test", svc, st)

	ctx := context.Background()
	token, _ := svc.IssueToken(ctx, "g1", "d1")
	_, _ = svc.RedeemToken(ctx, token, "g1", "d2")

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/v1/sync/stream?groupId=g1&deviceId=d2", nil).WithContext(reqCtx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		api.handleSyncStream(rr, req)
		close(done)
	}()

	// The subscriber registers asynchronously; keep publishing one event of
	// each kind (own device, other group, peer) until the window closes.
	for i := 0; i < 30; i++ {
		st.Publish(stream.ChangeEvent{GroupID: "g1", DeviceID: "d2", Accepted: 1, Timestamp: time.Now().UTC()})
		st.Publish(stream.ChangeEvent{GroupID: "other", DeviceID: "d1", Accepted: 1, Timestamp: time.Now().UTC()})
		st.Publish(stream.ChangeEvent{GroupID: "g1", DeviceID: "d1", Accepted: 2, Timestamp: time.Now().UTC()})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	body := rr.Body.String()
	if !strings.Contains(body, ": stream started") {
		t.Fatalf("missing stream preamble: %q", body)
	}
	if !strings.Contains(body, `"deviceId":"d1"`) || !strings.Contains(body, `"accepted":2`) {
		t.Fatalf("peer event not delivered: %q", body)
	}
	if strings.Contains(body, `"deviceId":"d2"`) {
		t.Fatalf("own event leaked into stream: %q", body)
	}
	if strings.Contains(body, `"groupId":"other"`) {
		t.Fatalf("cross-group event leaked: %q", body)
	}
}
