package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifyChannelDeletedCallsMatchingHooks(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body deletedPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		received <- body.ChannelID
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Target{
		{Name: "audit", Hook: HookOnChannelDeleted, Endpoint: srv.URL},
		{Name: "unrelated", Hook: "some-other-hook", Endpoint: srv.URL + "/should-not-be-hit"},
	})

	d.NotifyChannelDeleted("agent1.abc.1")

	select {
	case channelID := <-received:
		if channelID != "agent1.abc.1" {
			t.Errorf("received channelId = %q, want %q", channelID, "agent1.abc.1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

func TestNotifyChannelDeletedSkipsNonMatchingHook(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Target{
		{Name: "other", Hook: "some-other-hook", Endpoint: srv.URL},
	})

	d.NotifyChannelDeleted("agent1.abc.1")

	select {
	case <-called:
		t.Fatal("webhook with non-matching hook should not have been called")
	case <-time.After(200 * time.Millisecond):
	}
}
