package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/triageq/internal/notify"
)

func TestEvents_StreamsBrokerEvents(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for app.deps.Broker.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	app.do(t, http.MethodPost, "/submissions", `{"text":"dizzy"}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Kind notify.Kind    `json:"kind"`
		Data map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Kind != notify.KindEnqueued || ev.Data["symptoms"] != "dizzy" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvents_RequiresToken(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
