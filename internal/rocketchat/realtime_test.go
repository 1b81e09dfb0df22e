package rocketchat

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		baseURL string
		want    string
	}{
		{"https://chat.example.com", "wss://chat.example.com/websocket"},
		{"http://localhost:3000", "ws://localhost:3000/websocket"},
		{"https://chat.example.com/", "wss://chat.example.com/websocket"},
	}

	for _, tt := range tests {
		if got := WebsocketURL(tt.baseURL); got != tt.want {
			t.Errorf("WebsocketURL(%q) = %q, want %q", tt.baseURL, got, tt.want)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRealtimeClientStreamsMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read connect: %v", err)
			return
		}
		if frame["msg"] != "connect" {
			t.Errorf("expected connect frame, got %v", frame)
		}
		conn.WriteJSON(map[string]string{"msg": "connected", "session": "s1"})

		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read login: %v", err)
			return
		}
		if frame["msg"] != "method" || frame["method"] != "login" {
			t.Errorf("expected login method, got %v", frame)
		}
		conn.WriteJSON(map[string]interface{}{
			"msg": "result", "id": frame["id"],
			"result": map[string]string{"id": "u1", "token": "secret"},
		})

		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read sub: %v", err)
			return
		}
		if frame["msg"] != "sub" || frame["name"] != "stream-room-messages" {
			t.Errorf("expected stream subscription, got %v", frame)
		}

		conn.WriteJSON(map[string]interface{}{
			"msg": "changed", "collection": "stream-room-messages",
			"fields": map[string]interface{}{
				"eventName": "GENERAL",
				"args": []interface{}{map[string]interface{}{
					"_id": "m1", "rid": "GENERAL", "msg": "hello from rocketchat",
					"u": map[string]string{"_id": "rcu1", "username": "joe"},
				}},
			},
		})

		conn.WriteJSON(map[string]string{"msg": "ping"})
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read pong: %v", err)
			return
		}
		if frame["msg"] != "pong" {
			t.Errorf("expected pong, got %v", frame)
		}
	}))
	defer server.Close()

	received := make(chan RealtimeMessage, 1)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewRealtimeClient(wsURL, func(m RealtimeMessage) { received <- m }, discardLogger())

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Login(ctx, "resume_token"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := client.Subscribe("GENERAL"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stopCh := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- client.Run(stopCh) }()

	select {
	case msg := <-received:
		if msg.ChannelID != "GENERAL" || msg.Text != "hello from rocketchat" {
			t.Errorf("unexpected message %+v", msg)
		}
		if msg.UserID != "rcu1" || msg.UserName != "joe" {
			t.Errorf("unexpected sender %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for streamed message")
	}

	close(stopCh)
	client.Close()
	<-done
}

func TestRealtimeLoginRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var frame map[string]interface{}
		conn.ReadJSON(&frame)
		conn.WriteJSON(map[string]string{"msg": "connected", "session": "s1"})
		conn.ReadJSON(&frame)
		conn.WriteJSON(map[string]interface{}{
			"msg": "result", "id": frame["id"],
			"error": map[string]interface{}{"error": 403, "message": "You've been logged out by the server."},
		})
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewRealtimeClient(wsURL, func(RealtimeMessage) {}, discardLogger())
	defer client.Close()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := client.Login(ctx, "expired_token")
	if err == nil {
		t.Fatal("expected login to be rejected")
	}
	if kind := errors.KindOf(err); kind != errors.RocketchatAPIError {
		t.Errorf("expected RocketchatApiError, got %s", kind)
	}
}
