package rocketchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

func TestPostMessageSendsCredentials(t *testing.T) {
	var gotUserID, gotAuthToken string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat.postMessage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotUserID = r.Header.Get("X-User-Id")
		gotAuthToken = r.Header.Get("X-Auth-Token")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second).WithCredentials("u1", "secret")
	if err := client.PostMessage(context.Background(), "GENERAL", "hello"); err != nil {
		t.Fatalf("post message: %v", err)
	}

	if gotUserID != "u1" || gotAuthToken != "secret" {
		t.Errorf("expected credential headers, got %q/%q", gotUserID, gotAuthToken)
	}
	if gotBody["roomId"] != "GENERAL" || gotBody["text"] != "hello" {
		t.Errorf("unexpected payload %v", gotBody)
	}
}

func TestPostMessageWithoutCredentialsOmitsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["X-User-Id"]; ok {
			t.Error("expected no X-User-Id header")
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success": false, "error": "You must be logged in to do this."}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	err := client.PostMessage(context.Background(), "GENERAL", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errors.KindOf(err); kind != errors.RocketchatAPIError {
		t.Errorf("expected RocketchatApiError, got %s", kind)
	}
}

func TestPostMessageSuccessFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error": "invalid room"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second).WithCredentials("u1", "secret")
	err := client.PostMessage(context.Background(), "nope", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errors.KindOf(err); kind != errors.RocketchatAPIError {
		t.Errorf("expected RocketchatApiError, got %s", kind)
	}
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/login" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if body["user"] != "joe" || body["password"] != "hunter2" {
			t.Errorf("unexpected login payload %v", body)
		}
		w.Write([]byte(`{"status": "success", "data": {"userId": "u1", "authToken": "secret", "me": {"username": "joe"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	userID, authToken, username, err := client.Login(context.Background(), "joe", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if userID != "u1" || authToken != "secret" || username != "joe" {
		t.Errorf("unexpected login result %q/%q/%q", userID, authToken, username)
	}
}

func TestLoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status": "error", "error": "Unauthorized", "message": "Unauthorized"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	_, _, _, err := client.Login(context.Background(), "joe", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errors.KindOf(err); kind != errors.RocketchatAPIError {
		t.Errorf("expected RocketchatApiError, got %s", kind)
	}
}

func TestInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/info" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"info": {"version": "6.4.0"}, "success": true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	version, err := client.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if version != "6.4.0" {
		t.Errorf("expected version 6.4.0, got %q", version)
	}
}

func TestInfoUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, time.Second)
	_, err := client.Info(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errors.KindOf(err); kind != errors.RocketchatAPIError {
		t.Errorf("expected RocketchatApiError, got %s", kind)
	}
}

func TestChannels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/channels.list" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"channels": [
			{"_id": "GENERAL", "name": "general", "usernames": ["joe"]},
			{"_id": "c2", "name": "random"}
		], "success": true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second).WithCredentials("u1", "secret")
	channels, err := client.Channels(context.Background())
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(channels) != 2 || channels[0].ID != "GENERAL" || channels[1].Name != "random" {
		t.Errorf("unexpected channels %v", channels)
	}
}

func TestInvalidJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not the API</html>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	_, err := client.Info(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errors.KindOf(err); kind != errors.InvalidJSON {
		t.Errorf("expected InvalidJSON, got %s", kind)
	}
}
