package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBootstrapStartSession(t *testing.T) {
	var gotAuth, gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/voice/start" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req StartRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotBody = req.VoiceOption

		json.NewEncoder(w).Encode(StartResponse{
			SessionID:    "sess-123",
			State:        "created",
			WebsocketURL: "wss://example.test/ws/voice/sess-123",
			CreatedAt:    time.Now(),
			VoiceOption:  req.VoiceOption,
			Language:     req.Language,
		})
	}))
	defer srv.Close()

	b := NewBootstrapClient(srv.URL, "tok", nil)
	resp, err := b.StartSession(context.Background(), StartRequest{
		VoiceOption: "Puck",
		Language:    "en",
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if resp.SessionID != "sess-123" {
		t.Errorf("session_id = %q", resp.SessionID)
	}
	if resp.WebsocketURL == "" {
		t.Error("websocket_url missing")
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody != "Puck" {
		t.Errorf("voice_option = %q", gotBody)
	}
}

func TestBootstrapStartSessionServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBootstrapClient(srv.URL, "", nil)
	_, err := b.StartSession(context.Background(), StartRequest{VoiceOption: "Puck", Language: "en"})
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if CategoryOf(err) != CategoryTransport {
		t.Errorf("category = %q, want transport", CategoryOf(err))
	}
}

func TestBootstrapStartSessionIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": "x"})
	}))
	defer srv.Close()

	b := NewBootstrapClient(srv.URL, "", nil)
	if _, err := b.StartSession(context.Background(), StartRequest{VoiceOption: "A", Language: "en"}); err == nil {
		t.Fatal("expected error for response without websocket_url")
	}
}

func TestBootstrapEndSession(t *testing.T) {
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBootstrapClient(srv.URL, "", nil)
	if err := b.EndSession(context.Background(), "sess-9"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if gotPath != "DELETE /voice/session/sess-9" {
		t.Errorf("request = %q", gotPath)
	}
}

func TestBootstrapEndSessionMissingIsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewBootstrapClient(srv.URL, "", nil)
	if err := b.EndSession(context.Background(), "gone"); err != nil {
		t.Errorf("EndSession on 404 should succeed, got %v", err)
	}
}

func TestBootstrapGetSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/session/sess-5" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(StartResponse{
			SessionID: "sess-5",
			State:     "active",
		})
	}))
	defer srv.Close()

	b := NewBootstrapClient(srv.URL, "", nil)
	resp, err := b.GetSession(context.Background(), "sess-5")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if resp.State != "active" {
		t.Errorf("state = %q", resp.State)
	}

	if _, err := b.GetSession(context.Background(), "none"); err == nil {
		t.Error("GetSession on missing session should fail")
	}
}
