package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendText(t *testing.T) {
	var gotPath, gotKey string
	var gotReq SendMessageRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":"wamid.test"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", "phone-123")
	if err := c.SendText(context.Background(), "59171234567", "hola"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	if gotPath != "/phone-123/messages" {
		t.Errorf("path = %q, want /phone-123/messages", gotPath)
	}
	if gotKey != "secret-key" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if gotReq.To != "59171234567" || gotReq.Text.Body != "hola" {
		t.Errorf("request = %+v", gotReq)
	}
	if gotReq.MessagingProduct != "whatsapp" || gotReq.Type != "text" {
		t.Errorf("wire fields = %+v", gotReq)
	}
}

func TestSendTextGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid recipient"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", "phone-123")
	err := c.SendText(context.Background(), "bad", "hola")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestSendTextContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, "secret-key", "phone-123")
	if err := c.SendText(ctx, "59171234567", "hola"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
