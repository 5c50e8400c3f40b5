package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func TestSendCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /surveys": `{"response_id":"resp-123","status":"sent"}`,
	})

	client := ts.client()

	req := map[string]any{
		"phone_number":  "70001234",
		"customer_name": "Ana",
	}

	resp, err := client.post("/surveys", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["response_id"] != "resp-123" {
		t.Errorf("response_id = %q, want %q", result["response_id"], "resp-123")
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["phone_number"] != "70001234" {
		t.Errorf("body.phone_number = %v, want 70001234", body["phone_number"])
	}
}

func TestResponsesListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /responses": `[{"id":"r1","phone_number":"59170001234","first_rating":4,"created_at":"2025-01-01T00:00:00Z"}]`,
	})

	client := ts.client()

	resp, err := client.get("/responses?limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var responses []struct {
		ID          string `json:"id"`
		FirstRating *int   `json:"first_rating"`
	}
	if err := decodeJSON(resp, &responses); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].FirstRating == nil || *responses[0].FirstRating != 4 {
		t.Errorf("rating = %v, want 4", responses[0].FirstRating)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()

	resp, err := client.get("/responses/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want to mention 404", err)
	}
}

func TestSendCommand_MissingPhone(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"send"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error when --phone is missing")
	}
	if !strings.Contains(err.Error(), "--phone") {
		t.Errorf("error = %v, want to mention --phone", err)
	}
}
